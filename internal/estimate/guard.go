package estimate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vultisig/position-manager/internal/types"
)

// Key derives a structural key from the inputs of an estimation.
func Key(parts ...any) string {
	encoded := make([]string, 0, len(parts))
	for _, p := range parts {
		buf, err := json.Marshal(p)
		if err != nil {
			buf = []byte(fmt.Sprintf("%#v", p))
		}
		encoded = append(encoded, string(buf))
	}
	sum := sha256.Sum256([]byte(strings.Join(encoded, "|")))
	return hex.EncodeToString(sum[:])
}

type call[T any] struct {
	key  string
	gen  uint64
	done chan struct{}
	val  T
	err  error
	// current is set when the call finished while still the latest.
	current bool
}

// Guard runs estimations where only the latest inputs count. A result
// that arrives after newer inputs were requested is dropped.
type Guard[T any] struct {
	name   string
	logger *logrus.Logger

	mu       sync.Mutex
	gen      uint64
	inflight *call[T]
	latest   T
	hasValue bool
	latestOf string
}

func NewGuard[T any](name string, logger *logrus.Logger) *Guard[T] {
	return &Guard[T]{
		name:   name,
		logger: logger,
	}
}

// Run calls fn unless a call with the same key is already in flight, in
// which case it waits for that call. It returns types.ErrStaleEstimation
// when a call with another key started before this one finished.
func (g *Guard[T]) Run(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	return g.Start(ctx, key, fn)()
}

// Start registers key as the latest request before returning, so the order
// of Start calls decides which result wins. The returned function waits for
// the result with the same semantics as Run.
func (g *Guard[T]) Start(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) func() (T, error) {
	g.mu.Lock()
	c := g.inflight
	if c == nil || c.key != key || c.gen != g.gen {
		g.gen++
		c = &call[T]{key: key, gen: g.gen, done: make(chan struct{})}
		g.inflight = c
		g.mu.Unlock()
		go g.exec(ctx, c, fn)
	} else {
		g.mu.Unlock()
	}
	return func() (T, error) {
		return g.wait(ctx, c)
	}
}

func (g *Guard[T]) wait(ctx context.Context, c *call[T]) (T, error) {
	var zero T
	select {
	case <-c.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if !c.current {
		return zero, types.ErrStaleEstimation
	}
	if c.err != nil {
		return zero, c.err
	}
	return c.val, nil
}

func (g *Guard[T]) exec(ctx context.Context, c *call[T], fn func(ctx context.Context) (T, error)) {
	// the estimation keeps running when the caller goes away
	val, err := fn(context.WithoutCancel(ctx))

	g.mu.Lock()
	c.val, c.err = val, err
	current := c.gen == g.gen
	c.current = current
	if current {
		g.inflight = nil
		if err == nil {
			g.latest = val
			g.hasValue = true
			g.latestOf = c.key
		}
	}
	g.mu.Unlock()
	close(c.done)

	if !current && err != nil {
		g.logger.WithFields(logrus.Fields{
			"estimation": g.name,
			"key":        c.key,
		}).Debugf("discarding error of superseded estimation: %v", err)
	}
}

// Latest returns the result of the most recent non stale estimation.
func (g *Guard[T]) Latest() (T, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest, g.latestOf, g.hasValue
}

// Reset forgets the last result and marks any call in flight as stale.
func (g *Guard[T]) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	var zero T
	g.gen++
	g.inflight = nil
	g.latest = zero
	g.hasValue = false
	g.latestOf = ""
}
