package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/types"
)

const notificationBuffer = 16

// Broadcaster fans notifications out to the subscribers of a session.
// A subscriber that does not keep up loses notifications, never blocks.
type Broadcaster struct {
	logger *logrus.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan types.Notification
}

func NewBroadcaster(logger *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[string]map[uint64]chan types.Notification),
	}
}

func (b *Broadcaster) Notify(ctx context.Context, n types.Notification) {
	entry := b.logger.WithFields(logrus.Fields{
		"session_id": n.SessionID,
		"chain_id":   n.ChainID,
		"tx_type":    n.TxType,
	})
	if n.Kind == types.NotificationError {
		entry.Warn(n.Message)
	} else {
		entry.Info(n.Message)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[n.SessionID] {
		select {
		case ch <- n:
		default:
			entry.Warn("notification dropped for slow subscriber")
		}
	}
}

func (b *Broadcaster) Subscribe(sessionID string) (<-chan types.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan types.Notification, notificationBuffer)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]chan types.Notification)
	}
	b.subs[sessionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(ch)
		})
	}
}

// describe renders a record for a user facing message.
func describe(record types.TransactionRecord) string {
	switch d := record.Data.(type) {
	case types.ApprovalData:
		if d.Mode == types.ApprovalModeMax {
			return fmt.Sprintf("unlimited %s approval", d.Token.Symbol)
		}
		return fmt.Sprintf("approval of %s %s", amount.FormatUnits(d.Amount, d.Token.Decimals), d.Token.Symbol)
	case types.WithdrawData:
		return fmt.Sprintf("withdrawal of %s %s", amount.FormatUnits(d.Amount, d.Token.Decimals), d.Token.Symbol)
	case types.ClaimData:
		return fmt.Sprintf("claim of %s %s", amount.FormatUnits(d.Amount, d.Token.Decimals), d.Token.Symbol)
	case types.ModifyData:
		if d.NewSwaps == 0 {
			return "position withdrawal"
		}
		return fmt.Sprintf("position update to %d swaps", d.NewSwaps)
	default:
		return string(record.Type)
	}
}
