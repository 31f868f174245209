package allowance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vultisig/position-manager/internal/types"
)

// Reader reads token allowances and balances from the chain.
type Reader interface {
	GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID int64) (*big.Int, error)
	GetBalance(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error)
}

// CachedReader keeps allowance snapshots in redis. A snapshot is only
// refetched after Invalidate or once the TTL expires.
type CachedReader struct {
	next   Reader
	rdb    redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

func NewCachedReader(next Reader, rdb redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *CachedReader {
	return &CachedReader{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

type cachedSnapshot struct {
	Amount    string    `json:"amount"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (c *CachedReader) Snapshot(ctx context.Context, key types.ApprovalKey) (types.AllowanceSnapshot, error) {
	cacheKey := snapshotKey(key)
	raw, err := c.rdb.Get(ctx, cacheKey).Result()
	switch {
	case err == nil:
		snapshot, decodeErr := decodeSnapshot(raw)
		if decodeErr == nil {
			return snapshot, nil
		}
		c.logger.WithField("key", cacheKey).Warnf("fail to decode cached allowance: %v", decodeErr)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WithField("key", cacheKey).Warnf("fail to read cached allowance: %v", err)
	}

	value, err := c.next.GetAllowance(ctx, key.Token, key.Owner, key.Spender, key.ChainID)
	if err != nil {
		return types.AllowanceSnapshot{}, fmt.Errorf("fail to get allowance: %w", err)
	}
	snapshot := types.AllowanceSnapshot{Amount: value, FetchedAt: c.now().UTC()}

	buf, err := json.Marshal(cachedSnapshot{Amount: value.String(), FetchedAt: snapshot.FetchedAt})
	if err != nil {
		return snapshot, nil
	}
	if err := c.rdb.Set(ctx, cacheKey, buf, c.ttl).Err(); err != nil {
		c.logger.WithField("key", cacheKey).Warnf("fail to cache allowance: %v", err)
	}
	return snapshot, nil
}

func (c *CachedReader) GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID int64) (*big.Int, error) {
	snapshot, err := c.Snapshot(ctx, types.ApprovalKey{ChainID: chainID, Owner: owner, Token: token, Spender: spender})
	if err != nil {
		return nil, err
	}
	return snapshot.Amount, nil
}

// GetBalance is not cached, balances move with every swap.
func (c *CachedReader) GetBalance(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error) {
	return c.next.GetBalance(ctx, token, owner, chainID)
}

// Invalidate drops the snapshot after an approval is confirmed.
func (c *CachedReader) Invalidate(ctx context.Context, key types.ApprovalKey) error {
	if err := c.rdb.Del(ctx, snapshotKey(key)).Err(); err != nil {
		return fmt.Errorf("fail to invalidate allowance: %w", err)
	}
	return nil
}

func snapshotKey(key types.ApprovalKey) string {
	return strings.ToLower(fmt.Sprintf("allowance:%d:%s:%s:%s",
		key.ChainID, key.Owner.Hex(), key.Token.Hex(), key.Spender.Hex()))
}

func decodeSnapshot(raw string) (types.AllowanceSnapshot, error) {
	var cached cachedSnapshot
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return types.AllowanceSnapshot{}, err
	}
	value, ok := new(big.Int).SetString(cached.Amount, 10)
	if !ok {
		return types.AllowanceSnapshot{}, fmt.Errorf("invalid amount %q", cached.Amount)
	}
	return types.AllowanceSnapshot{Amount: value, FetchedAt: cached.FetchedAt}, nil
}
