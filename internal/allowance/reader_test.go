package allowance

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/test/mocks/allowancereader"
)

func newTestCache(t *testing.T) (*CachedReader, *allowancereader.MockReader, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	next := new(allowancereader.MockReader)
	return NewCachedReader(next, rdb, time.Minute, logrus.StandardLogger()), next, server
}

func TestCachedReaderSnapshot(t *testing.T) {
	ctx := context.Background()
	cache, next, server := newTestCache(t)
	key := types.ApprovalKey{
		ChainID: 1,
		Owner:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Token:   common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Spender: common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	next.On("GetAllowance", mock.Anything, key.Token, key.Owner, key.Spender, int64(1)).
		Return(big.NewInt(500), nil).Twice()

	first, err := cache.Snapshot(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(500), first.Amount.Int64())
	require.False(t, first.FetchedAt.IsZero())

	// served from redis
	second, err := cache.GetAllowance(ctx, key.Token, key.Owner, key.Spender, 1)
	require.NoError(t, err)
	require.Equal(t, int64(500), second.Int64())
	next.AssertNumberOfCalls(t, "GetAllowance", 1)

	require.NoError(t, cache.Invalidate(ctx, key))
	_, err = cache.Snapshot(ctx, key)
	require.NoError(t, err)
	next.AssertNumberOfCalls(t, "GetAllowance", 2)

	require.True(t, server.Exists(snapshotKey(key)))
	next.AssertExpectations(t)
}

func TestCachedReaderExpires(t *testing.T) {
	ctx := context.Background()
	cache, next, server := newTestCache(t)
	key := types.ApprovalKey{ChainID: 137}
	next.On("GetAllowance", mock.Anything, key.Token, key.Owner, key.Spender, int64(137)).
		Return(big.NewInt(1), nil)

	_, err := cache.Snapshot(ctx, key)
	require.NoError(t, err)
	server.FastForward(2 * time.Minute)
	_, err = cache.Snapshot(ctx, key)
	require.NoError(t, err)
	next.AssertNumberOfCalls(t, "GetAllowance", 2)
}

func TestCachedReaderErrors(t *testing.T) {
	ctx := context.Background()
	cache, next, server := newTestCache(t)
	key := types.ApprovalKey{ChainID: 10}

	next.On("GetAllowance", mock.Anything, key.Token, key.Owner, key.Spender, int64(10)).
		Return(nil, errors.New("rpc down")).Once()
	_, err := cache.Snapshot(ctx, key)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rpc down")

	// a broken cache falls back to the chain
	server.Close()
	next.On("GetAllowance", mock.Anything, key.Token, key.Owner, key.Spender, int64(10)).
		Return(big.NewInt(3), nil).Once()
	snapshot, err := cache.Snapshot(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(3), snapshot.Amount.Int64())
}

func TestCachedReaderBalancePassthrough(t *testing.T) {
	ctx := context.Background()
	cache, next, _ := newTestCache(t)
	token := common.HexToAddress("0x01")
	owner := common.HexToAddress("0x02")
	next.On("GetBalance", mock.Anything, token, owner, int64(1)).Return(big.NewInt(77), nil).Twice()

	for i := 0; i < 2; i++ {
		balance, err := cache.GetBalance(ctx, token, owner, 1)
		require.NoError(t, err)
		require.Equal(t, int64(77), balance.Int64())
	}
	next.AssertExpectations(t)
}
