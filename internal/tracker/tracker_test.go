package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/test/mocks/database"
)

var (
	owner   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	spender = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdc    = types.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6, Symbol: "USDC"}
)

func approvalRecord(hash string, chainID int64) types.TransactionRecord {
	return types.TransactionRecord{
		Hash:        common.HexToHash(hash),
		ChainID:     chainID,
		InitiatedBy: owner,
		Data: types.ApprovalData{
			Token:   usdc,
			Spender: spender,
			Amount:  big.NewInt(100),
			Mode:    types.ApprovalModeExact,
		},
	}
}

func withdrawRecord(hash string, chainID int64) types.TransactionRecord {
	return types.TransactionRecord{
		Hash:        common.HexToHash(hash),
		ChainID:     chainID,
		InitiatedBy: owner,
		Data:        types.WithdrawData{PositionID: "1-0xhub-7", Token: usdc, Amount: big.NewInt(5)},
	}
}

func newTestTracker() *Tracker {
	return New("session", nil, logrus.StandardLogger())
}

func TestPendingApprovalGuard(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name   string
		settle func(tr *Tracker, hash common.Hash) error
	}{
		{
			name: "confirmed",
			settle: func(tr *Tracker, hash common.Hash) error {
				_, err := tr.MarkConfirmed(ctx, 1, hash, types.Receipt{Hash: hash, Status: 1, BlockNumber: 10})
				return err
			},
		},
		{
			name: "failed",
			settle: func(tr *Tracker, hash common.Hash) error {
				_, err := tr.MarkFailed(ctx, 1, hash, "reverted")
				return err
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestTracker()
			require.False(t, tr.HasPendingApproval(usdc.Address, owner, spender, 1))

			record, err := tr.Submit(ctx, approvalRecord("0x01", 1))
			require.NoError(t, err)
			require.Equal(t, types.StatusPending, record.Status)
			require.Equal(t, types.TxTypeApproval, record.Type)
			require.True(t, tr.HasPendingApproval(usdc.Address, owner, spender, 1))
			require.False(t, tr.HasPendingApproval(usdc.Address, owner, spender, 137))

			_, err = tr.Submit(ctx, approvalRecord("0x02", 1))
			require.ErrorIs(t, err, ErrApprovalPending)

			// a different chain is independent
			_, err = tr.Submit(ctx, approvalRecord("0x02", 137))
			require.NoError(t, err)

			require.NoError(t, tc.settle(tr, record.Hash))
			require.False(t, tr.HasPendingApproval(usdc.Address, owner, spender, 1))

			// retrying creates a new record
			_, err = tr.Submit(ctx, approvalRecord("0x03", 1))
			require.NoError(t, err)
			require.Len(t, tr.List(1), 2)
		})
	}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()
	hash := common.HexToHash("0x0a")

	_, err := tr.MarkConfirmed(ctx, 1, hash, types.Receipt{})
	require.ErrorIs(t, err, ErrRecordNotFound)

	_, err = tr.Submit(ctx, withdrawRecord("0x0a", 1))
	require.NoError(t, err)
	_, err = tr.Submit(ctx, withdrawRecord("0x0a", 1))
	require.ErrorIs(t, err, ErrDuplicateTransaction)
	require.True(t, tr.HasPendingFor(1, "1-0xhub-7"))

	confirmed, err := tr.MarkConfirmed(ctx, 1, hash, types.Receipt{Hash: hash, Status: 1, BlockNumber: 99})
	require.NoError(t, err)
	require.Equal(t, types.StatusConfirmed, confirmed.Status)
	require.Equal(t, uint64(99), confirmed.BlockNumber)
	require.NotNil(t, confirmed.ConfirmedTime)
	require.False(t, tr.HasPendingFor(1, "1-0xhub-7"))

	_, err = tr.MarkFailed(ctx, 1, hash, "late failure")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = tr.MarkConfirmed(ctx, 1, hash, types.Receipt{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	record, ok := tr.Get(1, hash)
	require.True(t, ok)
	require.Equal(t, types.StatusConfirmed, record.Status)
}

func TestSubmitRejectsInvalidRecords(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Submit(context.Background(), types.TransactionRecord{Hash: common.HexToHash("0x01")})
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = tr.Submit(context.Background(), types.TransactionRecord{Data: types.ClaimData{}})
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestClearAllIsolatesChains(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()
	for i, chainID := range []int64{1, 1, 137, 137, 10} {
		_, err := tr.Submit(ctx, withdrawRecord(fmt.Sprintf("0x%02x", i+1), chainID))
		require.NoError(t, err)
	}

	require.Equal(t, 2, tr.ClearAll(ctx, 1))
	require.Empty(t, tr.List(1))
	require.Len(t, tr.List(137), 2)
	require.Len(t, tr.List(10), 1)
	require.Len(t, tr.List(0), 3)
	require.Equal(t, 0, tr.ClearAll(ctx, 1))

	require.NoError(t, tr.Remove(ctx, 10, common.HexToHash("0x05")))
	require.ErrorIs(t, tr.Remove(ctx, 10, common.HexToHash("0x05")), ErrRecordNotFound)
	require.Len(t, tr.Pending(0), 2)
}

func TestEventsAreOrdered(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()

	var (
		mu     sync.Mutex
		events []Event
	)
	unsubscribe := tr.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := common.BigToHash(big.NewInt(int64(i + 1)))
			record := withdrawRecord(hash.Hex(), 1)
			_, err := tr.Submit(ctx, record)
			assert.NoError(t, err)
			if i%2 == 0 {
				_, err = tr.MarkConfirmed(ctx, 1, hash, types.Receipt{Hash: hash, Status: 1})
			} else {
				_, err = tr.MarkFailed(ctx, 1, hash, "reverted")
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, workers*2)
	added := make(map[common.Hash]uint64)
	for i, e := range events {
		if i > 0 {
			require.Greater(t, e.Seq, events[i-1].Seq)
		}
		switch e.Kind {
		case EventAdded:
			require.Equal(t, types.StatusPending, e.Record.Status)
			added[e.Record.Hash] = e.Seq
		case EventConfirmed, EventFailed:
			seq, ok := added[e.Record.Hash]
			require.True(t, ok, "settled before added")
			require.Less(t, seq, e.Seq)
		}
	}

	unsubscribe()
	_, err := tr.Submit(ctx, withdrawRecord("0xff", 1))
	require.NoError(t, err)
	require.Len(t, events, workers*2)
}

func TestListenerCanReadTracker(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()
	var seen []types.TransactionStatus
	tr.Subscribe(func(e Event) {
		record, ok := tr.Get(e.Record.ChainID, e.Record.Hash)
		if ok {
			seen = append(seen, record.Status)
		}
	})

	hash := common.HexToHash("0x42")
	_, err := tr.Submit(ctx, withdrawRecord("0x42", 1))
	require.NoError(t, err)
	_, err = tr.MarkConfirmed(ctx, 1, hash, types.Receipt{Status: 1})
	require.NoError(t, err)
	require.Equal(t, []types.TransactionStatus{types.StatusPending, types.StatusConfirmed}, seen)
}

func TestStoreWriteThrough(t *testing.T) {
	ctx := context.Background()
	db := new(database.MockDB)
	tr := New("session-1", db, logrus.StandardLogger())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	hash := common.HexToHash("0x01")

	db.On("UpsertTransactionRecord", mock.Anything, "session-1", mock.MatchedBy(func(r types.TransactionRecord) bool {
		return r.Status == types.StatusPending && r.AddedTime.Equal(now)
	})).Return(nil).Once()
	db.On("UpsertTransactionRecord", mock.Anything, "session-1", mock.MatchedBy(func(r types.TransactionRecord) bool {
		return r.Status == types.StatusFailed && r.FailureReason == "out of gas"
	})).Return(errors.New("db down")).Once()
	db.On("DeleteTransactionRecords", mock.Anything, "session-1", int64(1)).Return(nil).Once()

	_, err := tr.Submit(ctx, approvalRecord("0x01", 1))
	require.NoError(t, err)
	// store errors never fail a transition
	_, err = tr.MarkFailed(ctx, 1, hash, "out of gas")
	require.NoError(t, err)
	tr.ClearAll(ctx, 1)

	db.AssertExpectations(t)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	db := new(database.MockDB)
	tr := New("session-2", db, logrus.StandardLogger())

	pending := approvalRecord("0x09", 1)
	pending.Type = types.TxTypeApproval
	pending.Status = types.StatusPending
	db.On("GetTransactionRecords", mock.Anything, "session-2").
		Return([]types.TransactionRecord{pending}, nil).Once()

	count, err := tr.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.True(t, tr.HasPendingApproval(usdc.Address, owner, spender, 1))

	db.On("GetTransactionRecords", mock.Anything, "session-2").Return(nil, errors.New("boom")).Once()
	_, err = tr.Restore(ctx)
	require.Error(t, err)
	db.AssertExpectations(t)
}
