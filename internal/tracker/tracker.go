package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vultisig/position-manager/internal/types"
)

var (
	ErrApprovalPending      = errors.New("an approval for this token and spender is already pending")
	ErrDuplicateTransaction = errors.New("transaction already tracked")
	ErrRecordNotFound       = errors.New("transaction record not found")
	ErrInvalidTransition    = errors.New("transaction is not pending")
	ErrInvalidRecord        = errors.New("invalid transaction record")
)

// Store persists records. The tracker stays authoritative: store failures
// are logged and do not fail a transition.
type Store interface {
	UpsertTransactionRecord(ctx context.Context, sessionID string, record types.TransactionRecord) error
	DeleteTransactionRecords(ctx context.Context, sessionID string, chainID int64) error
	DeleteTransactionRecord(ctx context.Context, sessionID string, chainID int64, hash common.Hash) error
	GetTransactionRecords(ctx context.Context, sessionID string) ([]types.TransactionRecord, error)
}

type recordKey struct {
	chainID int64
	hash    common.Hash
}

// Tracker is the record of in-flight and settled transactions of one session.
type Tracker struct {
	sessionID string
	store     Store
	logger    *logrus.Logger
	now       func() time.Time

	mu        sync.Mutex
	records   map[recordKey]*types.TransactionRecord
	listeners map[uint64]Listener
	nextID    uint64
	seq       uint64
	queue     []Event

	emitMu sync.Mutex
}

func New(sessionID string, store Store, logger *logrus.Logger) *Tracker {
	return &Tracker{
		sessionID: sessionID,
		store:     store,
		logger:    logger,
		now:       time.Now,
		records:   make(map[recordKey]*types.TransactionRecord),
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers a listener for every transition. Listeners run
// synchronously and must not call mutating tracker methods.
func (t *Tracker) Subscribe(l Listener) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// Submit starts tracking a submitted transaction as PENDING.
func (t *Tracker) Submit(ctx context.Context, record types.TransactionRecord) (types.TransactionRecord, error) {
	if record.Data == nil {
		return types.TransactionRecord{}, fmt.Errorf("%w: missing type data", ErrInvalidRecord)
	}
	if record.Hash == (common.Hash{}) {
		return types.TransactionRecord{}, fmt.Errorf("%w: missing hash", ErrInvalidRecord)
	}
	record.Type = record.Data.TxType()
	record.Status = types.StatusPending
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.AddedTime.IsZero() {
		record.AddedTime = t.now().UTC()
	}

	t.mu.Lock()
	key := recordKey{chainID: record.ChainID, hash: record.Hash}
	if _, ok := t.records[key]; ok {
		t.mu.Unlock()
		return types.TransactionRecord{}, ErrDuplicateTransaction
	}
	if approval, ok := record.Approval(); ok && t.hasPendingApprovalLocked(approval) {
		t.mu.Unlock()
		return types.TransactionRecord{}, ErrApprovalPending
	}
	stored := record
	t.records[key] = &stored
	t.emitLocked(EventAdded, stored)

	t.persist(ctx, stored)
	return stored, nil
}

func (t *Tracker) MarkConfirmed(ctx context.Context, chainID int64, hash common.Hash, receipt types.Receipt) (types.TransactionRecord, error) {
	return t.settle(ctx, chainID, hash, func(r *types.TransactionRecord) EventKind {
		now := t.now().UTC()
		r.Status = types.StatusConfirmed
		r.ConfirmedTime = &now
		r.BlockNumber = receipt.BlockNumber
		return EventConfirmed
	})
}

func (t *Tracker) MarkFailed(ctx context.Context, chainID int64, hash common.Hash, reason string) (types.TransactionRecord, error) {
	return t.settle(ctx, chainID, hash, func(r *types.TransactionRecord) EventKind {
		r.Status = types.StatusFailed
		r.FailureReason = reason
		return EventFailed
	})
}

func (t *Tracker) settle(ctx context.Context, chainID int64, hash common.Hash, apply func(r *types.TransactionRecord) EventKind) (types.TransactionRecord, error) {
	t.mu.Lock()
	record, ok := t.records[recordKey{chainID: chainID, hash: hash}]
	if !ok {
		t.mu.Unlock()
		return types.TransactionRecord{}, ErrRecordNotFound
	}
	if record.Status != types.StatusPending {
		t.mu.Unlock()
		return types.TransactionRecord{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, hash.Hex(), record.Status)
	}
	kind := apply(record)
	settled := *record
	t.emitLocked(kind, settled)

	t.persist(ctx, settled)
	return settled, nil
}

// HasPendingApproval reports whether an approval of token to spender by
// owner is still in flight on chainID.
func (t *Tracker) HasPendingApproval(token, owner, spender common.Address, chainID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasPendingApprovalLocked(types.ApprovalKey{
		ChainID: chainID,
		Owner:   owner,
		Token:   token,
		Spender: spender,
	})
}

func (t *Tracker) hasPendingApprovalLocked(key types.ApprovalKey) bool {
	for _, r := range t.records {
		if r.Status != types.StatusPending {
			continue
		}
		if approval, ok := r.Approval(); ok && approval == key {
			return true
		}
	}
	return false
}

// HasPendingFor reports whether a transaction touching the position is in flight.
func (t *Tracker) HasPendingFor(chainID int64, positionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if r.ChainID != chainID || r.Status != types.StatusPending {
			continue
		}
		if id, ok := types.PositionRef(r.Data); ok && id == positionID {
			return true
		}
	}
	return false
}

func (t *Tracker) Get(chainID int64, hash common.Hash) (types.TransactionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[recordKey{chainID: chainID, hash: hash}]
	if !ok {
		return types.TransactionRecord{}, false
	}
	return *r, true
}

// List returns the records of a chain, oldest first. A zero chainID lists every chain.
func (t *Tracker) List(chainID int64) []types.TransactionRecord {
	return t.filter(func(r *types.TransactionRecord) bool {
		return chainID == 0 || r.ChainID == chainID
	})
}

func (t *Tracker) Pending(chainID int64) []types.TransactionRecord {
	return t.filter(func(r *types.TransactionRecord) bool {
		return (chainID == 0 || r.ChainID == chainID) && r.Status == types.StatusPending
	})
}

func (t *Tracker) filter(keep func(r *types.TransactionRecord) bool) []types.TransactionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]types.TransactionRecord, 0, len(t.records))
	for _, r := range t.records {
		if keep(r) {
			records = append(records, *r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].AddedTime.Equal(records[j].AddedTime) {
			return records[i].Hash.Hex() < records[j].Hash.Hex()
		}
		return records[i].AddedTime.Before(records[j].AddedTime)
	})
	return records
}

// ClearAll forgets every record of chainID. Other chains are untouched.
func (t *Tracker) ClearAll(ctx context.Context, chainID int64) int {
	t.mu.Lock()
	removed := make([]types.TransactionRecord, 0)
	for key, r := range t.records {
		if key.chainID == chainID {
			removed = append(removed, *r)
			delete(t.records, key)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].AddedTime.Before(removed[j].AddedTime)
	})
	t.emitLocked(EventRemoved, removed...)

	if t.store != nil {
		if err := t.store.DeleteTransactionRecords(ctx, t.sessionID, chainID); err != nil {
			t.logger.WithFields(logrus.Fields{
				"session_id": t.sessionID,
				"chain_id":   chainID,
			}).Errorf("fail to delete transaction records: %v", err)
		}
	}
	return len(removed)
}

// Remove forgets a single record, whatever its status.
func (t *Tracker) Remove(ctx context.Context, chainID int64, hash common.Hash) error {
	key := recordKey{chainID: chainID, hash: hash}
	t.mu.Lock()
	r, ok := t.records[key]
	if !ok {
		t.mu.Unlock()
		return ErrRecordNotFound
	}
	delete(t.records, key)
	t.emitLocked(EventRemoved, *r)

	if t.store != nil {
		if err := t.store.DeleteTransactionRecord(ctx, t.sessionID, chainID, hash); err != nil {
			t.logger.WithField("hash", hash.Hex()).Errorf("fail to delete transaction record: %v", err)
		}
	}
	return nil
}

// Restore loads persisted records into an empty tracker without emitting events.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	records, err := t.store.GetTransactionRecords(ctx, t.sessionID)
	if err != nil {
		return 0, fmt.Errorf("fail to get transaction records: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range records {
		record := r
		t.records[recordKey{chainID: r.ChainID, hash: r.Hash}] = &record
	}
	return len(records), nil
}

// emitLocked must be called with mu held. It queues the events, releases
// mu and flushes the queue.
func (t *Tracker) emitLocked(kind EventKind, records ...types.TransactionRecord) {
	for _, r := range records {
		t.seq++
		t.queue = append(t.queue, Event{Seq: t.seq, Kind: kind, Record: r})
	}
	t.mu.Unlock()
	t.flush()
}

// flush delivers queued events in sequence order. Only one goroutine
// delivers at a time; it drains events queued by others meanwhile.
func (t *Tracker) flush() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		events := t.queue
		t.queue = nil
		ids := make([]uint64, 0, len(t.listeners))
		for id := range t.listeners {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		listeners := make([]Listener, 0, len(ids))
		for _, id := range ids {
			listeners = append(listeners, t.listeners[id])
		}
		t.mu.Unlock()

		for _, e := range events {
			for _, l := range listeners {
				l(e)
			}
		}
	}
}

func (t *Tracker) persist(ctx context.Context, record types.TransactionRecord) {
	if t.store == nil {
		return
	}
	if err := t.store.UpsertTransactionRecord(ctx, t.sessionID, record); err != nil {
		t.logger.WithFields(logrus.Fields{
			"session_id": t.sessionID,
			"hash":       record.Hash.Hex(),
			"status":     record.Status,
		}).Errorf("fail to persist transaction record: %v", err)
	}
}
