package database

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/mock"
	"github.com/vultisig/position-manager/internal/types"
)

type MockDB struct {
	mock.Mock
}

func (m *MockDB) Pool() *pgxpool.Pool {
	return nil
}

func (m *MockDB) Close() error {
	return nil
}

func (m *MockDB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	args := m.Called(ctx, fn)

	if val, ok := args.Get(0).(bool); ok && val {
		return fn(ctx, nil)
	}

	return args.Error(1)
}

func (m *MockDB) CreateSession(ctx context.Context, session types.SessionInfo) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockDB) GetSession(ctx context.Context, id uuid.UUID) (*types.SessionInfo, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.SessionInfo), args.Error(1)
}

func (m *MockDB) GetSessionByAccount(ctx context.Context, account common.Address) (*types.SessionInfo, error) {
	args := m.Called(ctx, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.SessionInfo), args.Error(1)
}

func (m *MockDB) UpdateSessionChainTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID, chainID int64) error {
	args := m.Called(ctx, dbTx, id, chainID)
	return args.Error(0)
}

func (m *MockDB) DeleteSessionTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID) error {
	args := m.Called(ctx, dbTx, id)
	return args.Error(0)
}

func (m *MockDB) UpsertTransactionRecord(ctx context.Context, sessionID string, record types.TransactionRecord) error {
	args := m.Called(ctx, sessionID, record)
	return args.Error(0)
}

func (m *MockDB) GetTransactionRecords(ctx context.Context, sessionID string) ([]types.TransactionRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.TransactionRecord), args.Error(1)
}

func (m *MockDB) GetStalePendingTransactions(ctx context.Context, addedBefore time.Time, limit int) ([]types.SessionTransaction, error) {
	args := m.Called(ctx, addedBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.SessionTransaction), args.Error(1)
}

func (m *MockDB) DeleteTransactionRecord(ctx context.Context, sessionID string, chainID int64, hash common.Hash) error {
	args := m.Called(ctx, sessionID, chainID, hash)
	return args.Error(0)
}

func (m *MockDB) DeleteTransactionRecords(ctx context.Context, sessionID string, chainID int64) error {
	args := m.Called(ctx, sessionID, chainID)
	return args.Error(0)
}

func (m *MockDB) DeleteSessionTransactionsTx(ctx context.Context, dbTx pgx.Tx, sessionID string) error {
	args := m.Called(ctx, dbTx, sessionID)
	return args.Error(0)
}
