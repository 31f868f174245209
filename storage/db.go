package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vultisig/position-manager/internal/types"
)

var ErrNotFound = errors.New("not found")

type PoolProvider interface {
	Pool() *pgxpool.Pool
}

type Transactor interface {
	PoolProvider
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

type DatabaseStorage interface {
	Transactor
	SessionRepository
	TransactionRepository
	Close() error
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session types.SessionInfo) error
	GetSession(ctx context.Context, id uuid.UUID) (*types.SessionInfo, error)
	GetSessionByAccount(ctx context.Context, account common.Address) (*types.SessionInfo, error)
	UpdateSessionChainTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID, chainID int64) error
	DeleteSessionTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID) error
}

type TransactionRepository interface {
	UpsertTransactionRecord(ctx context.Context, sessionID string, record types.TransactionRecord) error
	GetTransactionRecords(ctx context.Context, sessionID string) ([]types.TransactionRecord, error)
	GetStalePendingTransactions(ctx context.Context, addedBefore time.Time, limit int) ([]types.SessionTransaction, error)
	DeleteTransactionRecord(ctx context.Context, sessionID string, chainID int64, hash common.Hash) error
	DeleteTransactionRecords(ctx context.Context, sessionID string, chainID int64) error
	DeleteSessionTransactionsTx(ctx context.Context, dbTx pgx.Tx, sessionID string) error
}
