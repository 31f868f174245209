package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/storage"
)

func (p *PostgresBackend) CreateSession(ctx context.Context, session types.SessionInfo) error {
	query := `
        INSERT INTO sessions (id, account, chain_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5)`

	_, err := p.pool.Exec(ctx, query,
		session.ID,
		session.Account.Hex(),
		session.ChainID,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetSession(ctx context.Context, id uuid.UUID) (*types.SessionInfo, error) {
	query := `
        SELECT id, account, chain_id, created_at, updated_at
        FROM sessions
        WHERE id = $1`

	return p.getSession(ctx, query, id)
}

func (p *PostgresBackend) GetSessionByAccount(ctx context.Context, account common.Address) (*types.SessionInfo, error) {
	query := `
        SELECT id, account, chain_id, created_at, updated_at
        FROM sessions
        WHERE account = $1`

	return p.getSession(ctx, query, account.Hex())
}

func (p *PostgresBackend) getSession(ctx context.Context, query string, arg any) (*types.SessionInfo, error) {
	var (
		session types.SessionInfo
		account string
	)
	err := p.pool.QueryRow(ctx, query, arg).Scan(
		&session.ID,
		&account,
		&session.ChainID,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session.Account = common.HexToAddress(account)
	return &session, nil
}

func (p *PostgresBackend) UpdateSessionChainTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID, chainID int64) error {
	query := `
        UPDATE sessions
        SET chain_id = $1, updated_at = NOW()
        WHERE id = $2`

	tag, err := dbTx.Exec(ctx, query, chainID, id)
	if err != nil {
		return fmt.Errorf("failed to update session chain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteSessionTx(ctx context.Context, dbTx pgx.Tx, id uuid.UUID) error {
	_, err := dbTx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
