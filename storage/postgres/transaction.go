package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/position-manager/internal/types"
)

const transactionColumns = `id, chain_id, tx_hash, tx_type, type_data, status::text, initiated_by,
        added_time, confirmed_time, block_number, failure_reason`

// UpsertTransactionRecord inserts a record or moves it out of PENDING.
// A settled record is never overwritten.
func (p *PostgresBackend) UpsertTransactionRecord(ctx context.Context, sessionID string, record types.TransactionRecord) error {
	typeData, err := json.Marshal(record.Data)
	if err != nil {
		return fmt.Errorf("failed to encode type data: %w", err)
	}

	var blockNumber *int64
	if record.BlockNumber > 0 {
		n := int64(record.BlockNumber)
		blockNumber = &n
	}
	var failureReason *string
	if record.FailureReason != "" {
		failureReason = &record.FailureReason
	}

	query := `
        INSERT INTO transaction_records (
            id, session_id, chain_id, tx_hash, tx_type, type_data, status,
            initiated_by, added_time, confirmed_time, block_number, failure_reason
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (session_id, chain_id, tx_hash) DO UPDATE SET
            status = EXCLUDED.status,
            confirmed_time = EXCLUDED.confirmed_time,
            block_number = EXCLUDED.block_number,
            failure_reason = EXCLUDED.failure_reason,
            updated_at = NOW()
        WHERE transaction_records.status = 'PENDING'`

	_, err = p.pool.Exec(ctx, query,
		record.ID,
		sessionID,
		record.ChainID,
		record.Hash.Hex(),
		record.Type,
		typeData,
		record.Status,
		record.InitiatedBy.Hex(),
		record.AddedTime,
		record.ConfirmedTime,
		blockNumber,
		failureReason,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetTransactionRecords(ctx context.Context, sessionID string) ([]types.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + `
        FROM transaction_records
        WHERE session_id = $1
        ORDER BY added_time ASC`

	rows, err := p.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction records: %w", err)
	}
	defer rows.Close()

	var records []types.TransactionRecord
	for rows.Next() {
		record, err := scanTransactionRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transaction records: %w", err)
	}
	return records, nil
}

// GetStalePendingTransactions returns pending records added before
// addedBefore, oldest first, across every session.
func (p *PostgresBackend) GetStalePendingTransactions(ctx context.Context, addedBefore time.Time, limit int) ([]types.SessionTransaction, error) {
	query := `SELECT session_id, ` + transactionColumns + `
        FROM transaction_records
        WHERE status = 'PENDING' AND added_time < $1
        ORDER BY added_time ASC
        LIMIT $2`

	rows, err := p.pool.Query(ctx, query, addedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale pending transactions: %w", err)
	}
	defer rows.Close()

	var stale []types.SessionTransaction
	for rows.Next() {
		var sessionID string
		record, err := scanTransactionRecord(rows, &sessionID)
		if err != nil {
			return nil, err
		}
		stale = append(stale, types.SessionTransaction{SessionID: sessionID, Record: record})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale transactions: %w", err)
	}
	return stale, nil
}

func (p *PostgresBackend) DeleteTransactionRecord(ctx context.Context, sessionID string, chainID int64, hash common.Hash) error {
	query := `DELETE FROM transaction_records WHERE session_id = $1 AND chain_id = $2 AND tx_hash = $3`
	if _, err := p.pool.Exec(ctx, query, sessionID, chainID, hash.Hex()); err != nil {
		return fmt.Errorf("failed to delete transaction record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) DeleteTransactionRecords(ctx context.Context, sessionID string, chainID int64) error {
	query := `DELETE FROM transaction_records WHERE session_id = $1 AND chain_id = $2`
	if _, err := p.pool.Exec(ctx, query, sessionID, chainID); err != nil {
		return fmt.Errorf("failed to delete transaction records: %w", err)
	}
	return nil
}

func (p *PostgresBackend) DeleteSessionTransactionsTx(ctx context.Context, dbTx pgx.Tx, sessionID string) error {
	if _, err := dbTx.Exec(ctx, `DELETE FROM transaction_records WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session transactions: %w", err)
	}
	return nil
}

// scanTransactionRecord reads one row of transactionColumns, preceded by
// any extra destinations.
func scanTransactionRecord(rows pgx.Rows, extra ...any) (types.TransactionRecord, error) {
	var (
		record        types.TransactionRecord
		hash          string
		typeData      []byte
		initiatedBy   string
		blockNumber   *int64
		failureReason *string
	)
	dest := append(extra,
		&record.ID,
		&record.ChainID,
		&hash,
		&record.Type,
		&typeData,
		&record.Status,
		&initiatedBy,
		&record.AddedTime,
		&record.ConfirmedTime,
		&blockNumber,
		&failureReason,
	)
	if err := rows.Scan(dest...); err != nil {
		return types.TransactionRecord{}, fmt.Errorf("failed to scan transaction record: %w", err)
	}

	data, err := types.DecodeTxData(record.Type, typeData)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	record.Data = data
	record.Hash = common.HexToHash(hash)
	record.InitiatedBy = common.HexToAddress(initiatedBy)
	if blockNumber != nil {
		record.BlockNumber = uint64(*blockNumber)
	}
	if failureReason != nil {
		record.FailureReason = *failureReason
	}
	return record, nil
}
