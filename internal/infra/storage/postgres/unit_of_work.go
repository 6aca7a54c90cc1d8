package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
)

// UnitOfWork bundles ledger mutations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

func (u *UnitOfWork) LockProfileByOwner(ctx context.Context, ownerID int64) (*domain.LedgerProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM ledger_profiles WHERE owner_id = $1 FOR UPDATE`
	return getProfile(ctx, u.tx, query, ownerID)
}

func (u *UnitOfWork) LockProfileByWallet(ctx context.Context, address string) (*domain.LedgerProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM ledger_profiles
		WHERE ` + walletMatch + ` ORDER BY owner_id LIMIT 1 FOR UPDATE`
	return getProfile(ctx, u.tx, query, address)
}

func (u *UnitOfWork) AdjustBalances(
	ctx context.Context,
	ownerID int64,
	virtualDelta, blockchainDelta decimal.Decimal,
) error {
	res, err := u.tx.ExecContext(ctx, `UPDATE ledger_profiles
		SET virtual_balance = virtual_balance + $2,
		    blockchain_balance = blockchain_balance + $3,
		    updated_at = now()
		WHERE owner_id = $1`, ownerID, virtualDelta, blockchainDelta)
	if err != nil {
		return fmt.Errorf("failed to adjust balances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("profile %d: %w", ownerID, domain.ErrNotFound)
	}
	return nil
}

func (u *UnitOfWork) MarkCreditsProcessing(
	ctx context.Context,
	ids []int64,
	txHash string,
	at time.Time,
) (int64, error) {
	res, err := u.tx.ExecContext(ctx, `UPDATE reward_credits
		SET status = 'PROCESSING', tx_hash = $2, processed_at = $3
		WHERE id = ANY($1) AND status = 'PENDING'`, pq.Array(ids), txHash, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark credits processing: %w", err)
	}
	return res.RowsAffected()
}

func (u *UnitOfWork) ConfirmCredits(
	ctx context.Context,
	ownerID int64,
	txHash string,
	at time.Time,
) (decimal.Decimal, int, error) {
	var (
		sum   decimal.Decimal
		count int
	)
	row := u.tx.QueryRowxContext(ctx, `WITH confirmed AS (
			UPDATE reward_credits SET status = 'CONFIRMED', processed_at = $3
			WHERE owner_id = $1 AND lower(tx_hash) = lower($2) AND status = 'PROCESSING'
			RETURNING amount
		)
		SELECT COALESCE(SUM(amount), 0), count(*) FROM confirmed`, ownerID, txHash, at)
	if err := row.Scan(&sum, &count); err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to confirm credits: %w", err)
	}
	return sum, count, nil
}

func (u *UnitOfWork) FailCredits(
	ctx context.Context,
	txHash string,
	at time.Time,
) (map[int64]decimal.Decimal, error) {
	rows, err := u.tx.QueryxContext(ctx, `UPDATE reward_credits SET status = 'FAILED', processed_at = $2
		WHERE lower(tx_hash) = lower($1) AND status = 'PROCESSING'
		RETURNING owner_id, amount`, txHash, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark credits failed: %w", err)
	}
	defer rows.Close()

	totals := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var (
			ownerID int64
			amount  decimal.Decimal
		)
		if err := rows.Scan(&ownerID, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan failed credit: %w", err)
		}
		totals[ownerID] = totals[ownerID].Add(amount)
	}
	return totals, rows.Err()
}

func (u *UnitOfWork) RecordEvent(
	ctx context.Context,
	ev domain.MintEvent,
	outcome domain.EventOutcome,
) (bool, error) {
	res, err := u.tx.ExecContext(ctx, `INSERT INTO applied_events
		(block_number, log_index, position, tx_hash, recipient, amount, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (block_number, log_index, position) DO NOTHING`,
		int64(ev.BlockNumber), int64(ev.LogIndex), ev.Position, ev.TxHash, ev.Recipient,
		decimal.NewFromBigInt(ev.Amount, 0), string(outcome))
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", ev.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (u *UnitOfWork) AdvanceCheckpoint(ctx context.Context, name string, next uint64) error {
	_, err := advanceCheckpoint(ctx, u.tx, name, next)
	return err
}

func (u *UnitOfWork) AddConflict(ctx context.Context, c *domain.Conflict) error {
	return insertConflict(ctx, u.tx, c)
}
