package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/settler/internal/core/domain"
)

const conflictColumns = `id, kind, tx_hash, address, amount, detail, created_at, resolved_at`

// ConflictRepo implements storage.ConflictRepository using PostgreSQL.
type ConflictRepo struct {
	db *sqlx.DB
}

// NewConflictRepo creates a new PostgreSQL conflict repository.
func NewConflictRepo(db *DB) *ConflictRepo {
	return &ConflictRepo{db: db.DB}
}

func (r *ConflictRepo) Add(ctx context.Context, c *domain.Conflict) error {
	return insertConflict(ctx, r.db, c)
}

func insertConflict(ctx context.Context, q sqlx.QueryerContext, c *domain.Conflict) error {
	row := q.QueryRowxContext(ctx, `INSERT INTO reconciliation_conflicts (kind, tx_hash, address, amount, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		string(c.Kind), c.TxHash, c.Address, c.Amount, c.Detail)
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return fmt.Errorf("failed to add conflict: %w", err)
	}
	return nil
}

func (r *ConflictRepo) ListOpen(ctx context.Context) ([]*domain.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM reconciliation_conflicts
		WHERE resolved_at IS NULL ORDER BY id`

	var conflicts []*domain.Conflict
	if err := sqlx.SelectContext(ctx, r.db, &conflicts, query); err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return conflicts, nil
}

func (r *ConflictRepo) HasOpen(ctx context.Context, kind domain.ConflictKind, address string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.db, &exists, `SELECT EXISTS (
		SELECT 1 FROM reconciliation_conflicts
		WHERE resolved_at IS NULL AND kind = $1 AND lower(address) = lower($2))`,
		string(kind), address)
	if err != nil {
		return false, fmt.Errorf("failed to check open conflicts: %w", err)
	}
	return exists, nil
}

func (r *ConflictRepo) CountBlocking(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.db, &n, `SELECT count(*) FROM reconciliation_conflicts
		WHERE resolved_at IS NULL AND kind = $1`, string(domain.ConflictRecordFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to count blocking conflicts: %w", err)
	}
	return n, nil
}

func (r *ConflictRepo) Resolve(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE reconciliation_conflicts SET resolved_at = $2
		WHERE id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conflict %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
