package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/settler/internal/core/domain"
)

// advanceCheckpointSQL never moves a checkpoint backwards.
const advanceCheckpointSQL = `INSERT INTO checkpoints (name, next_block, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (name) DO UPDATE
	SET next_block = GREATEST(checkpoints.next_block, EXCLUDED.next_block), updated_at = now()
	RETURNING next_block`

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
type CheckpointRepo struct {
	db *sqlx.DB
}

// NewCheckpointRepo creates a new PostgreSQL checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db.DB}
}

// Get retrieves a checkpoint by name.
func (r *CheckpointRepo) Get(ctx context.Context, name string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := sqlx.GetContext(ctx, r.db, &cp,
		`SELECT name, next_block, updated_at FROM checkpoints WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

// Save writes the checkpoint, overwriting any stored position.
func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO checkpoints (name, next_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET next_block = EXCLUDED.next_block, updated_at = now()`,
		cp.Name, int64(cp.NextBlock))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Advance moves the checkpoint forward and returns the stored position.
func (r *CheckpointRepo) Advance(ctx context.Context, name string, next uint64) (uint64, error) {
	return advanceCheckpoint(ctx, r.db, name, next)
}

func advanceCheckpoint(ctx context.Context, q sqlx.QueryerContext, name string, next uint64) (uint64, error) {
	var stored int64
	if err := q.QueryRowxContext(ctx, advanceCheckpointSQL, name, int64(next)).Scan(&stored); err != nil {
		return 0, fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return uint64(stored), nil
}
