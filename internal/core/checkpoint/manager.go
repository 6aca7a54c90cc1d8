// Package checkpoint manages the durable scan position of the event listener.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/metrics"
)

// Manager owns one named checkpoint.
type Manager struct {
	repo storage.CheckpointRepository
	name string
	log  *slog.Logger
}

// NewManager creates a manager for the checkpoint called name.
func NewManager(repo storage.CheckpointRepository, name string) *Manager {
	return &Manager{
		repo: repo,
		name: name,
		log:  slog.Default().With("checkpoint", name),
	}
}

// Name returns the checkpoint name.
func (m *Manager) Name() string {
	return m.name
}

// Get retrieves the checkpoint. Returns domain.ErrNotFound before Initialize.
func (m *Manager) Get(ctx context.Context) (*domain.Checkpoint, error) {
	cp, err := m.repo.Get(ctx, m.name)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint %s: %w", m.name, domain.ErrNotFound)
	}
	return cp, nil
}

// Initialize creates the checkpoint on first run. A non-zero startBlock wins over the
// chain head. An existing checkpoint is returned unchanged.
func (m *Manager) Initialize(ctx context.Context, startBlock, head uint64) (*domain.Checkpoint, error) {
	cp, err := m.repo.Get(ctx, m.name)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if cp != nil {
		metrics.CheckpointBlock.WithLabelValues(m.name).Set(float64(cp.NextBlock))
		return cp, nil
	}

	next := head
	if startBlock > 0 {
		next = startBlock
	}
	cp = &domain.Checkpoint{Name: m.name, NextBlock: next}
	if err := m.repo.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	m.log.Info("Checkpoint initialized", "next_block", next)
	metrics.CheckpointBlock.WithLabelValues(m.name).Set(float64(next))
	return cp, nil
}

// Advance moves the checkpoint to next. Moving backwards is an error.
func (m *Manager) Advance(ctx context.Context, next uint64) error {
	cp, err := m.Get(ctx)
	if err != nil {
		return err
	}
	if next < cp.NextBlock {
		return fmt.Errorf(
			"%w: %s at %d, asked for %d",
			domain.ErrCheckpointRegression,
			m.name,
			cp.NextBlock,
			next,
		)
	}
	if next == cp.NextBlock {
		return nil
	}

	stored, err := m.repo.Advance(ctx, m.name, next)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	metrics.CheckpointBlock.WithLabelValues(m.name).Set(float64(stored))
	return nil
}

// Reset moves the checkpoint to next unconditionally. Operator use only: moving it
// back re-scans blocks, which is safe because applied events are deduplicated.
func (m *Manager) Reset(ctx context.Context, next uint64) error {
	if err := m.repo.Save(ctx, &domain.Checkpoint{Name: m.name, NextBlock: next}); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	m.log.Warn("Checkpoint reset", "next_block", next)
	metrics.CheckpointBlock.WithLabelValues(m.name).Set(float64(next))
	return nil
}

// Lag returns how many blocks the checkpoint trails head by.
func (m *Manager) Lag(ctx context.Context, head uint64) (int64, error) {
	cp, err := m.Get(ctx)
	if err != nil {
		return 0, err
	}
	return int64(head) - int64(cp.LastProcessed()), nil
}

// Raise moves the checkpoint up to next and never backwards. It returns the stored value.
func (m *Manager) Raise(ctx context.Context, next uint64) (uint64, error) {
	stored, err := m.repo.Advance(ctx, m.name, next)
	if err != nil {
		return 0, fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	metrics.CheckpointBlock.WithLabelValues(m.name).Set(float64(stored))
	return stored, nil
}
