// Package storage defines the ledger store the settlement engine reads and writes.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
)

// CreditRepository reads reward credits outside of a transaction.
type CreditRepository interface {
	// ListPendingRewards returns PENDING REWARD credits whose owner has a wallet, oldest first.
	ListPendingRewards(ctx context.Context) ([]*domain.RewardCredit, error)

	// ListProcessingTxs returns distinct tx hashes of PROCESSING credits processed before olderThan.
	ListProcessingTxs(ctx context.Context, olderThan time.Time) ([]string, error)

	// ListByTx returns every credit recorded against txHash.
	ListByTx(ctx context.Context, txHash string) ([]*domain.RewardCredit, error)
}

// ProfileRepository reads ledger profiles outside of a transaction.
type ProfileRepository interface {
	// GetByOwner returns domain.ErrNotFound for unknown owners.
	GetByOwner(ctx context.Context, ownerID int64) (*domain.LedgerProfile, error)

	// GetByWallet matches the wallet case-insensitively.
	GetByWallet(ctx context.Context, address string) (*domain.LedgerProfile, error)

	// ListWithWallet returns all profiles that have a wallet address.
	ListWithWallet(ctx context.Context) ([]*domain.LedgerProfile, error)
}

// CheckpointRepository stores listener checkpoints.
type CheckpointRepository interface {
	// Get returns nil, nil when the checkpoint does not exist yet.
	Get(ctx context.Context, name string) (*domain.Checkpoint, error)

	// Save writes the checkpoint unconditionally. Used for initialization and operator resets.
	Save(ctx context.Context, cp *domain.Checkpoint) error

	// Advance moves next_block forward to at least next and returns the stored value.
	Advance(ctx context.Context, name string, next uint64) (uint64, error)
}

// ConflictRepository stores reconciliation conflicts.
type ConflictRepository interface {
	Add(ctx context.Context, c *domain.Conflict) error
	ListOpen(ctx context.Context) ([]*domain.Conflict, error)

	// HasOpen reports whether an unresolved conflict of kind exists for address.
	HasOpen(ctx context.Context, kind domain.ConflictKind, address string) (bool, error)

	// CountBlocking counts unresolved record_failed conflicts.
	CountBlocking(ctx context.Context) (int, error)

	// Resolve marks an open conflict resolved. Unknown or already resolved ids return domain.ErrNotFound.
	Resolve(ctx context.Context, id int64, at time.Time) error
}

// UnitOfWork bundles ledger mutations into one transaction. Commit and Rollback are
// idempotent; Rollback after Commit is a no-op so callers can always defer it.
type UnitOfWork interface {
	// LockProfileByOwner loads and row-locks the owner's profile.
	LockProfileByOwner(ctx context.Context, ownerID int64) (*domain.LedgerProfile, error)

	// LockProfileByWallet loads and row-locks the profile whose wallet matches address,
	// ignoring case. Returns domain.ErrNotFound when no profile matches.
	LockProfileByWallet(ctx context.Context, address string) (*domain.LedgerProfile, error)

	// AdjustBalances adds the deltas to the owner's balances.
	AdjustBalances(ctx context.Context, ownerID int64, virtualDelta, blockchainDelta decimal.Decimal) error

	// MarkCreditsProcessing moves PENDING credits to PROCESSING and returns the rows changed.
	MarkCreditsProcessing(ctx context.Context, ids []int64, txHash string, at time.Time) (int64, error)

	// ConfirmCredits moves the owner's PROCESSING credits for txHash to CONFIRMED
	// and returns their sum and count.
	ConfirmCredits(ctx context.Context, ownerID int64, txHash string, at time.Time) (decimal.Decimal, int, error)

	// FailCredits moves PROCESSING credits for txHash to FAILED and returns the per-owner totals.
	FailCredits(ctx context.Context, txHash string, at time.Time) (map[int64]decimal.Decimal, error)

	// RecordEvent inserts the event key. It returns false when the key was already recorded.
	RecordEvent(ctx context.Context, ev domain.MintEvent, outcome domain.EventOutcome) (bool, error)

	// AdvanceCheckpoint sets next_block to GREATEST(next_block, next).
	AdvanceCheckpoint(ctx context.Context, name string, next uint64) error

	AddConflict(ctx context.Context, c *domain.Conflict) error

	Commit() error
	Rollback() error
}

// Store is the full ledger store.
type Store interface {
	Credits() CreditRepository
	Profiles() ProfileRepository
	Checkpoints() CheckpointRepository
	Conflicts() ConflictRepository

	NewUnitOfWork(ctx context.Context) (UnitOfWork, error)

	Ping(ctx context.Context) error
	Close() error
}
