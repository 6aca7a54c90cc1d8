// Package reconciler keeps reward credits and profile balances consistent with
// what was submitted to, and later observed on, the chain.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/amount"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/metrics"
	"github.com/vietddude/settler/internal/settlement/aggregator"
)

// DefaultCheckpointName is the checkpoint advanced by ApplySettlement when none is configured.
const DefaultCheckpointName = "batch_minted"

const (
	conflictAttempts = 3
	conflictTimeout  = 5 * time.Second
)

// Config configures a Reconciler.
type Config struct {
	CheckpointName string
	// DriftWorkers bounds concurrent balanceOf calls in CheckDrift.
	DriftWorkers int
	// RetryDelay is the first pause between conflict write attempts.
	RetryDelay time.Duration
	// RPCTimeout bounds each receipt lookup in SweepReceipts.
	RPCTimeout time.Duration
	// StaleAfter is how long a transaction may stay PROCESSING before SweepReceipts
	// raises a stale_submission conflict. Zero disables the alarm.
	StaleAfter time.Duration
}

// Reconciler applies submission and confirmation outcomes to the ledger store.
type Reconciler struct {
	store      storage.Store
	checkpoint string
	workers    int
	retryDelay time.Duration
	rpcTimeout time.Duration
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// New creates a reconciler over store.
func New(store storage.Store, cfg Config) *Reconciler {
	if cfg.CheckpointName == "" {
		cfg.CheckpointName = DefaultCheckpointName
	}
	if cfg.DriftWorkers <= 0 {
		cfg.DriftWorkers = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	return &Reconciler{
		store:      store,
		checkpoint: cfg.CheckpointName,
		workers:    cfg.DriftWorkers,
		retryDelay: cfg.RetryDelay,
		rpcTimeout: cfg.RPCTimeout,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
		log:        slog.Default().With("component", "reconciler"),
	}
}

// RecordSubmission marks the batch credits PROCESSING under txHash and moves each
// owner's batched total out of the virtual balance, in one transaction.
//
// The transaction is already broadcast when this runs, so any failure is persisted as a
// record_failed conflict and returned as a *domain.ConflictError. Persistence runs on a
// context detached from ctx, so an expired recording deadline does not lose the conflict.
func (r *Reconciler) RecordSubmission(ctx context.Context, batch *aggregator.Batch, txHash string) error {
	err := r.recordSubmission(ctx, batch, txHash)
	if err == nil {
		return nil
	}

	total := batch.Total()
	hash := txHash
	conflict := &domain.Conflict{
		Kind:   domain.ConflictRecordFailed,
		TxHash: &hash,
		Amount: &total,
		Detail: fmt.Sprintf("credits %v: %v", batch.CreditIDs, err),
	}
	addErr := r.PersistConflict(ctx, conflict)
	if addErr != nil {
		r.log.Error("Failed to persist conflict", "tx", txHash, "error", addErr, "cause", err)
	} else {
		r.log.Error("Submission not recorded", "tx", txHash, "conflict", conflict.ID, "error", err)
	}
	metrics.ConflictsTotal.WithLabelValues(string(domain.ConflictRecordFailed)).Inc()
	return &domain.ConflictError{
		Conflict:  conflict,
		Persisted: addErr == nil,
		Err:       fmt.Errorf("record %s: %w", txHash, err),
	}
}

// PersistConflict writes c, retrying with backoff. Each attempt gets its own timeout
// and ignores cancellation of ctx.
func (r *Reconciler) PersistConflict(ctx context.Context, c *domain.Conflict) error {
	ctx = context.WithoutCancel(ctx)
	delay := r.retryDelay

	var err error
	for attempt := 1; attempt <= conflictAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, conflictTimeout)
		err = r.store.Conflicts().Add(actx, c)
		cancel()
		if err == nil {
			return nil
		}
		r.log.Warn("Conflict write failed", "kind", c.Kind, "attempt", attempt, "error", err)
		if attempt < conflictAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("persist %s conflict: %w", c.Kind, err)
}

func (r *Reconciler) recordSubmission(ctx context.Context, batch *aggregator.Batch, txHash string) error {
	uow, err := r.store.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	for _, ownerID := range sortedOwners(batch.OwnerTotals) {
		if _, err := uow.LockProfileByOwner(ctx, ownerID); err != nil {
			return fmt.Errorf("lock profile %d: %w", ownerID, err)
		}
		if err := uow.AdjustBalances(ctx, ownerID, batch.OwnerTotals[ownerID].Neg(), decimal.Zero); err != nil {
			return fmt.Errorf("debit profile %d: %w", ownerID, err)
		}
	}

	n, err := uow.MarkCreditsProcessing(ctx, batch.CreditIDs, txHash, r.now())
	if err != nil {
		return err
	}
	if n != int64(len(batch.CreditIDs)) {
		return fmt.Errorf("marked %d of %d credits processing", n, len(batch.CreditIDs))
	}

	return uow.Commit()
}

// ApplySettlement applies one confirmed mint event exactly once. The event key is
// recorded, the recipient's blockchain balance credited, the covering credits confirmed
// and the checkpoint advanced in a single transaction. Mints that do not line up with
// recorded credits leave a conflict behind in the same transaction.
func (r *Reconciler) ApplySettlement(ctx context.Context, ev domain.MintEvent) (domain.EventOutcome, error) {
	minted := amount.Token.FromBaseUnits(ev.Amount)

	uow, err := r.store.NewUnitOfWork(ctx)
	if err != nil {
		return "", err
	}
	defer uow.Rollback()

	outcome := domain.EventOutcomeApplied
	profile, err := uow.LockProfileByWallet(ctx, ev.Recipient)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		outcome = domain.EventOutcomeOrphan
	case err != nil:
		return "", fmt.Errorf("lock profile for %s: %w", ev.Recipient, err)
	}

	inserted, err := uow.RecordEvent(ctx, ev, outcome)
	if err != nil {
		return "", err
	}
	if !inserted {
		metrics.EventsProcessed.WithLabelValues(string(domain.EventOutcomeDuplicate)).Inc()
		return domain.EventOutcomeDuplicate, nil
	}

	var conflict *domain.Conflict
	if outcome == domain.EventOutcomeApplied {
		if err := uow.AdjustBalances(ctx, profile.OwnerID, decimal.Zero, minted); err != nil {
			return "", fmt.Errorf("credit profile %d: %w", profile.OwnerID, err)
		}
		sum, count, err := uow.ConfirmCredits(ctx, profile.OwnerID, ev.TxHash, r.now())
		if err != nil {
			return "", err
		}
		conflict = settlementConflict(ev, minted, sum, count)
		if conflict != nil {
			if err := uow.AddConflict(ctx, conflict); err != nil {
				return "", err
			}
		}
	}

	if err := uow.AdvanceCheckpoint(ctx, r.checkpoint, ev.BlockNumber); err != nil {
		return "", err
	}
	if err := uow.Commit(); err != nil {
		return "", fmt.Errorf("commit event %s: %w", ev.Key(), err)
	}

	metrics.EventsProcessed.WithLabelValues(string(outcome)).Inc()
	switch {
	case outcome == domain.EventOutcomeOrphan:
		r.log.Warn("Mint for unknown wallet", "recipient", ev.Recipient, "tx", ev.TxHash, "amount", minted)
	case conflict != nil:
		metrics.ConflictsTotal.WithLabelValues(string(conflict.Kind)).Inc()
		r.log.Error("Mint does not match recorded credits",
			"kind", conflict.Kind,
			"conflict", conflict.ID,
			"owner", profile.OwnerID,
			"tx", ev.TxHash,
			"detail", conflict.Detail,
		)
	default:
		r.log.Info("Mint applied", "owner", profile.OwnerID, "tx", ev.TxHash, "amount", minted)
	}
	return outcome, nil
}

func settlementConflict(ev domain.MintEvent, minted, covered decimal.Decimal, count int) *domain.Conflict {
	recipient, tx := ev.Recipient, ev.TxHash
	switch {
	case count == 0:
		return &domain.Conflict{
			Kind:    domain.ConflictUnmatchedMint,
			TxHash:  &tx,
			Address: &recipient,
			Amount:  &minted,
			Detail:  fmt.Sprintf("event %s has no processing credits", ev.Key()),
		}
	case !covered.Equal(minted):
		diff := minted.Sub(covered)
		return &domain.Conflict{
			Kind:    domain.ConflictAmountMismatch,
			TxHash:  &tx,
			Address: &recipient,
			Amount:  &diff,
			Detail: fmt.Sprintf(
				"event %s minted %s but %d credits sum to %s",
				ev.Key(),
				minted,
				count,
				covered,
			),
		}
	}
	return nil
}

// ListConflicts returns the unresolved conflicts.
func (r *Reconciler) ListConflicts(ctx context.Context) ([]*domain.Conflict, error) {
	return r.store.Conflicts().ListOpen(ctx)
}

// ResolveConflict marks a conflict handled by an operator.
func (r *Reconciler) ResolveConflict(ctx context.Context, id int64) error {
	if err := r.store.Conflicts().Resolve(ctx, id, r.now()); err != nil {
		return err
	}
	r.log.Info("Conflict resolved", "conflict", id)
	return nil
}

// BlockingConflicts counts unresolved record_failed conflicts.
func (r *Reconciler) BlockingConflicts(ctx context.Context) (int, error) {
	return r.store.Conflicts().CountBlocking(ctx)
}

func sortedOwners(totals map[int64]decimal.Decimal) []int64 {
	ids := make([]int64, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
