// Package supervisor drives the batch settlement cycle and the event listener.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/metrics"
	"github.com/vietddude/settler/internal/settlement/aggregator"
)

// DefaultRecordTimeout bounds the RECORDING phase when BatchConfig leaves it unset.
const DefaultRecordTimeout = 30 * time.Second

// Aggregator builds the next batch.
type Aggregator interface {
	Aggregate(ctx context.Context) (*aggregator.Batch, error)
}

// BatchSubmitter broadcasts one batchMint transaction.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, recipients []common.Address, amounts []decimal.Decimal) (string, error)
}

// Ledger records submissions and reports blocking conflicts.
type Ledger interface {
	RecordSubmission(ctx context.Context, batch *aggregator.Batch, txHash string) error
	BlockingConflicts(ctx context.Context) (int, error)
	PersistConflict(ctx context.Context, c *domain.Conflict) error
}

// CycleLock excludes concurrent cycles across processes.
type CycleLock interface {
	TryLock(ctx context.Context) error
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// BatchConfig configures a BatchSupervisor.
type BatchConfig struct {
	// RecordTimeout bounds the RECORDING phase, which ignores caller cancellation.
	RecordTimeout time.Duration
	// Lock is optional; the in-process mutex always applies.
	Lock CycleLock
}

// CycleReport describes one batch cycle.
type CycleReport struct {
	ID         string
	State      CycleState
	TxHash     string
	Recipients int
	Credits    int
	Skipped    int
	Total      decimal.Decimal
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// BatchSupervisor runs at most one batch cycle at a time.
type BatchSupervisor struct {
	agg       Aggregator
	submitter BatchSubmitter
	ledger    Ledger
	cfg       BatchConfig

	running sync.Mutex

	mu    sync.RWMutex
	state CycleState
	last  *CycleReport
	// unrecorded is a broadcast whose record_failed conflict is not yet stored.
	unrecorded *domain.Conflict

	log *slog.Logger
}

// NewBatchSupervisor creates a supervisor in the IDLE state.
func NewBatchSupervisor(agg Aggregator, submitter BatchSubmitter, ledger Ledger, cfg BatchConfig) *BatchSupervisor {
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	return &BatchSupervisor{
		agg:       agg,
		submitter: submitter,
		ledger:    ledger,
		cfg:       cfg,
		state:     CycleIdle,
		log:       slog.Default().With("component", "batch"),
	}
}

// State returns the current cycle state.
func (s *BatchSupervisor) State() CycleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastCycle returns the report of the most recent cycle that got past the locks, or nil.
func (s *BatchSupervisor) LastCycle() *CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Unrecorded returns the broadcast that is held in memory because its conflict could not
// be stored, or nil.
func (s *BatchSupervisor) Unrecorded() *domain.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unrecorded
}

// RunBatchCycle aggregates pending credits, submits one batchMint and records it.
// An overlapping call returns domain.ErrCycleInProgress without touching credits.
func (s *BatchSupervisor) RunBatchCycle(ctx context.Context) (*CycleReport, error) {
	if !s.running.TryLock() {
		return nil, domain.ErrCycleInProgress
	}
	defer s.running.Unlock()

	if s.cfg.Lock != nil {
		if err := s.cfg.Lock.TryLock(ctx); err != nil {
			if errors.Is(err, domain.ErrCycleInProgress) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire cycle lock: %w", err)
		}
		defer func() {
			// released even after cancellation
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.cfg.Lock.Unlock(uctx); err != nil {
				s.log.Warn("Failed to release cycle lock", "error", err)
			}
		}()
	}

	if err := s.flushUnrecorded(ctx); err != nil {
		metrics.BatchCyclesTotal.WithLabelValues("blocked").Inc()
		return nil, err
	}

	blocking, err := s.ledger.BlockingConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count conflicts: %w", err)
	}
	if blocking > 0 {
		s.log.Error("Batch cycle refused", "blocking_conflicts", blocking)
		metrics.BatchCyclesTotal.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %d open", domain.ErrUnresolvedConflicts, blocking)
	}

	report := &CycleReport{ID: uuid.NewString(), StartedAt: time.Now(), Total: decimal.Zero}
	log := s.log.With("cycle", report.ID)
	err = s.cycle(ctx, report, log)
	report.FinishedAt = time.Now()
	report.Err = err
	report.State = s.State()

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	result := "success"
	switch {
	case err != nil:
		result = "failed"
	case report.TxHash == "":
		result = "empty"
	}
	metrics.BatchCyclesTotal.WithLabelValues(result).Inc()
	metrics.BatchCycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	if err != nil {
		log.Error("Batch cycle failed", "state", report.State, "tx", report.TxHash, "error", err)
		return report, err
	}
	return report, nil
}

func (s *BatchSupervisor) cycle(ctx context.Context, report *CycleReport, log *slog.Logger) error {
	if err := s.transition(CycleAggregating); err != nil {
		return err
	}
	batch, err := s.agg.Aggregate(ctx)
	if err != nil {
		return s.fail(err)
	}
	report.Skipped = len(batch.Skipped)
	if batch.Empty() {
		log.Debug("Nothing to settle", "skipped", report.Skipped)
		return s.transition(CycleIdle)
	}
	report.Recipients = len(batch.Entries)
	report.Credits = len(batch.CreditIDs)
	report.Total = batch.Total()

	if err := s.transition(CycleSubmitting); err != nil {
		return err
	}
	txHash, err := s.submitter.SubmitBatch(ctx, batch.Addresses(), batch.Amounts())
	if err != nil {
		// nothing was broadcast, credits stay PENDING
		return s.fail(err)
	}
	report.TxHash = txHash
	log.Info("Batch submitted",
		"tx", txHash,
		"recipients", report.Recipients,
		"credits", report.Credits,
		"total", report.Total,
	)

	if err := s.transition(CycleRecording); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RecordTimeout)
	defer cancel()
	if s.cfg.Lock != nil {
		if err := s.cfg.Lock.Extend(rctx); err != nil {
			log.Warn("Failed to extend cycle lock", "error", err)
		}
	}
	if err := s.ledger.RecordSubmission(rctx, batch, txHash); err != nil {
		s.latch(batch, txHash, err)
		return s.fail(err)
	}

	metrics.BatchCredits.Observe(float64(report.Credits))
	log.Info("Batch recorded", "tx", txHash)
	return s.transition(CycleIdle)
}

// latch keeps a failed recording in memory unless its conflict row was stored.
// Cycles stay refused until flushUnrecorded manages to store it.
func (s *BatchSupervisor) latch(batch *aggregator.Batch, txHash string, err error) {
	var ce *domain.ConflictError
	if errors.As(err, &ce) && ce.Persisted {
		return
	}

	var c *domain.Conflict
	if ce != nil {
		c = ce.Conflict
	} else {
		total := batch.Total()
		c = &domain.Conflict{
			Kind:   domain.ConflictRecordFailed,
			TxHash: &txHash,
			Amount: &total,
			Detail: fmt.Sprintf("credits %v: %v", batch.CreditIDs, err),
		}
	}

	s.mu.Lock()
	s.unrecorded = c
	s.mu.Unlock()
	s.log.Error("Broadcast held unrecorded, cycles refused", "tx", txHash)
}

func (s *BatchSupervisor) flushUnrecorded(ctx context.Context) error {
	c := s.Unrecorded()
	if c == nil {
		return nil
	}
	if err := s.ledger.PersistConflict(ctx, c); err != nil {
		s.log.Error("Batch cycle refused", "unrecorded_tx", *c.TxHash, "error", err)
		return fmt.Errorf("%w: broadcast %s not recorded: %w", domain.ErrUnresolvedConflicts, *c.TxHash, err)
	}

	s.mu.Lock()
	s.unrecorded = nil
	s.mu.Unlock()
	s.log.Warn("Stored held conflict", "tx", *c.TxHash, "conflict", c.ID)
	return nil
}

func (s *BatchSupervisor) transition(to CycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

func (s *BatchSupervisor) fail(err error) error {
	if terr := s.transition(CycleFailed); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}
