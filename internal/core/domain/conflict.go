package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConflictKind classifies why the ledger and the chain disagree.
type ConflictKind string

const (
	// ConflictRecordFailed: the batch was broadcast but the ledger could not record it.
	ConflictRecordFailed ConflictKind = "record_failed"
	// ConflictUnmatchedMint: a mint event arrived with no covering PROCESSING credits.
	ConflictUnmatchedMint ConflictKind = "unmatched_mint"
	// ConflictAmountMismatch: the covering credits do not sum to the minted amount.
	ConflictAmountMismatch ConflictKind = "amount_mismatch"
	// ConflictBalanceDrift: the local blockchain balance differs from balanceOf.
	ConflictBalanceDrift ConflictKind = "balance_drift"
	// ConflictStaleSubmission: credits stayed PROCESSING past the stale threshold.
	ConflictStaleSubmission ConflictKind = "stale_submission"
)

// Conflict is an alarm record that needs a repair pass. It is never resolved automatically.
type Conflict struct {
	ID         int64            `db:"id"`
	Kind       ConflictKind     `db:"kind"`
	TxHash     *string          `db:"tx_hash"`
	Address    *string          `db:"address"`
	Amount     *decimal.Decimal `db:"amount"`
	Detail     string           `db:"detail"`
	CreatedAt  time.Time        `db:"created_at"`
	ResolvedAt *time.Time       `db:"resolved_at"`
}

// Blocking reports whether the conflict must stop new batch cycles.
func (c *Conflict) Blocking() bool {
	return c.Kind == ConflictRecordFailed && c.ResolvedAt == nil
}

// ConflictError is returned when an operation raised a conflict. Persisted is false when
// the conflict row could not be written, in which case the caller holds the only record.
type ConflictError struct {
	Conflict  *Conflict
	Persisted bool
	Err       error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrReconciliationConflict, e.Conflict.Kind, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrReconciliationConflict, e.Err}
}
