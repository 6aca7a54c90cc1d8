package domain

import "errors"

var (
	// ErrInvalidAmount is returned for amounts that cannot be represented in base units.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAddress is returned for null, empty or malformed wallet addresses.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrContractUnavailable is returned when no token contract is configured.
	ErrContractUnavailable = errors.New("contract unavailable")

	// ErrSubmission wraps signing, broadcast and RPC failures during submission.
	ErrSubmission = errors.New("submission failed")

	// ErrReconciliationConflict marks partial completion that needs a repair pass.
	ErrReconciliationConflict = errors.New("reconciliation conflict")

	// ErrTransport is returned when the chain connection is lost.
	ErrTransport = errors.New("transport error")

	// ErrCycleInProgress is returned when another batch cycle holds the lock.
	ErrCycleInProgress = errors.New("batch cycle already in progress")

	// ErrUnresolvedConflicts is returned when blocking conflicts are still open.
	ErrUnresolvedConflicts = errors.New("unresolved reconciliation conflicts")

	// ErrCheckpointRegression is returned when a checkpoint would move backwards.
	ErrCheckpointRegression = errors.New("checkpoint regression")

	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)
