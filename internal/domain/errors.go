package domain

import "errors"

// Submission error taxonomy. Callers branch on these with errors.Is.
var (
	// ErrInvalidInput rejects a submission before any write. Safe to retry
	// after correcting the input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBusy means the per-vehicle exclusion could not be acquired in time.
	// Nothing was written; the caller should retry.
	ErrBusy = errors.New("vehicle busy, retry")

	// ErrStorageUnavailable means the durability guarantee could not be met.
	// The caller must not assume the write happened.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrStateDrift means the ledger-derived ordinal fell below the stored
	// sanction state's minimum. The automatic machine never resolves this;
	// an administrative reset is required.
	ErrStateDrift = errors.New("sanction state drift detected")

	// ErrEffectDelivery marks a queued instruction whose delivery failed.
	// Recovery is retrying from the durable outbox, never re-deriving.
	ErrEffectDelivery = errors.New("effect delivery failed")

	ErrNotFound = errors.New("not found")
)
