package models

import "errors"

// Error taxonomy shared across the registry, policy engine, router, and
// ledger. Callers classify with errors.Is; components wrap these with
// context via fmt.Errorf("...: %w", err).
var (
	// ErrInvalidJobSpec marks malformed or unsupported job parameters.
	// Rejected before queueing, never retried.
	ErrInvalidJobSpec = errors.New("invalid job spec")

	// ErrSessionConflict is returned when a registration collides with a
	// live session for the same device ID. The caller must retry.
	ErrSessionConflict = errors.New("session conflict")

	// ErrSessionNotFound is returned when no live session exists for a
	// device ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLost marks a target that disappeared mid-dispatch. It is
	// kept distinct from device-reported failures.
	ErrSessionLost = errors.New("session lost")

	// ErrPolicyDenied marks an explicit guardrail denial. Surfaced with
	// rationale, never retried automatically.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrTransport marks a recoverable transport failure, retried per the
	// router's retry policy.
	ErrTransport = errors.New("transport error")

	// ErrAttemptTimeout marks a dispatch attempt that exceeded its
	// per-attempt timeout. Recoverable, attempt-scoped.
	ErrAttemptTimeout = errors.New("attempt timeout")

	// ErrChainViolation marks an audit ledger integrity failure. Fatal to
	// the ledger instance.
	ErrChainViolation = errors.New("ledger chain violation")

	// ErrLedgerHalted is returned by appends after a chain violation until
	// an operator resets the instance.
	ErrLedgerHalted = errors.New("ledger halted")

	// ErrJobNotFound is returned for lookups of unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when an idempotency key is reused for a
	// request with a different kind or target set. Resubmitting the same
	// request under the same key is not an error; it returns the prior
	// job's ID.
	ErrDuplicateJob = errors.New("duplicate job")
)
