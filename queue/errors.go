package queue

import "errors"

// Sentinel errors, following the teacher's errors.New convention
// (core/errors.go) rather than a bespoke error-code enum.
var (
	// ErrInvalidSpec is returned by SetTaskSpec (and by the Queue's
	// parsing of a specs-collection snapshot) when a Task Spec fails
	// validation (spec.md §4.1).
	ErrInvalidSpec = errors.New("taskqueue: invalid task spec")

	// ErrShuttingDown identifies a worker that is shutting down. No
	// operation in this package returns it: once Shutdown has
	// been requested, claim attempts stop silently instead.
	ErrShuttingDown = errors.New("taskqueue: worker is shutting down")

	// ErrTooManyAttempts is returned when a transaction-backed
	// operation exhausts MaxTransactionAttempts transient-error
	// retries (spec.md §4.2, §7).
	ErrTooManyAttempts = errors.New("taskqueue: errored too many times, no longer retrying")

	// ErrInvalidArgument is returned by constructors given a
	// structurally invalid argument (empty required string, nil
	// required interface, non-positive count, ...).
	ErrInvalidArgument = errors.New("taskqueue: invalid argument")
)
