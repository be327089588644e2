package queue

import (
	"fmt"
	"time"
)

// DefaultErrorState is used whenever a Spec's ErrorState is unset
// (spec.md §4.1, §4.3).
const DefaultErrorState = "error"

// Spec is a validated Task Spec: the state-machine configuration a
// Worker operates under (spec.md §3, §4.1).
type Spec struct {
	// StartState is the state a task must be in to be claimed. nil
	// means "absent _state field" (spec.md §4.4).
	StartState *string
	// InProgressState is the state a claim transitions a task into.
	// Required, non-empty.
	InProgressState string
	// FinishedState is the state Resolve transitions a task into. nil
	// means "delete the record on resolve".
	FinishedState *string
	// ErrorState is the state Reject transitions a task into once
	// retries are exhausted. nil means DefaultErrorState applies.
	ErrorState *string
	// Timeout, if set, is the lease duration after which an
	// in-progress task is eligible for reclamation (spec.md §4.7).
	Timeout *time.Duration
	// Retries is the number of retries allowed before a rejection
	// moves a task to its error state instead of back to its start
	// state. nil is treated as 0.
	Retries *int
}

// EffectiveErrorState returns ErrorState, or DefaultErrorState if unset.
func (s *Spec) EffectiveErrorState() string {
	if s.ErrorState != nil {
		return *s.ErrorState
	}
	return DefaultErrorState
}

// EffectiveRetries returns Retries, or 0 if unset.
func (s *Spec) EffectiveRetries() int {
	if s.Retries == nil {
		return 0
	}
	return *s.Retries
}

// startStateValue returns the value to compare a task's _state field
// against to decide claimability: nil if StartState is unset (a task
// with an absent _state matches), else the configured string.
func (s *Spec) startStateValue() interface{} {
	if s.StartState == nil {
		return nil
	}
	return *s.StartState
}

// Validate enforces spec.md §4.1's rules. A nil Spec is never passed
// here; SetTaskSpec(nil) is handled by the Worker directly.
func (s *Spec) Validate() error {
	if s.InProgressState == "" {
		return fmt.Errorf("%w: inProgressState must be a non-empty string", ErrInvalidSpec)
	}

	if s.StartState != nil && *s.StartState == "" {
		return fmt.Errorf("%w: startState must be non-empty when present", ErrInvalidSpec)
	}
	if s.FinishedState != nil && *s.FinishedState == "" {
		return fmt.Errorf("%w: finishedState must be non-empty when present", ErrInvalidSpec)
	}
	if s.ErrorState != nil && *s.ErrorState == "" {
		return fmt.Errorf("%w: errorState must be non-empty when present", ErrInvalidSpec)
	}

	startState := s.startStateValue()
	if startState != nil && startState == s.InProgressState {
		return fmt.Errorf("%w: startState must differ from inProgressState", ErrInvalidSpec)
	}

	if s.FinishedState != nil {
		finished := *s.FinishedState
		if finished == s.InProgressState {
			return fmt.Errorf("%w: finishedState must differ from inProgressState", ErrInvalidSpec)
		}
		if startState != nil && finished == startState {
			return fmt.Errorf("%w: finishedState must differ from startState", ErrInvalidSpec)
		}
	}

	if s.ErrorState != nil && *s.ErrorState == s.InProgressState {
		return fmt.Errorf("%w: errorState must differ from inProgressState", ErrInvalidSpec)
	}

	if s.Timeout != nil && *s.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidSpec)
	}
	if s.Retries != nil && *s.Retries < 0 {
		return fmt.Errorf("%w: retries must be non-negative", ErrInvalidSpec)
	}

	return nil
}

// specsEqual reports whether two specs (including two nils) describe the
// same configuration, used by SetTaskSpec to make repeated identical
// specs idempotent (spec.md §4.3).
func specsEqual(a, b *Spec) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !stringPtrEqual(a.StartState, b.StartState) ||
		a.InProgressState != b.InProgressState ||
		!stringPtrEqual(a.FinishedState, b.FinishedState) ||
		!stringPtrEqual(a.ErrorState, b.ErrorState) {
		return false
	}
	if (a.Timeout == nil) != (b.Timeout == nil) {
		return false
	}
	if a.Timeout != nil && *a.Timeout != *b.Timeout {
		return false
	}
	if (a.Retries == nil) != (b.Retries == nil) {
		return false
	}
	if a.Retries != nil && *a.Retries != *b.Retries {
		return false
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Ptr helpers so callers don't have to spell out a local variable for
// every optional Spec field.
func StringPtr(s string) *string                 { return &s }
func DurationPtr(d time.Duration) *time.Duration { return &d }
func IntPtr(i int) *int                          { return &i }

// durationFromMillis converts a spec snapshot's millisecond timeout
// value into a time.Duration (spec.md §4.1: "timeout ... is a positive
// integer (milliseconds)").
func durationFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
