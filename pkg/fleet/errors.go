package fleet

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProviderUnavailable marks network or auth failures talking to the
	// cloud API. It aborts the current region only.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrStateTransitionTimeout marks an awaited state that never arrived.
	ErrStateTransitionTimeout = errors.New("state transition timeout")

	// ErrAuditWriteFailure marks a failed audit append. It is fatal to the run.
	ErrAuditWriteFailure = errors.New("audit write failure")

	// ErrSequenceTokenRejected is returned by log backends when an append
	// carries a stale or unexpected sequence token.
	ErrSequenceTokenRejected = errors.New("sequence token rejected")

	// ErrNotFound is returned when the provider no longer knows a resource.
	ErrNotFound = errors.New("resource not found")
)

// StateTransitionTimeoutError describes a wait that gave up.
type StateTransitionTimeoutError struct {
	ResourceID string
	Want       string
	Last       string
	Attempts   int
	Elapsed    time.Duration
	Reason     string
}

func (e *StateTransitionTimeoutError) Error() string {
	msg := fmt.Sprintf("%s: %s never reached %q (last %q after %d attempts, %s)",
		ErrStateTransitionTimeout, e.ResourceID, e.Want, e.Last, e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is match ErrStateTransitionTimeout.
func (e *StateTransitionTimeoutError) Is(target error) bool {
	return target == ErrStateTransitionTimeout
}
