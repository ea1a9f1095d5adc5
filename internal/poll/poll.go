// Package poll waits for cloud resources to settle into a wanted state.
//
// Waits poll at a fixed interval with no backoff growth. Every wait is
// bounded by a timeout, an attempt cap, or both.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// Policy bounds a wait.
type Policy struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// DefaultPolicy polls every 15 seconds for up to 30 minutes.
func DefaultPolicy() Policy {
	return Policy{
		Interval: 15 * time.Second,
		Timeout:  30 * time.Minute,
	}
}

// Validate checks the policy terminates.
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive (got %s)", p.Interval)
	}
	if p.Timeout <= 0 && p.MaxAttempts <= 0 {
		return fmt.Errorf("poll needs a timeout or a max attempt count")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("poll max attempts must not be negative (got %d)", p.MaxAttempts)
	}
	return nil
}

// Condition observes the resource once. It returns the observed state, and
// whether that state is the one being waited for.
type Condition func(ctx context.Context) (observed string, done bool, err error)

// unreachable is returned by a Condition when the wanted state can no longer
// arrive, so waiting out the full bound is pointless.
type unreachable struct {
	reason string
}

func (u *unreachable) Error() string { return u.reason }

// Unreachable ends a wait early with a state transition timeout.
func Unreachable(reason string) error {
	return &unreachable{reason: reason}
}

// errPending marks an observation that has not reached the wanted state yet.
var errPending = errors.New("not settled")

// Until polls cond until it reports done, the policy bound is exhausted, or
// ctx is cancelled. Exhaustion and Unreachable both surface as a
// *fleet.StateTransitionTimeoutError.
func (p Policy) Until(ctx context.Context, resourceID, want string, cond Condition) error {
	start := time.Now()
	attempts := 0
	last := ""

	op := func() (struct{}, error) {
		attempts++
		observed, done, err := cond(ctx)
		if observed != "" {
			last = observed
		}
		switch {
		case err != nil:
			return struct{}{}, backoff.Permanent(err)
		case done:
			return struct{}{}, nil
		}
		return struct{}{}, errPending
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxTries(uint(max(p.MaxAttempts, 0))),
		backoff.WithMaxElapsedTime(p.Timeout),
	)
	if err == nil {
		return nil
	}

	timeout := func(reason string) error {
		return &fleet.StateTransitionTimeoutError{
			ResourceID: resourceID,
			Want:       want,
			Last:       last,
			Attempts:   attempts,
			Elapsed:    time.Since(start),
			Reason:     reason,
		}
	}

	var u *unreachable
	switch {
	case errors.As(err, &u):
		return timeout(u.reason)
	case errors.Is(err, errPending):
		if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
			return timeout("attempt limit reached")
		}
		return timeout("deadline reached")
	}

	// The final attempt's error comes back still wrapped as permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
