// Package extcall bounds calls to external model collaborators: every attempt
// gets its own timeout, failures are retried with exponential backoff, and an
// exhausted call surfaces as an *Error matching ErrExternalService.
package extcall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/go-core/log"
)

// ErrExternalService marks a collaborator call that failed after every attempt.
var ErrExternalService = errors.New("external service error")

// Policy controls timeouts and retries for one class of call.
type Policy struct {
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns the production policy: 60s per attempt, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:         60 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Error is returned when a call gives up.
type Error struct {
	Call     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Call, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// Permanent marks err as not worth retrying (bad credentials, malformed request).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn under p. Cancellation of ctx stops retrying immediately and the
// context error is returned inside the *Error.
func Do[T any](ctx context.Context, p Policy, call string, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempts := 0
	op := func() (T, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		log.FromContext(ctx).Warn(ctx, "external call failed, retrying",
			"call", call,
			"attempt", attempts,
			"retry_in", wait.String(),
			"error", err.Error(),
		)
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var zero T
		return zero, &Error{Call: call, Attempts: attempts, Err: err}
	}
	return v, nil
}
