// Package retry provides a generic bounded-retry loop with exponential
// backoff, shared by every component that talks to a remote system.
package retry

import (
	"context"
	"time"
)

// Class describes how a failed attempt should be handled.
type Class int

const (
	// Fatal errors will not self-resolve (authorization, not-found,
	// bad-request) and are never retried.
	Fatal Class = iota
	// Retryable errors (timeout, connection reset) are retried up to the
	// policy's cap.
	Retryable
	// Unknown errors get a single retry, then surface.
	Unknown
)

// Classifier maps an error to a retry class.
type Classifier func(error) Class

// Policy holds the backoff parameters for one call site.
type Policy struct {
	MaxRetries int           // retry attempts after the initial one
	BaseDelay  time.Duration // first backoff delay
	MaxDelay   time.Duration // backoff ceiling
	Classify   Classifier
}

// DefaultPolicy returns the backoff parameters used when a call site does
// not tune its own: 3 retries, 500ms doubling to an 8s cap.
func DefaultPolicy(classify Classifier) Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Classify:   classify,
	}
}

// Do executes op, retrying per the policy's classifier. Backoff doubles
// from BaseDelay up to MaxDelay with no jitter, so test runs and log
// timelines stay deterministic. The context is checked before every
// attempt and while sleeping.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	delay := p.BaseDelay
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		switch classify(lastErr) {
		case Fatal:
			return lastErr
		case Unknown:
			if attempt >= 1 {
				return lastErr
			}
		default:
			if attempt >= p.MaxRetries {
				return lastErr
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
