// Package retry provides a shared bounded-retry-with-backoff utility used by
// every collaborator call (billing system, payment gateways). It replaces the
// ad-hoc sleep-and-repeat loops the collaborators would otherwise grow.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy parameterizes a bounded exponential backoff.
type Policy struct {
	MaxAttempts  int           // total attempts, including the first one
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // ceiling for the backoff delay
	Multiplier   float64       // backoff growth factor between attempts
}

// DefaultPolicy returns the policy used for collaborator calls unless a
// component overrides it: 3 attempts, 200ms initial delay, doubling, 5s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// Do runs op up to p.MaxAttempts times, sleeping with exponential backoff
// between attempts. retryable decides whether a given error is worth another
// attempt; a nil retryable retries every error. Context cancellation aborts
// the backoff wait and is returned as-is.
func Do(ctx context.Context, p Policy, op func(context.Context) error, retryable func(error) bool) error {
	p = p.normalized()

	var lastErr error
	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * p.Multiplier)
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("retry: exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
