// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy defines retry behavior.
type Policy struct {
	MaxAttempts       int           // total attempts including the first (1 = no retries)
	InitialDelay      time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap on any single delay
	BackoffMultiplier float64
}

// DefaultPolicy suits runtime calls such as image pulls and container starts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          4 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the wait before retry number n (0-based).
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(n))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must be non-negative")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("BackoffMultiplier must be >= 1")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts are exhausted, or ctx ends. The last error from fn is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}

		t := time.NewTimer(p.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
