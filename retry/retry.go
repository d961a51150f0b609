// Package retry wraps asynchronous remote operations with bounded linear
// backoff. Every failure is retried identically: no jitter, no circuit
// breaker, no classification of retryable errors. Callers that must not be
// retried (validation, missing identity) check before calling Do.
package retry

import (
	"context"
	"log"
	"time"
)

// DefaultMaxAttempts matches the remote-operation default used throughout
// the bucket repository.
const DefaultMaxAttempts = 3

// DefaultBaseDelay is the linear backoff unit: attempt n waits n*base.
const DefaultBaseDelay = 1 * time.Second

// Policy carries the retry parameters shared by all remote operations.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewPolicy normalizes the given parameters, falling back to defaults for
// out-of-range values.
func NewPolicy(maxAttempts int, baseDelay time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Do invokes op up to p.MaxAttempts times, waiting BaseDelay*attempt between
// failures. The final failure is returned unmodified so callers can match on
// the underlying error. A cancelled context aborts the backoff wait and
// returns ctx.Err().
func (p Policy) Do(ctx context.Context, name string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.BaseDelay * time.Duration(attempt)
		log.Printf("WARN: %s failed (attempt %d/%d), retrying in %s: %v", name, attempt, p.MaxAttempts, delay, lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Printf("ERROR: %s failed after %d attempts: %v", name, p.MaxAttempts, lastErr)
	return lastErr
}
