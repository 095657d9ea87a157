package persistence

import (
	"context"
	"fmt"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds every store call: a per-attempt timeout and a fixed number of
// attempts with exponential backoff. Only ledger.ErrPersistence is retried.
type RetryPolicy struct {
	Attempts       int
	AttemptTimeout time.Duration
	Backoff        time.Duration
	MaxBackoff     time.Duration
	OnRetry        func(attempt int, err error)
}

// DefaultRetryPolicy is three attempts of 5s each starting at 100ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		AttemptTimeout: 5 * time.Second,
		Backoff:        100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or attempts run out.
// The final error after exhausting attempts wraps ledger.ErrPersistence.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logger.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("persistence retry")
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v (last error: %v)", ledger.ErrPersistence, op, ctx.Err(), lastErr)
			case <-time.After(backoff):
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}

		err := p.attempt(ctx, fn)
		if err == nil {
			if attempt > 0 {
				logger.Info().Str("op", op).Int("retries", attempt).Msg("persistence succeeded after retries")
			}
			return nil
		}
		if !ledger.IsRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %s: gave up after %d attempts: %v", ledger.ErrPersistence, op, attempts, lastErr)
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil && !ledger.IsRetryable(err) && !ledger.IsRejection(err) {
		// deadline hit inside a driver call that did not classify the error
		return fmt.Errorf("%w: attempt timed out: %v", ledger.ErrPersistence, err)
	}
	return err
}
