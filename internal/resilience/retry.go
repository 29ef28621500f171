// Package resilience wraps transient-failure-prone operations (store
// transactions, executor calls) with bounded backoff and exposes retry
// counts as OpenTelemetry metrics.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
)

// Retrier runs an operation with exponential backoff, capped at a fixed
// number of attempts. After the cap is exceeded the last error is returned
// unwrapped so the caller can classify it as fatal.
type Retrier struct {
	attempts int
	base     time.Duration
	max      time.Duration

	retries metric.Int64Counter
	fails   metric.Int64Counter
}

// NewRetrier builds a Retrier with the given attempt cap and base delay.
// meter may be a no-op meter in tests.
func NewRetrier(meter metric.Meter, attempts int, base, max time.Duration) *Retrier {
	retries, _ := meter.Int64Counter("lobster_store_retry_attempts_total")
	fails, _ := meter.Int64Counter("lobster_store_retry_exhausted_total")
	return &Retrier{attempts: attempts, base: base, max: max, retries: retries, fails: fails}
}

// Do runs fn, retrying on non-nil error up to attempts times total with
// exponential backoff. It returns the last error once attempts are
// exhausted, or ctx.Err() if the context is cancelled while waiting.
func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.base
	b.MaxInterval = r.max
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall time
	bctx := backoff.WithContext(b, ctx)

	var lastErr error
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err != nil {
			r.retries.Add(ctx, 1)
			lastErr = err
			if attempt >= r.attempts {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bctx); err != nil {
		r.fails.Add(ctx, 1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
