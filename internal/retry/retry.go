// Package retry hardens calls against the external assistant API with a
// bounded, fixed-delay retry budget.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Policy defines retry behavior for a fallible operation. An exhausted
// budget propagates the last error to the caller unchanged.
type Policy struct {
	// Retries is the number of additional attempts after the first
	// failure. The operation runs at most Retries+1 times.
	Retries int
	// Delay is the fixed wait between attempts. No jitter, no backoff.
	Delay time.Duration
	// Classify reports whether an error is worth retrying. A nil
	// classifier retries every error, preserving the historical
	// behavior of the product.
	Classify func(error) bool
	// OnRetry is invoked before each additional attempt, after the
	// delay has elapsed. Used for retry accounting.
	OnRetry func(err error)
}

// DefaultPolicy matches the product defaults: three retries spaced one
// second apart.
func DefaultPolicy() Policy {
	return Policy{
		Retries: 3,
		Delay:   time.Second,
	}
}

// Do executes op until it succeeds or the retry budget is exhausted. The
// final error surfaces verbatim so callers can classify it with errors.Is
// and errors.As. Context cancellation aborts the inter-attempt wait and
// returns ctx.Err().
func Do(ctx context.Context, p Policy, logger *slog.Logger, op func(context.Context) error) error {
	_, err := DoValue(ctx, p, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is the result-carrying variant of Do.
func DoValue[T any](ctx context.Context, p Policy, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Retries < 0 {
		p.Retries = 0
	}

	remaining := p.Retries
	for {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if remaining <= 0 {
			return zero, err
		}
		if p.Classify != nil && !p.Classify(err) {
			return zero, err
		}

		if logger != nil {
			logger.Warn("operation failed, retrying",
				slog.Int("retries_remaining", remaining),
				slog.Duration("delay", p.Delay),
				slog.Any("error", err),
			)
		}

		if waitErr := wait(ctx, p.Delay); waitErr != nil {
			return zero, waitErr
		}
		remaining--
		if p.OnRetry != nil {
			p.OnRetry(err)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
