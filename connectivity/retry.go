package connectivity

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	// MaxRetries is the number of retry attempts after the first call.
	// Total attempts = MaxRetries + 1. Default: 3.
	MaxRetries int
	// BaseDelay is the initial backoff. Default: 1s.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration
	// Multiplier grows the backoff each attempt. Default: 2.
	Multiplier float64
	// RetryableErrors lists case-folded substrings that mark an error as
	// retryable. HTTP 429/502/503 mentions are always retryable. An empty
	// list makes every error retryable.
	RetryableErrors []string
	// OnRetry is called before each sleep with the upcoming attempt number
	// (1-based) and the error that triggered the retry.
	OnRetry func(attempt int, err error)
	// Logger logs retry attempts. Nil silences them.
	Logger *slog.Logger
}

func (o *RetryOptions) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2
	}
}

// alwaysRetryable substrings: transient upstream statuses worth retrying
// regardless of the caller's list.
var alwaysRetryable = []string{"429", "502", "503"}

// Retryable reports whether err should be retried given the option list.
func (o *RetryOptions) Retryable(err error) bool {
	if err == nil {
		return false
	}
	// Circuit-open errors never benefit from immediate retry.
	if _, ok := err.(*ErrCircuitOpen); ok {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range alwaysRetryable {
		if strings.Contains(msg, s) {
			return true
		}
	}
	if len(o.RetryableErrors) == 0 {
		return true
	}
	for _, s := range o.RetryableErrors {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Delay computes the backoff before retry attempt n (1-based):
// min(base·mult^(n−1) + jitter[0, 0.3·delay], max).
func (o *RetryOptions) Delay(attempt int) time.Duration {
	d := float64(o.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= o.Multiplier
	}
	if max := float64(o.MaxDelay); d > max {
		d = max
	}
	d += rand.Float64() * 0.3 * d
	if max := float64(o.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// WithRetry runs fn with exponential backoff until it succeeds, the error
// is not retryable, the attempts are exhausted, or ctx is cancelled.
func WithRetry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	opts.defaults()

	var zero T
	var lastErr error
	attempts := opts.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !opts.Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		wait := opts.Delay(attempt)
		if opts.Logger != nil {
			opts.Logger.WarnContext(ctx, "retrying call",
				"attempt", attempt,
				"max_retries", opts.MaxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		select {
		case <-ctx.Done():
			return zero, lastErr
		case <-time.After(wait):
		}
	}
	return zero, &ErrRetriesExhausted{Attempts: attempts, Last: lastErr}
}
