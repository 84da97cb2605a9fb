package coordinator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines how an orchestrator call is retried.
type RetryConfig struct {
	Attempts      int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the registration defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:      3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Delay returns the wait after the given zero-based failed attempt: exponential
// growth with ±25% jitter, capped at MaxDelay.
func (rc RetryConfig) Delay(attempt int) time.Duration {
	factor := rc.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	delay := float64(rc.InitialDelay) * math.Pow(factor, float64(attempt))

	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(rc.MaxDelay) {
		delay = float64(rc.MaxDelay)
	}
	return time.Duration(delay)
}

// permanent marks an error that retrying cannot fix.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so retry stops immediately.
func Permanent(err error) error { return permanent{err} }

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// retry calls fn up to rc.Attempts times and returns the number of attempts made
// together with the last error.
func retry(ctx context.Context, rc RetryConfig, op string, fn func(context.Context) error) (int, error) {
	attempts := max(rc.Attempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if isPermanent(lastErr) || attempt == attempts-1 {
			return attempt + 1, lastErr
		}
		delay := rc.Delay(attempt)
		log.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Dur("delay", delay).
			Msg("Orchestrator call failed, retrying")
		if err := sleep(ctx, delay); err != nil {
			return attempt + 1, lastErr
		}
	}
	return attempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
