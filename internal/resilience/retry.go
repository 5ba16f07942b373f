// Package resilience retries store operations that fail on connectivity,
// with exponential backoff behind a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/sony/gobreaker"
)

// Policy configures retry timing.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy starts at 200ms, doubles each attempt and caps at 5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Retrier runs operations against one store. Only connectivity errors
// (domain.ErrSourceUnavailable, domain.ErrTargetUnavailable) are retried;
// anything else is returned on the first attempt.
type Retrier struct {
	name    string
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(op string, attempt int, err error)
}

// NewRetrier creates a Retrier whose breaker opens after MaxAttempts
// consecutive connectivity failures.
func NewRetrier(name string, policy Policy, logger *slog.Logger) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := uint32(policy.MaxAttempts)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsConnectivity(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "store", name, "from", from.String(), "to", to.String())
		},
	})
	return &Retrier{name: name, policy: policy, breaker: cb, logger: logger}
}

// Do runs fn until it succeeds, fails with a non-connectivity error, the
// attempts are exhausted, or ctx is cancelled. The last error is returned.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := r.policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := r.breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("%s: circuit open: %w", op, lastErr)
		}
		if !domain.IsConnectivity(err) {
			return err
		}
		lastErr = err
		if attempt == r.policy.MaxAttempts {
			break
		}

		r.logger.Warn("store operation failed, retrying",
			"store", r.name, "operation", op, "attempt", attempt, "backoff", backoff, "error", err)
		if r.OnRetry != nil {
			r.OnRetry(op, attempt, err)
		}
		if !sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, r.policy.MaxBackoff)
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, r.policy.MaxAttempts, lastErr)
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
