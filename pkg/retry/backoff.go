// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used when a zero Policy is passed.
var DefaultPolicy = Policy{Attempts: 5, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Backoff returns the wait before the given retry (1-based), doubling from
// InitialBackoff and capped at MaxBackoff.
func (p Policy) Backoff(retry int) time.Duration {
	p = p.normalized()
	wait := p.InitialBackoff
	for i := 1; i < retry; i++ {
		wait *= 2
		if wait >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return wait
}

// Do calls fn until it succeeds, the attempts are used up or ctx ends. It
// returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, logger *zap.Logger, op string, fn func(ctx context.Context) error) (int, error) {
	p = p.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			wait := p.Backoff(attempt - 1)
			logger.Warn("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.Attempts),
				zap.Duration("backoff", wait),
			)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, errors.CombineErrors(ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			logger.Debug("attempt failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return attempt, nil
	}
	return p.Attempts, errors.Wrapf(lastErr, "%s: all %d attempts failed", op, p.Attempts)
}
