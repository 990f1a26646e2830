package stageexec

import (
	"context"
	"errors"
	"time"

	"podthumb/internal/config"
	"podthumb/internal/services"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Retry bounds the transient-failure retry loop.
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Sleep overrides how backoff waits are performed (tests).
	Sleep func(context.Context, time.Duration) error
}

// RetryFromConfig converts the configured retry policy.
func RetryFromConfig(cfg config.Retry) Retry {
	return Retry{
		Attempts:  cfg.Attempts,
		BaseDelay: time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.MaxDelaySeconds) * time.Second,
	}
}

func (r Retry) attempts() int {
	if r.Attempts <= 0 {
		return 1
	}
	return r.Attempts
}

// Backoff returns the delay before the attempt following attempt (1-based):
// base, base*2, base*4 and so on, capped at MaxDelay.
func (r Retry) Backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base < 0 {
		base = defaultBaseDelay
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if base == 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// delayFor honors a server supplied Retry-After hint when it exceeds the
// computed backoff, still capped at MaxDelay.
func (r Retry) delayFor(err error, attempt int) time.Duration {
	delay := r.Backoff(attempt)
	var hinted interface{ RetryAfterHint() time.Duration }
	if errors.As(err, &hinted) {
		if hint := hinted.RetryAfterHint(); hint > delay {
			delay = hint
		}
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return min(delay, maxDelay)
}

// Do runs op until it succeeds, fails with a non-retryable error or the
// attempts run out, backing off between attempts. It returns the last error.
func (r Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := r.attempts()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil || !services.IsRetryable(err) || attempt == attempts {
			return err
		}
		if serr := r.sleep(ctx, r.delayFor(err, attempt)); serr != nil {
			return err
		}
	}
	return err
}

func (r Retry) sleep(ctx context.Context, delay time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, delay)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
