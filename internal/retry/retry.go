// Package retry provides bounded exponential backoff for external API calls.
package retry

import (
	"context"
	"math"
	"time"

	xerrors "github.com/postwing/xsched/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultConfig returns sensible retry defaults for upload and token calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
	}
}

// PostConfig returns the smaller budget used for message posting, where a
// retry after an ambiguous failure can duplicate the post server-side.
func PostConfig() Config {
	return Config{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// Do executes fn with bounded retry. Only errors classified transient or
// rate-limited are retried; everything else returns immediately. Exhausting
// the budget wraps the last error in RequestExhaustedError.
//
// Rate-limited failures carrying a future reset hint wait until one second
// past the hint instead of the exponential delay; such waits do not advance
// the exponential counter, so the next backoff is not multiplied for them.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	expWaits := 0
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !xerrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay, advanced := nextDelay(cfg, lastErr, expWaits, time.Now())
		if advanced {
			expWaits++
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &xerrors.RequestExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// nextDelay computes the wait before the next attempt and reports whether
// the exponential counter advanced.
func nextDelay(cfg Config, err error, expWaits int, now time.Time) (time.Duration, bool) {
	if xerrors.Classification(err) == xerrors.KindRateLimited {
		if reset, ok := xerrors.ResetAt(err); ok && reset.After(now) {
			return reset.Sub(now) + time.Second, false
		}
		d := expDelay(cfg, expWaits)
		if d < time.Second {
			d = time.Second
		}
		return d, true
	}
	return expDelay(cfg, expWaits), true
}

func expDelay(cfg Config, n int) time.Duration {
	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(n)))
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
