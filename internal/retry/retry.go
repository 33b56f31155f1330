// Package retry runs provider calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on any single delay
	Multiplier float64       // growth factor per attempt
	Jitter     bool          // ±10% random jitter
}

// DefaultConfig returns the schedule used for provider calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Retryable is implemented by errors that classify themselves.
type Retryable interface {
	Retryable() bool
}

// Do calls op until it succeeds, returns a non-retryable error, the
// retries are exhausted, or ctx is done. The last error from op is
// returned. A nil shouldRetry means [IsRetryableError].
func Do(ctx context.Context, cfg Config, logger *slog.Logger, shouldRetry func(error) bool, op func(context.Context) error) error {
	if shouldRetry == nil {
		shouldRetry = IsRetryableError
	}
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug("operation succeeded after retry", "attempts", attempt+1)
			}
			return nil
		}
		if attempt >= cfg.MaxRetries || !shouldRetry(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := Delay(cfg, attempt)
		logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"max_attempts", cfg.MaxRetries+1,
			"delay", delay,
			"error", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// Delay returns the wait before retry number attempt+1.
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		spread := delay * 0.1
		delay += (rand.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// IsRetryableError reports whether err looks transient. Errors that
// implement [Retryable] decide for themselves; context cancellation is
// never retried. Anything else is matched against known network and
// throttling phrases.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientPhrases {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var transientPhrases = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}
