// Package ratelimit gates inbound chat messages with a per-user daily
// quota and a per-thread burst limit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults applied by NewLimiter for zero config fields.
const (
	DefaultDailyLimit  = 20
	DefaultBurstMax    = 5
	DefaultBurstWindow = time.Minute
)

// Errors returned by the limiter.
var (
	ErrQuotaExceeded = errors.New("daily message quota exceeded")
	ErrBurstExceeded = errors.New("thread burst limit exceeded")
	ErrUserRequired  = errors.New("user id required")
)

// BurstMessage is the user-facing text for a burst rejection.
const BurstMessage = "You're sending messages too quickly. Please wait a moment and try again."

// Reason names the check that rejected a message.
type Reason string

const (
	ReasonQuota Reason = "quota"
	ReasonBurst Reason = "burst"
)

// QuotaInfo is a snapshot of a user's daily usage.
type QuotaInfo struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// Remaining is the number of messages left today.
func (q QuotaInfo) Remaining() int {
	return max(q.Limit-q.Used, 0)
}

// Decision is the outcome of CheckRateLimits.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Error      string
	Quota      QuotaInfo
	RetryAfter time.Duration
}

// Config tunes the limiter.
type Config struct {
	DailyLimit  int
	BurstMax    int
	BurstWindow time.Duration
	Location    *time.Location
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// Limiter combines the daily quota and the burst limiter. Checking never
// mutates state; only RecordMessage does, and it re-applies both limits
// atomically, so a passed check is advisory.
type Limiter struct {
	cfg    Config
	quotas QuotaStore
	burst  *BurstLimiter
	clock  func() time.Time
	logger *slog.Logger
}

// NewLimiter creates a limiter backed by quotas.
func NewLimiter(cfg Config, quotas QuotaStore, opts ...Option) *Limiter {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.BurstMax <= 0 {
		cfg.BurstMax = DefaultBurstMax
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultBurstWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := &Limiter{
		cfg:    cfg,
		quotas: quotas,
		burst:  NewBurstLimiter(cfg.BurstMax, cfg.BurstWindow),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// Location is the timezone of the daily window.
func (l *Limiter) Location() *time.Location { return l.cfg.Location }

func (l *Limiter) snapshot(ctx context.Context, userID string, now time.Time) (QuotaInfo, time.Time, error) {
	start, reset := Window(now, l.cfg.Location)
	used, err := l.quotas.Used(ctx, userID, start)
	if err != nil {
		return QuotaInfo{}, start, fmt.Errorf("read quota: %w", err)
	}
	return QuotaInfo{Used: used, Limit: l.cfg.DailyLimit, ResetAt: reset}, start, nil
}

// CheckRateLimits evaluates both limits without recording anything.
// When both fail the quota wins: it cannot clear before the window
// boundary.
func (l *Limiter) CheckRateLimits(ctx context.Context, userID, threadID string) (Decision, error) {
	if userID == "" {
		return Decision{}, ErrUserRequired
	}
	now := l.clock()
	quota, _, err := l.snapshot(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}

	if quota.Used >= quota.Limit {
		l.logger.Info("message rejected", "user_id", userID, "reason", ReasonQuota, "used", quota.Used, "limit", quota.Limit)
		return Decision{
			Reason:     ReasonQuota,
			Error:      fmt.Sprintf("You've reached your daily limit of %d messages. It resets at %s.", quota.Limit, quota.ResetAt.Format("15:04 MST")),
			Quota:      quota,
			RetryAfter: quota.ResetAt.Sub(now),
		}, nil
	}

	if ok, retry := l.burst.Allow(threadID, now); !ok {
		l.logger.Info("message rejected", "user_id", userID, "thread_id", threadID, "reason", ReasonBurst, "retry_after", retry)
		return Decision{
			Reason:     ReasonBurst,
			Error:      BurstMessage,
			Quota:      quota,
			RetryAfter: retry,
		}, nil
	}

	return Decision{Allowed: true, Quota: quota}, nil
}

// RecordMessage counts an accepted message. The thread's burst slot is
// taken first, under the burst lock, and ErrBurstExceeded is returned
// with the current quota snapshot when the window is full. The quota
// increment is then a single compare-and-increment; when it loses, the
// burst slot is released and ErrQuotaExceeded is returned. A rejection
// of either kind leaves both counters as they were.
func (l *Limiter) RecordMessage(ctx context.Context, userID, threadID string) (QuotaInfo, error) {
	if userID == "" {
		return QuotaInfo{}, ErrUserRequired
	}
	now := l.clock()
	start, reset := Window(now, l.cfg.Location)

	if ok, retry := l.burst.TryRecord(threadID, now); !ok {
		quota, _, err := l.snapshot(ctx, userID, now)
		if err != nil {
			return QuotaInfo{}, err
		}
		l.logger.Info("message rejected", "user_id", userID, "thread_id", threadID, "reason", ReasonBurst, "retry_after", retry)
		return quota, ErrBurstExceeded
	}

	used, ok, err := l.quotas.IncrementIfBelow(ctx, userID, start, l.cfg.DailyLimit)
	if err != nil {
		l.burst.Release(threadID, now)
		return QuotaInfo{}, fmt.Errorf("record message: %w", err)
	}
	quota := QuotaInfo{Used: used, Limit: l.cfg.DailyLimit, ResetAt: reset}
	if !ok {
		l.burst.Release(threadID, now)
		return quota, ErrQuotaExceeded
	}
	return quota, nil
}

// RecordThread adds a burst entry for a thread created after its first
// message was counted.
func (l *Limiter) RecordThread(threadID string) {
	l.burst.Record(threadID, l.clock())
}

// QuotaInfo returns the user's current usage.
func (l *Limiter) QuotaInfo(ctx context.Context, userID string) (QuotaInfo, error) {
	if userID == "" {
		return QuotaInfo{}, ErrUserRequired
	}
	q, _, err := l.snapshot(ctx, userID, l.clock())
	return q, err
}

// Prune drops quota counters from past windows and idle burst state.
func (l *Limiter) Prune(ctx context.Context) error {
	now := l.clock()
	start, _ := Window(now, l.cfg.Location)
	n, err := l.quotas.Prune(ctx, start)
	if err != nil {
		return fmt.Errorf("prune quotas: %w", err)
	}
	swept := l.burst.Sweep(now)
	l.logger.Debug("pruned rate-limit state", "quota_rows", n, "threads", swept)
	return nil
}

// SweepBursts drops idle burst state only.
func (l *Limiter) SweepBursts() int {
	return l.burst.Sweep(l.clock())
}
