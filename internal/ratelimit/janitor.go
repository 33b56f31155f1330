package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJanitorSchedule runs the quota prune at the window boundary.
const DefaultJanitorSchedule = "@midnight"

const burstSweepSchedule = "@hourly"

// Janitor periodically prunes limiter state on a cron schedule
// evaluated in the limiter's timezone.
type Janitor struct {
	limiter  *Limiter
	cron     *cron.Cron
	schedule cron.Schedule
	logger   *slog.Logger
	timeout  time.Duration
}

// NewJanitor schedules quota pruning at schedule (a standard 5-field
// expression or a descriptor such as @midnight) plus an hourly burst
// sweep.
func NewJanitor(l *Limiter, schedule string, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	j := &Janitor{
		limiter:  l,
		cron:     cron.New(cron.WithLocation(l.Location())),
		schedule: sched,
		logger:   logger.With("component", "ratelimit_janitor"),
		timeout:  30 * time.Second,
	}
	j.cron.Schedule(sched, cron.FuncJob(j.prune))
	if _, err := j.cron.AddFunc(burstSweepSchedule, j.sweep); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", burstSweepSchedule, err)
	}
	return j, nil
}

func (j *Janitor) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.limiter.Prune(ctx); err != nil {
		j.logger.Error("rate-limit prune failed", "error", err)
	}
}

func (j *Janitor) sweep() {
	if n := j.limiter.SweepBursts(); n > 0 {
		j.logger.Debug("swept idle threads", "count", n)
	}
}

// Start begins running scheduled jobs in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started", "entries", len(j.cron.Entries()))
}

// Stop halts the schedule and waits for a running job to finish or ctx
// to expire.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// NextPrune returns the first prune time after now.
func (j *Janitor) NextPrune(now time.Time) time.Time {
	return j.schedule.Next(now.In(j.limiter.Location()))
}
