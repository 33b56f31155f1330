// Package health tracks whether the assistant's external dependencies
// (model provider, databases) are reachable.
//
// A Monitor probes every registered dependency once at Start, then on a
// fixed interval, and logs transitions between up and down. Probes run
// concurrently and each is bounded by its own timeout.
package health

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults applied by NewMonitor for zero values.
const (
	DefaultInterval = time.Minute
	DefaultTimeout  = 5 * time.Second
)

// Probe checks one dependency. Return nil if healthy.
type Probe func(ctx context.Context) error

// Status is the last observed state of one dependency.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

type dependency struct {
	probe  Probe
	status Status
	seen   bool
}

// Monitor probes dependencies in the background. It is safe for
// concurrent use.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	deps map[string]*dependency

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor.
func NewMonitor(interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "health"),
		deps:     make(map[string]*dependency),
	}
}

// Add registers a dependency. Add after Start takes effect on the next
// round.
func (m *Monitor) Add(name string, probe Probe) {
	if name == "" || probe == nil {
		panic("health: dependency needs a name and a probe")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[name] = &dependency{probe: probe, status: Status{Name: name}}
}

// CheckNow probes every dependency once and records the results.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.deps))
	probes := make([]Probe, 0, len(m.deps))
	for name, d := range m.deps {
		names = append(names, name)
		probes = append(probes, d.probe)
	}
	m.mu.Unlock()

	errs := make([]error, len(probes))
	var g errgroup.Group
	for i, probe := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			errs[i] = probe(pctx)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	for i, name := range names {
		m.record(name, errs[i], now)
	}
}

func (m *Monitor) record(name string, err error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deps[name]
	if !ok {
		return
	}

	wasHealthy, seen := d.status.Healthy, d.seen
	d.seen = true
	d.status.CheckedAt = now
	d.status.Healthy = err == nil
	d.status.Error = ""
	if err != nil {
		d.status.Error = err.Error()
	}

	switch {
	case err != nil && (wasHealthy || !seen):
		m.logger.Warn("dependency unavailable", "dependency", name, "error", err)
	case err == nil && seen && !wasHealthy:
		m.logger.Info("dependency recovered", "dependency", name)
	case err == nil && !seen:
		m.logger.Debug("dependency available", "dependency", name)
	}
}

// Start runs one round synchronously, then probes every interval until
// ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.CheckNow(ctx)

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
}

// Stop ends background probing and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Report returns every dependency's status sorted by name, and whether
// all of them are healthy. Dependencies not yet probed count as
// unhealthy.
func (m *Monitor) Report() ([]Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.deps))
	healthy := true
	for _, d := range m.deps {
		out = append(out, d.status)
		healthy = healthy && d.status.Healthy
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out, healthy
}
