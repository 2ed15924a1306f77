package health

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jasonkneen/vexa/internal/observe"
)

// Defaults applied by [NewMonitor] when the corresponding config field is
// zero.
const (
	DefaultInterval  = 30 * time.Second
	DefaultThreshold = 5
)

// ErrUnhealthy is returned by [Monitor.Run] when the consecutive-failure
// streak reaches the threshold. The process should shut down and exit
// non-zero so the orchestrator restarts it.
var ErrUnhealthy = errors.New("health: service persistently unhealthy")

// MonitorConfig configures a [Monitor]. The zero value of Interval and
// Threshold select the defaults.
type MonitorConfig struct {
	// Interval between checks. The first check runs one interval after
	// Run starts, not immediately, so slow-starting dependencies get a
	// grace period.
	Interval time.Duration

	// Threshold is the number of consecutive failed checks after which
	// Run gives up and returns [ErrUnhealthy].
	Threshold int

	// Sources are the probes evaluated on every tick, usually the same
	// set the [Handler] serves.
	Sources []Source

	// OnUnhealthy runs once, right before Run returns [ErrUnhealthy].
	// The caller typically marks the gateway unready here so /health
	// flips to 503 while the shutdown drains.
	OnUnhealthy func()

	// Metrics counts failed checks. Defaults to the process-wide set.
	Metrics *observe.Metrics
}

// Monitor periodically re-evaluates the health sources and keeps a
// consecutive-failure streak.
type Monitor struct {
	interval    time.Duration
	threshold   int
	sources     []Source
	onUnhealthy func()
	metrics     *observe.Metrics

	mu     sync.Mutex
	streak int
}

// NewMonitor creates a [Monitor]. It does not start checking until Run is
// called.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Monitor{
		interval:    cfg.Interval,
		threshold:   cfg.Threshold,
		sources:     slices.Clone(cfg.Sources),
		onUnhealthy: cfg.OnUnhealthy,
		metrics:     cfg.Metrics,
	}
}

// Streak returns the current number of consecutive failed checks.
func (m *Monitor) Streak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streak
}

// Run blocks until ctx is cancelled or the failure streak reaches the
// threshold. In the latter case it invokes OnUnhealthy and returns
// [ErrUnhealthy].
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if streak := m.check(ctx); streak >= m.threshold {
				slog.Error("service persistently unhealthy, shutting down",
					"streak", streak, "threshold", m.threshold)
				if m.onUnhealthy != nil {
					m.onUnhealthy()
				}
				return ErrUnhealthy
			}
		}
	}
}

// check evaluates all sources once and returns the updated streak, which
// is zero after a healthy check.
func (m *Monitor) check(ctx context.Context) int {
	reasons := failures(m.sources)

	m.mu.Lock()
	if len(reasons) == 0 {
		recovered := m.streak > 0
		m.streak = 0
		m.mu.Unlock()
		if recovered {
			slog.Info("service recovered, unhealthy streak reset")
		}
		return 0
	}
	m.streak++
	streak := m.streak
	m.mu.Unlock()

	m.metrics.HealthFailures.Add(ctx, 1)
	slog.Warn("unhealthy check",
		"streak", streak,
		"threshold", m.threshold,
		"reasons", strings.Join(reasons, ", "))
	return streak
}
