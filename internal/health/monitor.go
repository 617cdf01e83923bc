// Package health tracks the upstream generation API with rolling per-minute
// success/failure counters and derives a coarse status used to short-circuit
// doomed calls.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sanchitrk/postflow/internal/alerting"
	"github.com/sanchitrk/postflow/internal/cache"
	"github.com/sanchitrk/postflow/internal/worker"
)

// Status of the upstream over the rolling window.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	// StatusUnknown means zero calls in the window: no signal, not a claim
	// of health.
	StatusUnknown Status = "unknown"
)

// Failure kinds recorded against the upstream.
const (
	FailureTimeout         = "timeout"
	FailureUpstreamError   = "upstream_error"
	FailureInvalidResponse = "invalid_response"
)

// Report is the derived view of upstream health.
type Report struct {
	Status        Status     `json:"status"`
	FailureRate   float64    `json:"failure_rate"`
	Successes     int64      `json:"successes"`
	Failures      int64      `json:"failures"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// Options configure a Monitor.
type Options struct {
	Series            string
	WindowMinutes     int
	DegradedThreshold float64
	DownThreshold     float64
}

// Monitor maintains the rolling window in the shared counter store. Recording
// is dispatched to a background queue so the request path never waits on the
// store; with a nil queue recording runs inline (tests).
type Monitor struct {
	counters cache.Counters
	queue    *worker.Queue
	sink     alerting.Sink
	opts     Options
	now      func() time.Time
}

// NewMonitor creates a Monitor. Zero option fields get the standard values
// (series "generation", 5-minute window, 0.10/0.50 thresholds).
func NewMonitor(counters cache.Counters, queue *worker.Queue, sink alerting.Sink, opts Options) *Monitor {
	if opts.Series == "" {
		opts.Series = "generation"
	}
	if opts.WindowMinutes <= 0 {
		opts.WindowMinutes = 5
	}
	if opts.DegradedThreshold <= 0 {
		opts.DegradedThreshold = 0.10
	}
	if opts.DownThreshold <= 0 {
		opts.DownThreshold = 0.50
	}
	return &Monitor{
		counters: counters,
		queue:    queue,
		sink:     sink,
		opts:     opts,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// bucketTTL keeps each minute bucket alive strictly longer than the rolling
// window span, so a read finds current data or nothing.
func (m *Monitor) bucketTTL() time.Duration {
	return time.Duration(m.opts.WindowMinutes+2) * time.Minute
}

func (m *Monitor) windowSpan() time.Duration {
	return time.Duration(m.opts.WindowMinutes) * time.Minute
}

// RecordSuccess notes one successful upstream call. Fire-and-forget: it
// schedules the store writes and returns immediately.
func (m *Monitor) RecordSuccess(ctx context.Context) {
	m.dispatch(ctx, func(ctx context.Context) {
		minute := cache.MinuteBucket(m.now())
		if _, err := m.counters.IncrWithExpiry(ctx, cache.HealthSuccessesKey(m.opts.Series, minute), m.bucketTTL()); err != nil {
			slog.Debug("health success not recorded", "error", err)
			return
		}
		_ = m.counters.Set(ctx, cache.HealthLastSuccessKey(m.opts.Series), m.now().UTC().Format(time.RFC3339), 0)
	})
}

// RecordFailure notes one failed upstream call and re-evaluates the alert
// condition. Fire-and-forget.
func (m *Monitor) RecordFailure(ctx context.Context, kind string) {
	m.dispatch(ctx, func(ctx context.Context) {
		minute := cache.MinuteBucket(m.now())
		if _, err := m.counters.IncrWithExpiry(ctx, cache.HealthFailuresKey(m.opts.Series, minute), m.bucketTTL()); err != nil {
			slog.Debug("health failure not recorded", "kind", kind, "error", err)
			return
		}
		m.maybeAlert(ctx, kind)
	})
}

// Status derives the health report from the last W minute buckets.
func (m *Monitor) Status(ctx context.Context) (Report, error) {
	var successes, failures int64
	now := m.now()
	for i := 0; i < m.opts.WindowMinutes; i++ {
		minute := cache.MinuteBucket(now.Add(-time.Duration(i) * time.Minute))
		s, err := m.readCount(ctx, cache.HealthSuccessesKey(m.opts.Series, minute))
		if err != nil {
			return Report{Status: StatusUnknown}, err
		}
		f, err := m.readCount(ctx, cache.HealthFailuresKey(m.opts.Series, minute))
		if err != nil {
			return Report{Status: StatusUnknown}, err
		}
		successes += s
		failures += f
	}

	report := Report{Successes: successes, Failures: failures}

	total := successes + failures
	if total == 0 {
		report.Status = StatusUnknown
	} else {
		report.FailureRate = float64(failures) / float64(total)
		switch {
		case report.FailureRate >= m.opts.DownThreshold:
			report.Status = StatusDown
		case report.FailureRate >= m.opts.DegradedThreshold:
			report.Status = StatusDegraded
		default:
			report.Status = StatusHealthy
		}
	}

	if raw, ok, err := m.counters.Get(ctx, cache.HealthLastSuccessKey(m.opts.Series)); err == nil && ok {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			report.LastSuccessAt = &ts
		}
	}

	return report, nil
}

// IsDown reports whether the upstream should be considered down. Any trouble
// reading the signal fails open to false: the health check must never become
// an availability outage itself.
func (m *Monitor) IsDown(ctx context.Context) bool {
	report, err := m.Status(ctx)
	if err != nil {
		return false
	}
	return report.Status == StatusDown
}

// maybeAlert emits exactly one alert per transition into down. The
// last-announced status lives in the store under a window-length TTL, so a
// quiet period makes the monitor forget and re-alert on relapse.
func (m *Monitor) maybeAlert(ctx context.Context, kind string) {
	report, err := m.Status(ctx)
	if err != nil || report.Status != StatusDown {
		return
	}

	lastKey := cache.HealthLastStatusKey(m.opts.Series)
	last, _, err := m.counters.Get(ctx, lastKey)
	if err != nil {
		return
	}
	if last == string(StatusDown) {
		return
	}

	if err := m.counters.Set(ctx, lastKey, string(StatusDown), m.windowSpan()); err != nil {
		return
	}
	if m.sink != nil {
		m.sink.CaptureMessage(fmt.Sprintf("upstream %s is down", m.opts.Series), map[string]any{
			"series":       m.opts.Series,
			"failure_rate": report.FailureRate,
			"failures":     report.Failures,
			"successes":    report.Successes,
			"last_kind":    kind,
		})
	}
}

func (m *Monitor) readCount(ctx context.Context, key string) (int64, error) {
	raw, ok, err := m.counters.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

func (m *Monitor) dispatch(ctx context.Context, task func(context.Context)) {
	if m.queue == nil {
		task(ctx)
		return
	}
	m.queue.TryEnqueue(task)
}
