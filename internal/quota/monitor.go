// Package quota aggregates upstream API usage across minute/hour/day windows
// and answers how much headroom a scope has left on its plan.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sanchitrk/postflow/internal/store"
	"github.com/sanchitrk/postflow/pkg/models"
)

// Status levels, least to most severe. RateLimited is not part of the
// severity ladder: an active upstream rate-limit event always wins.
const (
	StatusHealthy     = "healthy"
	StatusWarning     = "warning"
	StatusCritical    = "critical"
	StatusExceeded    = "exceeded"
	StatusRateLimited = "rate_limited"
)

var severity = map[string]int{
	StatusHealthy:  0,
	StatusWarning:  1,
	StatusCritical: 2,
	StatusExceeded: 3,
}

// Tier thresholds as fractions of the plan limit.
const (
	warningFraction  = 0.60
	criticalFraction = 0.90
)

// Call is one upstream API call to fold into the aggregates.
type Call struct {
	Scope         string
	Operation     string
	Model         string
	Success       bool
	DurationMs    int64
	InputTokens   int64
	OutputTokens  int64
	CostMicros    int64
	IsRateLimited bool
}

// Limits is the plan ceiling per quota dimension. Zero disables a dimension.
type Limits struct {
	RequestsPerMinute int64
	RequestsPerDay    int64
	TokensPerDay      int64
}

// StatusReport is the derived quota standing for one scope.
type StatusReport struct {
	Status             string   `json:"status"`
	RequestsThisMinute int64    `json:"requests_this_minute"`
	RequestsToday      int64    `json:"requests_today"`
	TokensToday        int64    `json:"tokens_today"`
	CostTodayMicros    int64    `json:"cost_today_micros"`
	Warnings           []string `json:"warnings,omitempty"`
	RetryAfter         int      `json:"retry_after,omitempty"`
}

// AlertTrigger records one threshold breach found by CheckAlerts.
type AlertTrigger struct {
	Alert        *models.QuotaAlert `json:"alert"`
	CurrentValue float64            `json:"current_value"`
	TriggeredAt  time.Time          `json:"triggered_at"`
}

// Monitor tracks usage. Persisted aggregates go through the store; the
// current-minute request counter is kept in memory per scope and resets on
// wall-clock rollover only, so a restart forfeits the partial minute.
type Monitor struct {
	store  store.Store
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	minutes map[string]*minuteCounter
}

type minuteCounter struct {
	windowStart time.Time
	count       int64
}

// NewMonitor creates a quota Monitor.
func NewMonitor(st store.Store, limits Limits) *Monitor {
	return &Monitor{
		store:   st,
		limits:  limits,
		now:     time.Now,
		minutes: make(map[string]*minuteCounter),
	}
}

// SetClock overrides the time source. Test use only.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// TrackCall merges one call into the minute, hour, and day aggregates and
// bumps the in-memory minute counter. Late-arriving calls land in whatever
// window their wall-clock start falls into; out-of-order arrival just merges.
func (m *Monitor) TrackCall(ctx context.Context, call Call) error {
	now := m.now().UTC()
	delta := store.UsageDelta{
		Requests:     1,
		InputTokens:  call.InputTokens,
		OutputTokens: call.OutputTokens,
		CostMicros:   call.CostMicros,
		DurationMs:   call.DurationMs,
		Operation:    call.Operation,
		Model:        call.Model,
	}
	if call.Success {
		delta.Successes = 1
	} else {
		delta.Errors = 1
	}
	if call.IsRateLimited {
		delta.RateLimited = 1
	}

	m.bumpMinute(call.Scope, now)

	windows := []struct {
		windowType string
		start      time.Time
	}{
		{models.WindowMinute, now.Truncate(time.Minute)},
		{models.WindowHour, now.Truncate(time.Hour)},
		{models.WindowDay, now.Truncate(24 * time.Hour)},
	}
	for _, w := range windows {
		if err := m.store.UpsertUsageMetric(ctx, w.windowType, w.start, call.Scope, delta); err != nil {
			return fmt.Errorf("track call in %s window: %w", w.windowType, err)
		}
	}
	return nil
}

// Status reports the scope's standing across all quota dimensions. The most
// severe dimension wins, except that an active rate-limit event overrides
// everything with the remaining retry-after.
func (m *Monitor) Status(ctx context.Context, scope string) (StatusReport, error) {
	now := m.now().UTC()
	report := StatusReport{
		Status:             StatusHealthy,
		RequestsThisMinute: m.minuteCount(scope, now),
	}

	day, err := m.store.GetUsageMetric(ctx, models.WindowDay, now.Truncate(24*time.Hour), scope)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return report, fmt.Errorf("read day aggregate: %w", err)
	}
	if day != nil {
		report.RequestsToday = day.RequestCount
		report.TokensToday = day.InputTokensTotal + day.OutputTokensTotal
		report.CostTodayMicros = day.EstimatedCostMicros
	}

	dims := []struct {
		name  string
		used  int64
		limit int64
	}{
		{"requests/minute", report.RequestsThisMinute, m.limits.RequestsPerMinute},
		{"requests/day", report.RequestsToday, m.limits.RequestsPerDay},
		{"tokens/day", report.TokensToday, m.limits.TokensPerDay},
	}
	for _, dim := range dims {
		level := tier(dim.used, dim.limit)
		if severity[level] > severity[report.Status] {
			report.Status = level
		}
		if level != StatusHealthy {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s at %d of %d (%s)", dim.name, dim.used, dim.limit, level))
		}
	}

	event, err := m.store.GetLatestRateLimitEvent(ctx, scope)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return report, fmt.Errorf("read rate limit event: %w", err)
	}
	if event != nil {
		if remaining := event.RemainingRetryAfter(now); remaining > 0 {
			report.Status = StatusRateLimited
			report.RetryAfter = remaining
		}
	}

	return report, nil
}

// History returns persisted aggregate rows for a scope and window type.
func (m *Monitor) History(ctx context.Context, scope, windowType string, since, until time.Time) ([]*models.UsageMetric, error) {
	switch windowType {
	case models.WindowMinute, models.WindowHour, models.WindowDay:
	default:
		return nil, fmt.Errorf("unknown window type %q", windowType)
	}
	return m.store.ListUsageMetrics(ctx, windowType, scope, since, until)
}

// Breakdown merges per-operation and per-model counts over day windows in
// [since, until).
type Breakdown struct {
	Operations map[string]int64 `json:"operations"`
	Models     map[string]int64 `json:"models"`
}

func (m *Monitor) UsageBreakdown(ctx context.Context, scope string, since, until time.Time) (Breakdown, error) {
	bd := Breakdown{
		Operations: make(map[string]int64),
		Models:     make(map[string]int64),
	}
	rows, err := m.store.ListUsageMetrics(ctx, models.WindowDay, scope, since, until)
	if err != nil {
		return bd, fmt.Errorf("list day aggregates: %w", err)
	}
	for _, row := range rows {
		for op, n := range row.OperationCounts {
			bd.Operations[op] += n
		}
		for model, n := range row.ModelCounts {
			bd.Models[model] += n
		}
	}
	return bd, nil
}

// LogRateLimitEvent appends one detected upstream 429 to the event log and
// folds it into the aggregates as a rate-limited failed call.
func (m *Monitor) LogRateLimitEvent(ctx context.Context, scope, operation, model, limitType string, retryAfterSeconds int, endpoint string, metadata map[string]string) error {
	event := &models.RateLimitEvent{
		ID:                uuid.New(),
		Scope:             scope,
		Operation:         operation,
		Model:             model,
		LimitType:         limitType,
		RetryAfterSeconds: retryAfterSeconds,
		Endpoint:          endpoint,
		Metadata:          metadata,
		CreatedAt:         m.now().UTC(),
	}
	if err := m.store.InsertRateLimitEvent(ctx, event); err != nil {
		return err
	}
	return m.TrackCall(ctx, Call{
		Scope:         scope,
		Operation:     operation,
		Model:         model,
		Success:       false,
		IsRateLimited: true,
	})
}

// CheckAlerts evaluates every enabled alert for the scope, persists each
// breach, and returns the triggers. Disabled alerts are not evaluated at all.
func (m *Monitor) CheckAlerts(ctx context.Context, scope string) ([]AlertTrigger, error) {
	alerts, err := m.store.ListQuotaAlerts(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	var report *StatusReport
	var triggers []AlertTrigger
	for _, alert := range alerts {
		if !alert.IsEnabled {
			continue
		}
		if report == nil {
			r, err := m.Status(ctx, scope)
			if err != nil {
				return nil, err
			}
			report = &r
		}

		var current float64
		switch alert.AlertType {
		case models.AlertTypeDailyPercent:
			if m.limits.RequestsPerDay > 0 {
				current = float64(report.RequestsToday) / float64(m.limits.RequestsPerDay) * 100
			}
		case models.AlertTypeCostMicros:
			current = float64(report.CostTodayMicros)
		default:
			continue
		}

		if current < alert.ThresholdValue {
			continue
		}

		triggeredAt := m.now().UTC()
		if err := m.store.RecordAlertTrigger(ctx, alert.ID, triggeredAt); err != nil {
			return nil, fmt.Errorf("record trigger for alert %s: %w", alert.ID, err)
		}
		alert.TriggerCount++
		alert.LastTriggeredAt = &triggeredAt
		triggers = append(triggers, AlertTrigger{
			Alert:        alert,
			CurrentValue: current,
			TriggeredAt:  triggeredAt,
		})
	}
	return triggers, nil
}

// tier maps usage against a limit onto a status level.
func tier(used, limit int64) string {
	if limit <= 0 {
		return StatusHealthy
	}
	fraction := float64(used) / float64(limit)
	switch {
	case fraction >= 1.0:
		return StatusExceeded
	case fraction >= criticalFraction:
		return StatusCritical
	case fraction >= warningFraction:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func (m *Monitor) bumpMinute(scope string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	windowStart := now.Truncate(time.Minute)
	c := m.minutes[scope]
	if c == nil || !c.windowStart.Equal(windowStart) {
		c = &minuteCounter{windowStart: windowStart}
		m.minutes[scope] = c
	}
	c.count++
}

func (m *Monitor) minuteCount(scope string, now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.minutes[scope]
	if c == nil || !c.windowStart.Equal(now.Truncate(time.Minute)) {
		return 0
	}
	return c.count
}
