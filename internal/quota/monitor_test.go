package quota_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sanchitrk/postflow/internal/quota"
	"github.com/sanchitrk/postflow/internal/store"
	"github.com/sanchitrk/postflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore keeps usage aggregates in memory, merging deltas the way the
// database upsert does.
type mockStore struct {
	metrics  map[string]*models.UsageMetric
	events   []*models.RateLimitEvent
	alerts   []*models.QuotaAlert
	triggers map[uuid.UUID]int
}

func newMockStore() *mockStore {
	return &mockStore{
		metrics:  make(map[string]*models.UsageMetric),
		triggers: make(map[uuid.UUID]int),
	}
}

func metricKey(windowType string, windowStart time.Time, scope string) string {
	return fmt.Sprintf("%s|%d|%s", windowType, windowStart.Unix(), scope)
}

func (s *mockStore) Ping(context.Context) error { return nil }

func (s *mockStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}

func (s *mockStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }

func (s *mockStore) UpsertUsageMetric(_ context.Context, windowType string, windowStart time.Time, scope string, delta store.UsageDelta) error {
	key := metricKey(windowType, windowStart, scope)
	m := s.metrics[key]
	if m == nil {
		m = &models.UsageMetric{
			ID:              uuid.New(),
			WindowType:      windowType,
			WindowStart:     windowStart,
			Scope:           scope,
			OperationCounts: make(map[string]int64),
			ModelCounts:     make(map[string]int64),
		}
		s.metrics[key] = m
	}
	m.RequestCount += delta.Requests
	m.SuccessCount += delta.Successes
	m.ErrorCount += delta.Errors
	m.RateLimitCount += delta.RateLimited
	m.InputTokensTotal += delta.InputTokens
	m.OutputTokensTotal += delta.OutputTokens
	m.EstimatedCostMicros += delta.CostMicros
	m.DurationMsTotal += delta.DurationMs
	if delta.DurationMs > m.DurationMsMax {
		m.DurationMsMax = delta.DurationMs
	}
	if delta.Operation != "" {
		m.OperationCounts[delta.Operation]++
	}
	if delta.Model != "" {
		m.ModelCounts[delta.Model]++
	}
	return nil
}

func (s *mockStore) GetUsageMetric(_ context.Context, windowType string, windowStart time.Time, scope string) (*models.UsageMetric, error) {
	m := s.metrics[metricKey(windowType, windowStart, scope)]
	if m == nil {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (s *mockStore) ListUsageMetrics(_ context.Context, windowType, scope string, since, until time.Time) ([]*models.UsageMetric, error) {
	var out []*models.UsageMetric
	for _, m := range s.metrics {
		if m.WindowType != windowType || m.Scope != scope {
			continue
		}
		if m.WindowStart.Before(since) || !m.WindowStart.Before(until) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *mockStore) InsertRateLimitEvent(_ context.Context, event *models.RateLimitEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *mockStore) GetLatestRateLimitEvent(_ context.Context, scope string) (*models.RateLimitEvent, error) {
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Scope == scope {
			return s.events[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) ListQuotaAlerts(_ context.Context, scope string) ([]*models.QuotaAlert, error) {
	var out []*models.QuotaAlert
	for _, a := range s.alerts {
		if a.Scope == scope {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *mockStore) RecordAlertTrigger(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.triggers[id]++
	return nil
}

func (s *mockStore) GetSocialConnection(context.Context, uuid.UUID) (*models.SocialConnection, error) {
	return nil, store.ErrNotFound
}

func (s *mockStore) UpdateSocialConnection(context.Context, uuid.UUID, ...store.ConnectionUpdate) error {
	return nil
}

func (s *mockStore) UpdatePostAfterPublish(context.Context, uuid.UUID, store.PostOutcome) error {
	return nil
}

func (s *mockStore) SchedulePostRetry(context.Context, uuid.UUID, time.Time) error { return nil }

func (s *mockStore) ClaimDuePosts(context.Context, time.Time, int) ([]*models.ScheduledPost, error) {
	return nil, nil
}

func newTestMonitor(st store.Store, limits quota.Limits) (*quota.Monitor, func(time.Duration)) {
	current := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	m := quota.NewMonitor(st, limits)
	m.SetClock(func() time.Time { return current })
	return m, func(d time.Duration) { current = current.Add(d) }
}

func TestTrackCall_WritesAllThreeWindows(t *testing.T) {
	st := newMockStore()
	m, _ := newTestMonitor(st, quota.Limits{})
	ctx := context.Background()

	err := m.TrackCall(ctx, quota.Call{
		Scope:        "user-1",
		Operation:    "generate_post",
		Model:        "claude-sonnet",
		Success:      true,
		DurationMs:   840,
		InputTokens:  120,
		OutputTokens: 600,
		CostMicros:   3200,
	})
	require.NoError(t, err)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	hour := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	minute := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	for _, w := range []struct {
		windowType string
		start      time.Time
	}{
		{models.WindowMinute, minute},
		{models.WindowHour, hour},
		{models.WindowDay, day},
	} {
		row, err := st.GetUsageMetric(ctx, w.windowType, w.start, "user-1")
		require.NoError(t, err, w.windowType)
		assert.Equal(t, int64(1), row.RequestCount)
		assert.Equal(t, int64(1), row.SuccessCount)
		assert.Equal(t, int64(720), row.InputTokensTotal+row.OutputTokensTotal)
		assert.Equal(t, int64(3200), row.EstimatedCostMicros)
		assert.Equal(t, int64(1), row.OperationCounts["generate_post"])
		assert.Equal(t, int64(1), row.ModelCounts["claude-sonnet"])
	}
}

func TestTrackCall_MergesAdditively(t *testing.T) {
	st := newMockStore()
	m, _ := newTestMonitor(st, quota.Limits{})
	ctx := context.Background()

	require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Success: true, DurationMs: 300}))
	require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Success: false, DurationMs: 900}))

	day, err := st.GetUsageMetric(ctx, models.WindowDay, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), day.RequestCount)
	assert.Equal(t, int64(1), day.SuccessCount)
	assert.Equal(t, int64(1), day.ErrorCount)
	assert.Equal(t, int64(1200), day.DurationMsTotal)
	assert.Equal(t, int64(900), day.DurationMsMax)
}

func TestStatus_Tiers(t *testing.T) {
	cases := []struct {
		name     string
		requests int
		want     string
	}{
		{"healthy below warning", 29, quota.StatusHealthy},
		{"warning at 60 percent", 30, quota.StatusWarning},
		{"critical at 90 percent", 45, quota.StatusCritical},
		{"exceeded at the limit", 50, quota.StatusExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMockStore()
			m, advance := newTestMonitor(st, quota.Limits{RequestsPerDay: 50, RequestsPerMinute: 1000})
			ctx := context.Background()

			for i := 0; i < tc.requests; i++ {
				require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Success: true}))
			}
			// Step past the minute so only the day dimension is in play.
			advance(2 * time.Minute)

			report, err := m.Status(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, report.Status)
			assert.Equal(t, int64(tc.requests), report.RequestsToday)
		})
	}
}

func TestStatus_MostSevereDimensionWins(t *testing.T) {
	st := newMockStore()
	m, _ := newTestMonitor(st, quota.Limits{RequestsPerMinute: 10, RequestsPerDay: 1000})
	ctx := context.Background()

	// 10 of 10 this minute exceeds the minute dimension while the day
	// dimension stays healthy.
	for i := 0; i < 10; i++ {
		require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Success: true}))
	}

	report, err := m.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, quota.StatusExceeded, report.Status)
	assert.NotEmpty(t, report.Warnings)
}

func TestStatus_RateLimitEventOverrides(t *testing.T) {
	st := newMockStore()
	m, advance := newTestMonitor(st, quota.Limits{RequestsPerDay: 1000})
	ctx := context.Background()

	err := m.LogRateLimitEvent(ctx, "user-1", "generate_post", "claude-sonnet", "requests", 60, "/v1/generate", nil)
	require.NoError(t, err)

	advance(20 * time.Second)

	report, err := m.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, quota.StatusRateLimited, report.Status)
	assert.Equal(t, 40, report.RetryAfter)
}

func TestStatus_ExpiredRateLimitEventIgnored(t *testing.T) {
	st := newMockStore()
	m, advance := newTestMonitor(st, quota.Limits{RequestsPerDay: 1000})
	ctx := context.Background()

	require.NoError(t, m.LogRateLimitEvent(ctx, "user-1", "generate_post", "", "requests", 30, "/v1/generate", nil))
	advance(31 * time.Second)

	report, err := m.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, quota.StatusRateLimited, report.Status)
	assert.Zero(t, report.RetryAfter)
}

func TestMinuteCounterRollsOver(t *testing.T) {
	st := newMockStore()
	m, advance := newTestMonitor(st, quota.Limits{})
	ctx := context.Background()

	require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Success: true}))
	require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Success: true}))

	report, err := m.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.RequestsThisMinute)

	advance(time.Minute)

	report, err = m.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, report.RequestsThisMinute)
}

func TestLogRateLimitEvent_FoldsIntoAggregates(t *testing.T) {
	st := newMockStore()
	m, _ := newTestMonitor(st, quota.Limits{})
	ctx := context.Background()

	require.NoError(t, m.LogRateLimitEvent(ctx, "user-1", "generate_post", "claude-sonnet", "tokens", 15, "/v1/generate", map[string]string{"region": "us"}))

	require.Len(t, st.events, 1)
	assert.Equal(t, "tokens", st.events[0].LimitType)
	assert.Equal(t, 15, st.events[0].RetryAfterSeconds)

	day, err := st.GetUsageMetric(ctx, models.WindowDay, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), day.RateLimitCount)
	assert.Equal(t, int64(1), day.ErrorCount)
}

func TestCheckAlerts(t *testing.T) {
	st := newMockStore()
	m, _ := newTestMonitor(st, quota.Limits{RequestsPerDay: 100})
	ctx := context.Background()

	enabled := &models.QuotaAlert{
		ID: uuid.New(), Scope: "user-1",
		AlertType: models.AlertTypeDailyPercent, ThresholdValue: 50, IsEnabled: true,
	}
	disabled := &models.QuotaAlert{
		ID: uuid.New(), Scope: "user-1",
		AlertType: models.AlertTypeDailyPercent, ThresholdValue: 1, IsEnabled: false,
	}
	cost := &models.QuotaAlert{
		ID: uuid.New(), Scope: "user-1",
		AlertType: models.AlertTypeCostMicros, ThresholdValue: 1_000_000, IsEnabled: true,
	}
	st.alerts = []*models.QuotaAlert{enabled, disabled, cost}

	for i := 0; i < 60; i++ {
		require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Success: true, CostMicros: 100}))
	}

	triggers, err := m.CheckAlerts(ctx, "user-1")
	require.NoError(t, err)

	// 60 of 100 daily requests crosses the 50 percent alert; total cost of
	// 6000 micros stays under the cost alert; the disabled alert is skipped
	// even though its threshold is long gone.
	require.Len(t, triggers, 1)
	assert.Equal(t, enabled.ID, triggers[0].Alert.ID)
	assert.InDelta(t, 60.0, triggers[0].CurrentValue, 1e-9)
	assert.Equal(t, 1, st.triggers[enabled.ID])
	assert.Zero(t, st.triggers[disabled.ID])
	assert.Equal(t, int64(1), triggers[0].Alert.TriggerCount)
}

func TestHistory_RejectsUnknownWindow(t *testing.T) {
	m, _ := newTestMonitor(newMockStore(), quota.Limits{})
	_, err := m.History(context.Background(), "user-1", "week", time.Time{}, time.Time{})
	assert.Error(t, err)
}

func TestUsageBreakdown(t *testing.T) {
	st := newMockStore()
	m, advance := newTestMonitor(st, quota.Limits{})
	ctx := context.Background()

	require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Operation: "generate_post", Model: "claude-sonnet", Success: true}))
	require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Operation: "generate_post", Model: "claude-haiku", Success: true}))
	advance(24 * time.Hour)
	require.NoError(t, m.TrackCall(ctx, quota.Call{Scope: "user-1", Operation: "improve_post", Model: "claude-sonnet", Success: true}))

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bd, err := m.UsageBreakdown(ctx, "user-1", since, since.Add(48*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(2), bd.Operations["generate_post"])
	assert.Equal(t, int64(1), bd.Operations["improve_post"])
	assert.Equal(t, int64(2), bd.Models["claude-sonnet"])
	assert.Equal(t, int64(1), bd.Models["claude-haiku"])
}
