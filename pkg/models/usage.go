package models

import (
	"time"

	"github.com/google/uuid"
)

// Aggregation windows for usage metrics.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// UsageMetric is one aggregate row for (window_type, window_start, scope).
// Updates are additive merges; rows are kept indefinitely for reporting.
type UsageMetric struct {
	ID                  uuid.UUID      `db:"id"                    json:"id"`
	WindowType          string         `db:"window_type"           json:"window_type"`
	WindowStart         time.Time      `db:"window_start"          json:"window_start"`
	Scope               string         `db:"scope"                 json:"scope"`
	RequestCount        int64          `db:"request_count"         json:"request_count"`
	SuccessCount        int64          `db:"success_count"         json:"success_count"`
	ErrorCount          int64          `db:"error_count"           json:"error_count"`
	RateLimitCount      int64          `db:"rate_limit_count"      json:"rate_limit_count"`
	InputTokensTotal    int64          `db:"input_tokens_total"    json:"input_tokens_total"`
	OutputTokensTotal   int64          `db:"output_tokens_total"   json:"output_tokens_total"`
	EstimatedCostMicros int64          `db:"estimated_cost_micros" json:"estimated_cost_micros"`
	OperationCounts     map[string]int64 `db:"operation_counts"    json:"operation_counts"`
	ModelCounts         map[string]int64 `db:"model_counts"        json:"model_counts"`
	DurationMsTotal     int64          `db:"duration_ms_total"     json:"duration_ms_total"`
	DurationMsMax       int64          `db:"duration_ms_max"       json:"duration_ms_max"`
	UpdatedAt           time.Time      `db:"updated_at"            json:"updated_at"`
}

// Alert types evaluated by the quota monitor.
const (
	AlertTypeDailyPercent = "daily_percent"
	AlertTypeCostMicros   = "cost_micros"
)

// QuotaAlert is a user-configured threshold on a quota dimension.
type QuotaAlert struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	Scope           string     `db:"scope"             json:"scope"`
	AlertType       string     `db:"alert_type"        json:"alert_type"`
	ThresholdValue  float64    `db:"threshold_value"   json:"threshold_value"`
	IsEnabled       bool       `db:"is_enabled"        json:"is_enabled"`
	LastTriggeredAt *time.Time `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	TriggerCount    int64      `db:"trigger_count"     json:"trigger_count"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// RateLimitEvent is an append-only record of one upstream 429.
type RateLimitEvent struct {
	ID                uuid.UUID `db:"id"                  json:"id"`
	Scope             string    `db:"scope"               json:"scope"`
	Operation         string    `db:"operation"           json:"operation"`
	Model             string    `db:"model"               json:"model"`
	LimitType         string    `db:"limit_type"          json:"limit_type"`
	RetryAfterSeconds int       `db:"retry_after_seconds" json:"retry_after_seconds"`
	Endpoint          string    `db:"endpoint"            json:"endpoint"`
	Metadata          map[string]string `db:"metadata"    json:"metadata,omitempty"`
	CreatedAt         time.Time `db:"created_at"          json:"created_at"`
}

// RemainingRetryAfter reports how many seconds of the event's retry-after
// window are still ahead of now, or 0 if the event is no longer active.
func (e *RateLimitEvent) RemainingRetryAfter(now time.Time) int {
	until := e.CreatedAt.Add(time.Duration(e.RetryAfterSeconds) * time.Second)
	remaining := int(until.Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}
