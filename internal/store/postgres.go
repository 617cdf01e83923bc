package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sanchitrk/postflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// --- Usage Metrics ---

// UpsertUsageMetric merges one call into the window row. Counters add, the
// per-operation and per-model maps increment their key, and duration keeps a
// running total plus max so the read side can report average and worst-case
// latency per window.
func (s *PostgresStore) UpsertUsageMetric(ctx context.Context, windowType string, windowStart time.Time, scope string, delta UsageDelta) error {
	op := delta.Operation
	if op == "" {
		op = "unknown"
	}
	model := delta.Model
	if model == "" {
		model = "unknown"
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_metrics (
		   id, window_type, window_start, scope,
		   request_count, success_count, error_count, rate_limit_count,
		   input_tokens_total, output_tokens_total, estimated_cost_micros,
		   operation_counts, model_counts, duration_ms_total, duration_ms_max, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		         jsonb_build_object($12::text, $5::bigint),
		         jsonb_build_object($13::text, $5::bigint),
		         $14, $14, NOW())
		 ON CONFLICT (window_type, window_start, scope) DO UPDATE SET
		   request_count = usage_metrics.request_count + EXCLUDED.request_count,
		   success_count = usage_metrics.success_count + EXCLUDED.success_count,
		   error_count = usage_metrics.error_count + EXCLUDED.error_count,
		   rate_limit_count = usage_metrics.rate_limit_count + EXCLUDED.rate_limit_count,
		   input_tokens_total = usage_metrics.input_tokens_total + EXCLUDED.input_tokens_total,
		   output_tokens_total = usage_metrics.output_tokens_total + EXCLUDED.output_tokens_total,
		   estimated_cost_micros = usage_metrics.estimated_cost_micros + EXCLUDED.estimated_cost_micros,
		   operation_counts = jsonb_set(
		     COALESCE(usage_metrics.operation_counts, '{}'::jsonb), ARRAY[$12::text],
		     to_jsonb(COALESCE((usage_metrics.operation_counts->>$12)::bigint, 0) + $5::bigint)),
		   model_counts = jsonb_set(
		     COALESCE(usage_metrics.model_counts, '{}'::jsonb), ARRAY[$13::text],
		     to_jsonb(COALESCE((usage_metrics.model_counts->>$13)::bigint, 0) + $5::bigint)),
		   duration_ms_total = usage_metrics.duration_ms_total + EXCLUDED.duration_ms_total,
		   duration_ms_max = GREATEST(usage_metrics.duration_ms_max, EXCLUDED.duration_ms_max),
		   updated_at = NOW()`,
		uuid.New(), windowType, windowStart.UTC(), scope,
		delta.Requests, delta.Successes, delta.Errors, delta.RateLimited,
		delta.InputTokens, delta.OutputTokens, delta.CostMicros,
		op, model, delta.DurationMs)
	if err != nil {
		return fmt.Errorf("upsert usage metric: %w", err)
	}
	return nil
}

const usageMetricColumns = `id, window_type, window_start, scope,
	request_count, success_count, error_count, rate_limit_count,
	input_tokens_total, output_tokens_total, estimated_cost_micros,
	operation_counts, model_counts, duration_ms_total, duration_ms_max, updated_at`

func (s *PostgresStore) GetUsageMetric(ctx context.Context, windowType string, windowStart time.Time, scope string) (*models.UsageMetric, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+usageMetricColumns+`
		 FROM usage_metrics WHERE window_type = $1 AND window_start = $2 AND scope = $3`,
		windowType, windowStart.UTC(), scope)
	m, err := scanUsageMetric(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage metric: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListUsageMetrics(ctx context.Context, windowType, scope string, since, until time.Time) ([]*models.UsageMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+usageMetricColumns+`
		 FROM usage_metrics
		 WHERE window_type = $1 AND scope = $2 AND window_start >= $3 AND window_start < $4
		 ORDER BY window_start`,
		windowType, scope, since.UTC(), until.UTC())
	if err != nil {
		return nil, fmt.Errorf("list usage metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*models.UsageMetric
	for rows.Next() {
		m, err := scanUsageMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func scanUsageMetric(row pgx.Row) (*models.UsageMetric, error) {
	var m models.UsageMetric
	var opCounts, modelCounts []byte
	if err := row.Scan(&m.ID, &m.WindowType, &m.WindowStart, &m.Scope,
		&m.RequestCount, &m.SuccessCount, &m.ErrorCount, &m.RateLimitCount,
		&m.InputTokensTotal, &m.OutputTokensTotal, &m.EstimatedCostMicros,
		&opCounts, &modelCounts, &m.DurationMsTotal, &m.DurationMsMax, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if len(opCounts) > 0 {
		if err := json.Unmarshal(opCounts, &m.OperationCounts); err != nil {
			return nil, fmt.Errorf("decode operation counts: %w", err)
		}
	}
	if len(modelCounts) > 0 {
		if err := json.Unmarshal(modelCounts, &m.ModelCounts); err != nil {
			return nil, fmt.Errorf("decode model counts: %w", err)
		}
	}
	return &m, nil
}

// --- Rate Limit Events ---

func (s *PostgresStore) InsertRateLimitEvent(ctx context.Context, event *models.RateLimitEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode rate limit metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rate_limit_events (id, scope, operation, model, limit_type, retry_after_seconds, endpoint, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.Scope, event.Operation, event.Model, event.LimitType,
		event.RetryAfterSeconds, event.Endpoint, metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLatestRateLimitEvent(ctx context.Context, scope string) (*models.RateLimitEvent, error) {
	var e models.RateLimitEvent
	var metadata []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, scope, operation, model, limit_type, retry_after_seconds, endpoint, metadata, created_at
		 FROM rate_limit_events WHERE scope = $1 ORDER BY created_at DESC LIMIT 1`, scope,
	).Scan(&e.ID, &e.Scope, &e.Operation, &e.Model, &e.LimitType,
		&e.RetryAfterSeconds, &e.Endpoint, &metadata, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest rate limit event: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode rate limit metadata: %w", err)
		}
	}
	return &e, nil
}

// --- Quota Alerts ---

func (s *PostgresStore) ListQuotaAlerts(ctx context.Context, scope string) ([]*models.QuotaAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scope, alert_type, threshold_value, is_enabled, last_triggered_at, trigger_count, created_at, updated_at
		 FROM quota_alerts WHERE scope = $1 ORDER BY created_at`, scope)
	if err != nil {
		return nil, fmt.Errorf("list quota alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.QuotaAlert
	for rows.Next() {
		var a models.QuotaAlert
		if err := rows.Scan(&a.ID, &a.Scope, &a.AlertType, &a.ThresholdValue, &a.IsEnabled,
			&a.LastTriggeredAt, &a.TriggerCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan quota alert: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) RecordAlertTrigger(ctx context.Context, id uuid.UUID, triggeredAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_alerts
		 SET trigger_count = trigger_count + 1, last_triggered_at = $2, updated_at = NOW()
		 WHERE id = $1`, id, triggeredAt.UTC())
	if err != nil {
		return fmt.Errorf("record alert trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Social Connections ---

func (s *PostgresStore) GetSocialConnection(ctx context.Context, id uuid.UUID) (*models.SocialConnection, error) {
	var c models.SocialConnection
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, platform, handle, access_token_enc, is_active, last_used_at, last_error_at, last_error_message, created_at, updated_at
		 FROM social_connections WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Platform, &c.Handle, &c.AccessTokenEnc, &c.IsActive,
		&c.LastUsedAt, &c.LastErrorAt, &c.LastErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get social connection: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) UpdateSocialConnection(ctx context.Context, id uuid.UUID, opts ...ConnectionUpdate) error {
	params := ApplyConnectionUpdates(opts...)

	query := `UPDATE social_connections SET updated_at = NOW()`
	args := []any{id}
	argIdx := 2

	if params.IsActive != nil {
		query += fmt.Sprintf(", is_active = $%d", argIdx)
		args = append(args, *params.IsActive)
		argIdx++
	}
	if params.LastUsedAt != nil {
		query += fmt.Sprintf(", last_used_at = $%d", argIdx)
		args = append(args, params.LastUsedAt.UTC())
		argIdx++
	}
	if params.LastErrorAt != nil {
		query += fmt.Sprintf(", last_error_at = $%d", argIdx)
		args = append(args, params.LastErrorAt.UTC())
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", last_error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query += " WHERE id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update social connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scheduled Posts ---

func (s *PostgresStore) UpdatePostAfterPublish(ctx context.Context, id uuid.UUID, outcome PostOutcome) error {
	var tag string
	var err error
	if outcome.Published {
		_, err = s.pool.Exec(ctx,
			`UPDATE scheduled_posts
			 SET status = $2, platform_post_id = $3, platform_post_url = $4, last_error = NULL, updated_at = NOW()
			 WHERE id = $1`,
			id, models.PostStatusPublished, outcome.PlatformPostID, outcome.PlatformPostURL)
		tag = "mark post published"
	} else {
		errMsg := outcome.ErrorMessage
		if outcome.ErrorCode != "" {
			errMsg = fmt.Sprintf("[%s] %s", outcome.ErrorCode, outcome.ErrorMessage)
		}
		_, err = s.pool.Exec(ctx,
			`UPDATE scheduled_posts
			 SET status = $2, last_error = $3, updated_at = NOW()
			 WHERE id = $1`,
			id, models.PostStatusFailed, errMsg)
		tag = "mark post failed"
	}
	if err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	return nil
}

func (s *PostgresStore) SchedulePostRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_posts
		 SET status = $2, next_attempt_at = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, models.PostStatusRetryScheduled, nextAttemptAt.UTC())
	if err != nil {
		return fmt.Errorf("schedule post retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDuePosts atomically flips due posts to claimed and returns them.
// FOR UPDATE SKIP LOCKED is the fleet-wide mutual exclusion: a post claimed
// by one worker is invisible to concurrent claimers.
func (s *PostgresStore) ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPost, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE scheduled_posts
		 SET status = $3, attempt_count = attempt_count + 1, updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM scheduled_posts
		   WHERE (status = $4 AND scheduled_at <= $1)
		      OR (status = $5 AND next_attempt_at <= $1)
		   ORDER BY scheduled_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, connection_id, user_id, caption, hashtags, image_url, status,
		           platform_post_id, platform_post_url, scheduled_at, attempt_count,
		           last_error, next_attempt_at, created_at, updated_at`,
		now.UTC(), limit, models.PostStatusClaimed, models.PostStatusScheduled, models.PostStatusRetryScheduled)
	if err != nil {
		return nil, fmt.Errorf("claim due posts: %w", err)
	}
	defer rows.Close()

	var posts []*models.ScheduledPost
	for rows.Next() {
		var p models.ScheduledPost
		if err := rows.Scan(&p.ID, &p.ConnectionID, &p.UserID, &p.Caption, &p.Hashtags, &p.ImageURL,
			&p.Status, &p.PlatformPostID, &p.PlatformPostURL, &p.ScheduledAt, &p.AttemptCount,
			&p.LastError, &p.NextAttemptAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", err)
		}
		posts = append(posts, &p)
	}
	return posts, rows.Err()
}
