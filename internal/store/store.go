package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sanchitrk/postflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// UsageDelta is one API call folded into a usage window row.
type UsageDelta struct {
	Requests     int64
	Successes    int64
	Errors       int64
	RateLimited  int64
	InputTokens  int64
	OutputTokens int64
	CostMicros   int64
	DurationMs   int64
	Operation    string
	Model        string
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	// Usage aggregates: at most one row per (window_type, window_start, scope);
	// concurrent writers merge additively.
	UpsertUsageMetric(ctx context.Context, windowType string, windowStart time.Time, scope string, delta UsageDelta) error
	GetUsageMetric(ctx context.Context, windowType string, windowStart time.Time, scope string) (*models.UsageMetric, error)
	ListUsageMetrics(ctx context.Context, windowType, scope string, since, until time.Time) ([]*models.UsageMetric, error)

	InsertRateLimitEvent(ctx context.Context, event *models.RateLimitEvent) error
	GetLatestRateLimitEvent(ctx context.Context, scope string) (*models.RateLimitEvent, error)

	ListQuotaAlerts(ctx context.Context, scope string) ([]*models.QuotaAlert, error)
	RecordAlertTrigger(ctx context.Context, id uuid.UUID, triggeredAt time.Time) error

	GetSocialConnection(ctx context.Context, id uuid.UUID) (*models.SocialConnection, error)
	UpdateSocialConnection(ctx context.Context, id uuid.UUID, opts ...ConnectionUpdate) error

	UpdatePostAfterPublish(ctx context.Context, id uuid.UUID, outcome PostOutcome) error
	SchedulePostRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error
	ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPost, error)
}

// PostOutcome reconciles one publish attempt into the post row.
type PostOutcome struct {
	Published       bool
	PlatformPostID  string
	PlatformPostURL string
	ErrorMessage    string
	ErrorCode       string
}

// ConnectionPatch is the set of connection fields a ConnectionUpdate may
// touch. Nil fields are left unchanged.
type ConnectionPatch struct {
	IsActive     *bool
	LastUsedAt   *time.Time
	LastErrorAt  *time.Time
	ErrorMessage *string
}

// ConnectionUpdate restricts dispatcher writes to the status and error
// fields of a connection; credential fields stay out of reach.
type ConnectionUpdate func(*ConnectionPatch)

// ApplyConnectionUpdates folds updates into a patch.
func ApplyConnectionUpdates(opts ...ConnectionUpdate) ConnectionPatch {
	var p ConnectionPatch
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func WithActive(active bool) ConnectionUpdate {
	return func(p *ConnectionPatch) {
		p.IsActive = &active
	}
}

func WithLastUsedAt(t time.Time) ConnectionUpdate {
	return func(p *ConnectionPatch) {
		p.LastUsedAt = &t
	}
}

func WithConnectionError(at time.Time, msg string) ConnectionUpdate {
	return func(p *ConnectionPatch) {
		p.LastErrorAt = &at
		p.ErrorMessage = &msg
	}
}
