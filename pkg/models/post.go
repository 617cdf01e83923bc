package models

import (
	"time"

	"github.com/google/uuid"
)

// Scheduled post lifecycle. A claimed post ends up published or failed;
// retry_scheduled re-enters claimed when the runner picks it up again.
const (
	PostStatusScheduled      = "scheduled"
	PostStatusClaimed        = "claimed"
	PostStatusPublished      = "published"
	PostStatusFailed         = "failed"
	PostStatusRetryScheduled = "retry_scheduled"
)

// ScheduledPost is one unit of publishing work. The job runner claims due
// posts and hands them to the dispatcher; platform_post_id doubles as the
// idempotency marker for redelivered publish jobs.
type ScheduledPost struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	ConnectionID    uuid.UUID  `db:"connection_id"     json:"connection_id"`
	UserID          uuid.UUID  `db:"user_id"           json:"user_id"`
	Caption         string     `db:"caption"           json:"caption"`
	Hashtags        []string   `db:"hashtags"          json:"hashtags,omitempty"`
	ImageURL        *string    `db:"image_url"         json:"image_url,omitempty"`
	Status          string     `db:"status"            json:"status"`
	PlatformPostID  *string    `db:"platform_post_id"  json:"platform_post_id,omitempty"`
	PlatformPostURL *string    `db:"platform_post_url" json:"platform_post_url,omitempty"`
	ScheduledAt     time.Time  `db:"scheduled_at"      json:"scheduled_at"`
	AttemptCount    int        `db:"attempt_count"     json:"attempt_count"`
	LastError       *string    `db:"last_error"        json:"last_error,omitempty"`
	NextAttemptAt   *time.Time `db:"next_attempt_at"   json:"next_attempt_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// PublishResult is the ephemeral outcome of one publish attempt. It is
// returned to the job runner, never persisted as its own row.
type PublishResult struct {
	Success         bool   `json:"success"`
	PlatformPostID  string `json:"platform_post_id,omitempty"`
	PlatformPostURL string `json:"platform_post_url,omitempty"`
	Error           string `json:"error,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	IsRetryable     bool   `json:"is_retryable"`
}
