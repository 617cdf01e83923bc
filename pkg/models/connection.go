package models

import (
	"time"

	"github.com/google/uuid"
)

// Supported publishing platforms.
const (
	PlatformLinkedIn = "linkedin"
	PlatformX        = "x"
	PlatformMastodon = "mastodon"
)

// SocialConnection links a user to one destination account on a platform.
// The access token is stored encrypted; only the secrets package can read it.
// The dispatcher has restricted write access: status and error fields only.
type SocialConnection struct {
	ID               uuid.UUID  `db:"id"                 json:"id"`
	UserID           uuid.UUID  `db:"user_id"            json:"user_id"`
	Platform         string     `db:"platform"           json:"platform"`
	Handle           string     `db:"handle"             json:"handle"`
	AccessTokenEnc   []byte     `db:"access_token_enc"   json:"-"`
	IsActive         bool       `db:"is_active"          json:"is_active"`
	LastUsedAt       *time.Time `db:"last_used_at"       json:"last_used_at,omitempty"`
	LastErrorAt      *time.Time `db:"last_error_at"      json:"last_error_at,omitempty"`
	LastErrorMessage *string    `db:"last_error_message" json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"         json:"updated_at"`
}
