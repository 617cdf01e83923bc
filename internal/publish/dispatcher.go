// Package publish turns claimed, due posts into platform API calls and
// reconciles the outcome back into persistent state. Redelivery of a publish
// job is safe: a post that already carries a platform post id is never sent
// again.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sanchitrk/postflow/internal/secrets"
	"github.com/sanchitrk/postflow/internal/store"
	"github.com/sanchitrk/postflow/pkg/models"
)

// Dispatcher publishes one claimed post at a time. The job runner's claim
// step is the mutual exclusion; the dispatcher assumes it holds the post.
type Dispatcher struct {
	store        store.Store
	box          *secrets.Box
	registry     *Registry
	retryBackoff time.Duration
	now          func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, box *secrets.Box, registry *Registry, retryBackoff time.Duration) *Dispatcher {
	if retryBackoff <= 0 {
		retryBackoff = 10 * time.Minute
	}
	return &Dispatcher{
		store:        st,
		box:          box,
		registry:     registry,
		retryBackoff: retryBackoff,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// PublishPost runs the publish attempt for one claimed post. Every exit
// leaves the post row in a terminal or retry-scheduled state; the returned
// result is for the caller's logging and UI, not for control flow.
func (d *Dispatcher) PublishPost(ctx context.Context, post *models.ScheduledPost) models.PublishResult {
	conn, err := d.store.GetSocialConnection(ctx, post.ConnectionID)
	if err != nil {
		msg := "connection not found"
		if !errors.Is(err, store.ErrNotFound) {
			msg = "connection lookup failed: " + err.Error()
		}
		return d.fail(ctx, post, CodeAccountDisconnected, msg, false)
	}
	if !conn.IsActive {
		return d.fail(ctx, post, CodeAccountDisconnected, "connection is disconnected", false)
	}

	// Idempotency: a platform post id means a previous attempt already
	// succeeded and only the reconciliation was lost.
	if post.PlatformPostID != nil && *post.PlatformPostID != "" {
		result := models.PublishResult{
			Success:        true,
			PlatformPostID: *post.PlatformPostID,
		}
		if post.PlatformPostURL != nil {
			result.PlatformPostURL = *post.PlatformPostURL
		}
		return result
	}

	token, err := d.box.Open(conn.AccessTokenEnc)
	if err != nil {
		return d.fail(ctx, post, CodeInvalidCredentials, "stored credentials could not be decrypted", false)
	}

	sender, ok := d.registry.Lookup(conn.Platform)
	if !ok {
		return d.fail(ctx, post, CodeUnknown, "unrecognized platform: "+conn.Platform, false)
	}

	resp, err := sender.Send(ctx, SendRequest{
		Caption:     post.Caption,
		Hashtags:    post.Hashtags,
		ImageURL:    deref(post.ImageURL),
		Handle:      conn.Handle,
		AccessToken: string(token),
	})
	if err != nil {
		return d.failSend(ctx, post, conn, asSendError(err))
	}

	if err := d.store.UpdatePostAfterPublish(ctx, post.ID, store.PostOutcome{
		Published:       true,
		PlatformPostID:  resp.PlatformPostID,
		PlatformPostURL: resp.PlatformPostURL,
	}); err != nil {
		slog.Error("publish succeeded but post update failed", "post_id", post.ID, "error", err)
	}
	if err := d.store.UpdateSocialConnection(ctx, conn.ID, store.WithLastUsedAt(d.now())); err != nil {
		slog.Error("publish succeeded but connection update failed", "connection_id", conn.ID, "error", err)
	}

	return models.PublishResult{
		Success:         true,
		PlatformPostID:  resp.PlatformPostID,
		PlatformPostURL: resp.PlatformPostURL,
	}
}

// failSend reconciles a platform failure. An expired token additionally
// deactivates the connection so future claims short-circuit at the resolve
// step; once deactivated, scheduling a retry would only produce a
// guaranteed-to-fail attempt, so the retry is suppressed even though the
// bare token_expired code classifies as retryable.
func (d *Dispatcher) failSend(ctx context.Context, post *models.ScheduledPost, conn *models.SocialConnection, sendErr *SendError) models.PublishResult {
	now := d.now()

	if sendErr.Code == CodeTokenExpired {
		if err := d.store.UpdateSocialConnection(ctx, conn.ID,
			store.WithActive(false),
			store.WithConnectionError(now, sendErr.Message)); err != nil {
			slog.Error("connection deactivation failed", "connection_id", conn.ID, "error", err)
		}
		return d.fail(ctx, post, sendErr.Code, sendErr.Message, false)
	}

	if err := d.store.UpdateSocialConnection(ctx, conn.ID,
		store.WithConnectionError(now, sendErr.Message)); err != nil {
		slog.Error("connection error update failed", "connection_id", conn.ID, "error", err)
	}
	return d.fail(ctx, post, sendErr.Code, sendErr.Message, IsRetryable(sendErr.Code))
}

// fail persists the failure, optionally schedules a retry, and builds the
// result.
func (d *Dispatcher) fail(ctx context.Context, post *models.ScheduledPost, code, msg string, retryable bool) models.PublishResult {
	if err := d.store.UpdatePostAfterPublish(ctx, post.ID, store.PostOutcome{
		ErrorMessage: msg,
		ErrorCode:    code,
	}); err != nil {
		slog.Error("post failure update failed", "post_id", post.ID, "error", err)
	}

	if retryable {
		if err := d.store.SchedulePostRetry(ctx, post.ID, d.now().Add(d.retryBackoff)); err != nil {
			slog.Error("retry scheduling failed", "post_id", post.ID, "error", err)
		}
	}

	return models.PublishResult{
		Success:     false,
		Error:       msg,
		ErrorCode:   code,
		IsRetryable: retryable,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
