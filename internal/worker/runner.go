package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sanchitrk/postflow/internal/publish"
	"github.com/sanchitrk/postflow/internal/store"
)

// Runner polls for due posts, claims a batch, and feeds them to the
// dispatcher one at a time. The claim query is the fleet-wide mutual
// exclusion; the runner never sees a post another worker holds.
type Runner struct {
	store      store.Store
	dispatcher *publish.Dispatcher
	interval   time.Duration
	batchSize  int
}

// NewRunner creates a publishing Runner.
func NewRunner(st store.Store, d *publish.Dispatcher, interval time.Duration, batchSize int) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Runner{store: st, dispatcher: d, interval: interval, batchSize: batchSize}
}

// Run polls until ctx is done. One tick claims and publishes a batch.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims and publishes a single batch of due posts.
func (r *Runner) RunOnce(ctx context.Context) {
	posts, err := r.store.ClaimDuePosts(ctx, time.Now(), r.batchSize)
	if err != nil {
		slog.Error("claim due posts failed", "error", err)
		return
	}
	for _, post := range posts {
		result := r.dispatcher.PublishPost(ctx, post)
		if result.Success {
			slog.Info("post published",
				"post_id", post.ID,
				"platform_post_id", result.PlatformPostID,
				"attempt", post.AttemptCount,
			)
			continue
		}
		slog.Warn("post publish failed",
			"post_id", post.ID,
			"error_code", result.ErrorCode,
			"error", result.Error,
			"retryable", result.IsRetryable,
			"attempt", post.AttemptCount,
		)
	}
}
