package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sanchitrk/postflow/internal/api/response"
	"github.com/sanchitrk/postflow/internal/health"
	"github.com/sanchitrk/postflow/internal/quota"
	"github.com/sanchitrk/postflow/internal/upstream"
)

// HealthRecorder is the slice of the health monitor the handler consumes.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context, kind string)
}

// NewGenerateHandler returns the POST /api/v1/generate handler. It sits
// behind the admission and health-guard middleware, so by the time it runs
// the call is already admitted; its job is calling the upstream and feeding
// the outcome into the health and quota monitors.
func NewGenerateHandler(gen upstream.Client, recorder HealthRecorder, qm *quota.Monitor, scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Prompt == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is required", nil)
			return
		}

		start := time.Now()
		out, err := gen.Generate(r.Context(), req.Prompt)
		durationMs := time.Since(start).Milliseconds()

		if err != nil {
			recordFailure(r.Context(), recorder, qm, scope, out, err, durationMs)
			switch {
			case errors.Is(err, upstream.ErrRateLimited):
				retryAfter := out.RetryAfterSeconds
				if retryAfter < 1 {
					retryAfter = 60
				}
				response.Error(w, http.StatusTooManyRequests, "UPSTREAM_RATE_LIMITED",
					"The generation service is rate limited", map[string]any{"retryAfter": retryAfter})
			case errors.Is(err, upstream.ErrTimeout):
				response.Error(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT",
					"The generation service timed out", nil)
			default:
				response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR",
					"The generation service failed", nil)
			}
			return
		}

		recorder.RecordSuccess(r.Context())
		if terr := qm.TrackCall(r.Context(), quota.Call{
			Scope:        scope,
			Operation:    "generate",
			Model:        out.Model,
			Success:      true,
			DurationMs:   durationMs,
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			CostMicros:   out.CostMicros,
		}); terr != nil {
			// Usage accounting must not fail the request that produced it.
			logTrackError(terr)
		}

		response.JSON(w, map[string]any{
			"text":  out.Text,
			"model": out.Model,
		})
	}
}

func recordFailure(ctx context.Context, recorder HealthRecorder, qm *quota.Monitor, scope string, out upstream.Output, err error, durationMs int64) {
	switch {
	case errors.Is(err, upstream.ErrRateLimited):
		// A 429 is load shedding, not ill health; it goes to the quota
		// monitor's event log instead of the failure counters.
		if lerr := qm.LogRateLimitEvent(ctx, scope, "generate", out.Model, "requests",
			out.RetryAfterSeconds, "/v1/generate", nil); lerr != nil {
			logTrackError(lerr)
		}
		return
	case errors.Is(err, upstream.ErrTimeout):
		recorder.RecordFailure(ctx, health.FailureTimeout)
	default:
		recorder.RecordFailure(ctx, health.FailureUpstreamError)
	}
	if terr := qm.TrackCall(ctx, quota.Call{
		Scope:      scope,
		Operation:  "generate",
		Model:      out.Model,
		Success:    false,
		DurationMs: durationMs,
	}); terr != nil {
		logTrackError(terr)
	}
}
