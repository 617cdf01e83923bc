package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sanchitrk/postflow/internal/api/response"
	"github.com/sanchitrk/postflow/internal/quota"
	"github.com/sanchitrk/postflow/pkg/models"
)

func logTrackError(err error) {
	slog.Warn("usage tracking failed", "error", err)
}

// NewQuotaStatusHandler returns GET /api/v1/quota/status.
func NewQuotaStatusHandler(qm *quota.Monitor, scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := qm.Status(r.Context(), scope)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to derive quota status", nil)
			return
		}
		response.JSON(w, report)
	}
}

// NewQuotaHistoryHandler returns GET /api/v1/quota/history.
// Query params: window (minute|hour|day, default day), days (default 7).
func NewQuotaHistoryHandler(qm *quota.Monitor, scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		windowType := r.URL.Query().Get("window")
		if windowType == "" {
			windowType = models.WindowDay
		}
		days := 7
		if raw := r.URL.Query().Get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 90 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"days must be a number between 1 and 90", nil)
				return
			}
			days = n
		}

		until := time.Now().UTC()
		since := until.AddDate(0, 0, -days)
		metrics, err := qm.History(r.Context(), scope, windowType, since, until)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		response.JSON(w, metrics)
	}
}

// NewQuotaBreakdownHandler returns GET /api/v1/quota/breakdown.
func NewQuotaBreakdownHandler(qm *quota.Monitor, scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		until := time.Now().UTC()
		since := until.AddDate(0, 0, -7)
		bd, err := qm.UsageBreakdown(r.Context(), scope, since, until)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to build usage breakdown", nil)
			return
		}
		response.JSON(w, bd)
	}
}
