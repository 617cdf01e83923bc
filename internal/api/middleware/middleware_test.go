package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/sanchitrk/postflow/internal/api/middleware"
	"github.com/sanchitrk/postflow/internal/cache"
	"github.com/sanchitrk/postflow/internal/ratelimit"
	"github.com/sanchitrk/postflow/internal/store"
	"github.com/sanchitrk/postflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Store ---

type mockStore struct {
	keys []*models.APIKey
	err  error
}

func (m *mockStore) Ping(_ context.Context) error { return nil }
func (m *mockStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}
func (m *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (m *mockStore) UpsertUsageMetric(_ context.Context, _ string, _ time.Time, _ string, _ store.UsageDelta) error {
	return nil
}
func (m *mockStore) GetUsageMetric(_ context.Context, _ string, _ time.Time, _ string) (*models.UsageMetric, error) {
	return nil, store.ErrNotFound
}
func (m *mockStore) ListUsageMetrics(_ context.Context, _, _ string, _, _ time.Time) ([]*models.UsageMetric, error) {
	return nil, nil
}
func (m *mockStore) InsertRateLimitEvent(_ context.Context, _ *models.RateLimitEvent) error {
	return nil
}
func (m *mockStore) GetLatestRateLimitEvent(_ context.Context, _ string) (*models.RateLimitEvent, error) {
	return nil, store.ErrNotFound
}
func (m *mockStore) ListQuotaAlerts(_ context.Context, _ string) ([]*models.QuotaAlert, error) {
	return nil, nil
}
func (m *mockStore) RecordAlertTrigger(_ context.Context, _ uuid.UUID, _ time.Time) error {
	return nil
}
func (m *mockStore) GetSocialConnection(_ context.Context, _ uuid.UUID) (*models.SocialConnection, error) {
	return nil, store.ErrNotFound
}
func (m *mockStore) UpdateSocialConnection(_ context.Context, _ uuid.UUID, _ ...store.ConnectionUpdate) error {
	return nil
}
func (m *mockStore) UpdatePostAfterPublish(_ context.Context, _ uuid.UUID, _ store.PostOutcome) error {
	return nil
}
func (m *mockStore) SchedulePostRetry(_ context.Context, _ uuid.UUID, _ time.Time) error {
	return nil
}
func (m *mockStore) ClaimDuePosts(_ context.Context, _ time.Time, _ int) ([]*models.ScheduledPost, error) {
	return nil, nil
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidKey(t *testing.T) {
	auth := mw.NewAuth(&mockStore{
		keys: []*models.APIKey{{
			ID:      uuid.New(),
			UserID:  uuid.New(),
			KeyHash: hashKey(t, "pf_live_other_key"),
		}},
	})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer pf_live_wrong_key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "pf_live_abcdef1234567890"
	userID := uuid.New()
	auth := mw.NewAuth(&mockStore{
		keys: []*models.APIKey{{
			ID:      uuid.New(),
			UserID:  userID,
			KeyHash: hashKey(t, rawKey),
			Scopes:  []string{"generate"},
		}},
	})

	var gotUserID uuid.UUID
	handler := auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetUserID(r)
		require.True(t, ok)
		gotUserID = id
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID, gotUserID)
}

func TestAuth_RequireScope(t *testing.T) {
	rawKey := "pf_live_abcdef1234567890"
	auth := mw.NewAuth(&mockStore{
		keys: []*models.APIKey{{
			ID:      uuid.New(),
			UserID:  uuid.New(),
			KeyHash: hashKey(t, rawKey),
			Scopes:  []string{"read"},
		}},
	})

	handler := auth.Authenticate(auth.RequireScope("generate")(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_DenialContract(t *testing.T) {
	limiter := ratelimit.New(cache.NewMemory())
	rl := mw.NewRateLimit(limiter, time.Minute, 2)
	handler := rl.Limit(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "203.0.113.7:54321"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.7:54321"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	body := errBody(t, w)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, float64(2), details["limit"])
	assert.Equal(t, float64(60000), details["windowMs"])
	assert.GreaterOrEqual(t, details["retryAfter"], float64(1))
}

func TestRateLimit_CallersIsolatedByRemoteAddr(t *testing.T) {
	limiter := ratelimit.New(cache.NewMemory())
	rl := mw.NewRateLimit(limiter, time.Minute, 1)
	handler := rl.Limit(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/", nil)
	reqA.RemoteAddr = "203.0.113.7:1111"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, reqA)
	require.Equal(t, http.StatusOK, w.Code)

	// Same host on a new port is still the same caller.
	reqA2 := httptest.NewRequest(http.MethodPost, "/", nil)
	reqA2.RemoteAddr = "203.0.113.7:2222"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, reqA2)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	reqB := httptest.NewRequest(http.MethodPost, "/", nil)
	reqB.RemoteAddr = "198.51.100.9:3333"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, reqB)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_AuthenticatedCallerUsesKeyPrefix(t *testing.T) {
	rawKey := "pf_live_abcdef1234567890"
	auth := mw.NewAuth(&mockStore{
		keys: []*models.APIKey{{
			ID:      uuid.New(),
			UserID:  uuid.New(),
			KeyHash: hashKey(t, rawKey),
		}},
	})
	limiter := ratelimit.New(cache.NewMemory())
	rl := mw.NewRateLimit(limiter, time.Minute, 1)
	handler := auth.Authenticate(rl.Limit(okHandler()))

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = remoteAddr
		req.Header.Set("Authorization", "Bearer "+rawKey)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	// The key identity follows the caller across addresses.
	require.Equal(t, http.StatusOK, send("203.0.113.7:1111").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.9:2222").Code)
}

// ========================================
// Health Guard Middleware Tests
// ========================================

type stubChecker struct {
	down bool
}

func (s *stubChecker) IsDown(_ context.Context) bool { return s.down }

func TestHealthGuard_PassesWhenUp(t *testing.T) {
	guard := mw.NewHealthGuard(&stubChecker{down: false})
	handler := guard.Guard(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthGuard_RejectsWhenDown(t *testing.T) {
	guard := mw.NewHealthGuard(&stubChecker{down: true})
	handlerCalled := false
	handler := guard.Guard(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.False(t, handlerCalled)

	body := errBody(t, w)
	assert.Equal(t, "UPSTREAM_DOWN", body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, float64(60), details["retryAfter"])
}
