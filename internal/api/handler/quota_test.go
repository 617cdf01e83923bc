package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sanchitrk/postflow/internal/api/handler"
	"github.com/sanchitrk/postflow/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestQuotaStatus(t *testing.T) {
	qm := quota.NewMonitor(&mockStore{}, quota.Limits{RequestsPerDay: 100})
	h := handler.NewQuotaStatusHandler(qm, "user-1")

	w := get(t, h, "/api/v1/quota/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, quota.StatusHealthy, body.Data.Status)
}

func TestQuotaHistory_ValidatesParams(t *testing.T) {
	qm := quota.NewMonitor(&mockStore{}, quota.Limits{})
	h := handler.NewQuotaHistoryHandler(qm, "user-1")

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/quota/history").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/quota/history?window=hour&days=30").Code)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/quota/history?days=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/quota/history?days=91").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/quota/history?days=soon").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/quota/history?window=fortnight").Code)
}

func TestQuotaBreakdown(t *testing.T) {
	qm := quota.NewMonitor(&mockStore{}, quota.Limits{})
	h := handler.NewQuotaBreakdownHandler(qm, "user-1")

	w := get(t, h, "/api/v1/quota/breakdown")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Operations map[string]int64 `json:"operations"`
			Models     map[string]int64 `json:"models"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotNil(t, body.Data.Operations)
}
