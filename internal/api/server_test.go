package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubStatus struct {
	active  int
	claimed int
}

func (s stubStatus) ActiveJobs() int  { return s.active }
func (s stubStatus) ClaimedJobs() int { return s.claimed }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(stubStatus{}, zap.NewNop())
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	s := NewServer(stubStatus{}, zap.NewNop())
	rec := get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatuszReportsJobCounts(t *testing.T) {
	t.Parallel()

	s := NewServer(stubStatus{active: 2, claimed: 7}, zap.NewNop())
	rec := get(t, s.Handler(), "/statusz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["active_jobs"])
	assert.EqualValues(t, 7, body["claimed_jobs"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()

	s := NewServer(stubStatus{}, zap.NewNop())
	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestUnknownRouteIs404(t *testing.T) {
	t.Parallel()

	s := NewServer(stubStatus{}, zap.NewNop())
	rec := get(t, s.Handler(), "/v1/jobs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
