package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivekit/packd/internal/pipeline"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Timeout: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err = json.NewEncoder(w).Encode(map[string]any{"ok": status < 400, "payload": json.RawMessage(raw)})
	require.NoError(t, err)
}

func TestClaimJob_ReturnsJob(t *testing.T) {
	t.Parallel()

	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/consume", r.URL.Path)
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"id": "job-1",
			"assets": []map[string]any{
				{"url": "http://example.com/a.bin", "path": "a.bin"},
			},
			"lease_expires_at": expires,
			"lease_seconds":    60,
			"retry_count":      2,
		})
	}))
	defer srv.Close()

	job, err := newTestClient(t, srv.URL).ClaimJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	require.Len(t, job.Assets, 1)
	assert.Equal(t, "a.bin", job.Assets[0].Path)
	assert.Equal(t, time.Minute, job.Lease.Duration)
	assert.True(t, expires.Equal(job.Lease.ExpiresAt))
	assert.Equal(t, 2, job.RetryCount)
	assert.False(t, job.Archived)
}

func TestClaimJob_DerivesExpiryFromLeaseSeconds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"id":            "job-1",
			"lease_seconds": 30,
		})
	}))
	defer srv.Close()

	before := time.Now()
	job, err := newTestClient(t, srv.URL).ClaimJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, 30*time.Second, job.Lease.Duration)
	require.False(t, job.Lease.ExpiresAt.IsZero())
	assert.True(t, job.Lease.ExpiresAt.After(before.Add(29*time.Second)))
	assert.True(t, job.Lease.ExpiresAt.Before(time.Now().Add(31*time.Second)))
}

func TestClaimJob_NoWork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job, err := newTestClient(t, srv.URL).ClaimJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimJob_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(t, w, http.StatusOK, map[string]any{"id": "job-2"})
	}))
	defer srv.Close()

	job, err := newTestClient(t, srv.URL).ClaimJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-2", job.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClaimJob_UnreachableAfterRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).ClaimJob(context.Background())
	require.ErrorIs(t, err, pipeline.ErrCoordinatorUnreachable)
}

func TestRenewLease_ReturnsNewExpiry(t *testing.T) {
	t.Parallel()

	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/job-1/lease", r.URL.Path)
		writeEnvelope(t, w, http.StatusOK, map[string]any{"lease_expires_at": expires})
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).RenewLease(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, expires.Equal(got))
}

func TestRenewLease_ConflictMeansLost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).RenewLease(context.Background(), "job-1")
	require.ErrorIs(t, err, pipeline.ErrLeaseLost)
}

func TestReportResult_SendsOutcome(t *testing.T) {
	t.Parallel()

	var got pipeline.Result
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/job-1/result", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	result := pipeline.Result{
		Status: pipeline.OutcomeSuccess,
		Receipt: &pipeline.UploadReceipt{
			Location: "memory://archives/job-1.zip",
			Bytes:    1024,
		},
	}
	require.NoError(t, newTestClient(t, srv.URL).ReportResult(context.Background(), "job-1", result))
	assert.Equal(t, pipeline.OutcomeSuccess, got.Status)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, int64(1024), got.Receipt.Bytes)
}

func TestReportResult_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).ReportResult(context.Background(), "j", pipeline.Result{Status: pipeline.OutcomeFailed})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReportResult_PermanentErrorDoesNotRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).ReportResult(context.Background(), "j", pipeline.Result{Status: pipeline.OutcomeFailed})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "ftp://queue.internal"}, nil)
	require.Error(t, err)
}
