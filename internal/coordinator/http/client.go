// Package http implements the coordinator protocol over HTTP/JSON.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archivekit/packd/internal/pipeline"
)

// Config controls the coordinator client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// ClaimRetries bounds transient retries per claim call before the
	// failure surfaces as ErrCoordinatorUnreachable.
	ClaimRetries int
	// ReportAttempts bounds retries for terminal result reports.
	ReportAttempts int
}

// Client talks to the remote job queue. It is the only component that does.
type Client struct {
	base   *url.URL
	http   *http.Client
	cfg    Config
	retry  *pipeline.ExponentialRetryPolicy
	logger *zap.Logger
}

// envelope is the coordinator's standard response wrapper.
type envelope struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Message string          `json:"message"`
}

// claimPayload is the job description returned by a successful claim.
type claimPayload struct {
	ID           string                     `json:"id"`
	Assets       []pipeline.AssetDescriptor `json:"assets"`
	LeaseExpires time.Time                  `json:"lease_expires_at"`
	LeaseSeconds int                        `json:"lease_seconds"`
	RetryCount   int                        `json:"retry_count"`
	Archived     bool                       `json:"archived"`
}

type leasePayload struct {
	LeaseExpires time.Time `json:"lease_expires_at"`
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse coordinator base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("coordinator base url must be http(s), got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ClaimRetries <= 0 {
		cfg.ClaimRetries = 3
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		retry:  pipeline.NewExponentialRetryPolicy(),
		logger: logger,
	}, nil
}

// ClaimJob consumes the highest-priority job from the queue. It returns
// (nil, nil) when no work is available.
func (c *Client) ClaimJob(ctx context.Context) (*pipeline.Job, error) {
	var claim claimPayload
	var noWork bool

	err := c.withRetries(ctx, c.cfg.ClaimRetries, func() error {
		status, payload, err := c.post(ctx, "/consume", nil)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusNoContent:
			noWork = true
			return nil
		case http.StatusOK:
			if err := json.Unmarshal(payload, &claim); err != nil {
				return fmt.Errorf("decode claim payload: %w", err)
			}
			return nil
		default:
			return statusError("/consume", status)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrCoordinatorUnreachable, err)
	}
	if noWork {
		return nil, nil
	}
	if claim.ID == "" {
		return nil, fmt.Errorf("coordinator returned a job without an id")
	}

	lease := pipeline.Lease{ExpiresAt: claim.LeaseExpires}
	if claim.LeaseSeconds > 0 {
		lease.Duration = time.Duration(claim.LeaseSeconds) * time.Second
		// Some coordinators send only the duration; derive the expiry so
		// the lease keeper has a real deadline to track.
		if lease.ExpiresAt.IsZero() {
			lease.ExpiresAt = time.Now().Add(lease.Duration)
		}
	}
	return &pipeline.Job{
		ID:         claim.ID,
		Assets:     claim.Assets,
		Lease:      lease,
		RetryCount: claim.RetryCount,
		Archived:   claim.Archived,
	}, nil
}

// RenewLease extends the lease and returns the new expiry. A 409 means the
// coordinator reassigned the job and maps to ErrLeaseLost.
func (c *Client) RenewLease(ctx context.Context, jobID string) (time.Time, error) {
	status, payload, err := c.post(ctx, "/jobs/"+url.PathEscape(jobID)+"/lease", nil)
	if err != nil {
		return time.Time{}, err
	}
	switch status {
	case http.StatusOK:
		var lease leasePayload
		if err := json.Unmarshal(payload, &lease); err != nil {
			return time.Time{}, fmt.Errorf("decode lease payload: %w", err)
		}
		return lease.LeaseExpires, nil
	case http.StatusConflict, http.StatusGone:
		return time.Time{}, pipeline.ErrLeaseLost
	default:
		return time.Time{}, statusError("lease", status)
	}
}

// ReportResult sends the terminal outcome, retrying transient failures up to
// the configured bound.
func (c *Client) ReportResult(ctx context.Context, jobID string, result pipeline.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.withRetries(ctx, c.cfg.ReportAttempts, func() error {
		status, _, err := c.post(ctx, "/jobs/"+url.PathEscape(jobID)+"/result", body)
		if err != nil {
			return err
		}
		if status != http.StatusOK && status != http.StatusNoContent {
			return statusError("result", status)
		}
		return nil
	})
}

func (c *Client) withRetries(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.retry.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !pipeline.IsTransient(lastErr) {
			return lastErr
		}
		c.logger.Debug("coordinator call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("coordinator %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // fully read below

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read coordinator response: %w", err)
	}
	if len(data) == 0 {
		return resp.StatusCode, nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode coordinator response: %w", err)
	}
	return resp.StatusCode, env.Payload, nil
}

func statusError(op string, status int) error {
	err := fmt.Errorf("coordinator %s: unexpected status %d", op, status)
	if status >= 500 || status == http.StatusTooManyRequests {
		return err
	}
	return pipeline.Permanent(err)
}
