// Package fetcher implements streamed HTTP asset retrieval with retries.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/archivekit/packd/internal/metrics"
	"github.com/archivekit/packd/internal/pipeline"
)

// Config controls fetch behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxRedirects int
}

// Client fetches assets over HTTP(S). Responses are exposed as streams; the
// body is never buffered in full.
type Client struct {
	http   *http.Client
	retry  *pipeline.ExponentialRetryPolicy
	ua     string
	logger *zap.Logger
}

// New builds a Client with a pooled transport.
func New(cfg Config, logger *zap.Logger) *Client {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
		MaxIdleConns:        64,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		retry:  pipeline.NewRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		ua:     cfg.UserAgent,
		logger: logger,
	}
}

// Fetch retrieves one asset. On success the result carries an open body the
// caller must fully consume or close. Failures arrive classified in Err;
// transient ones have already been retried up to the configured budget.
func (c *Client) Fetch(ctx context.Context, d pipeline.AssetDescriptor) pipeline.FetchResult {
	if err := validateDescriptor(d); err != nil {
		return pipeline.FetchResult{Descriptor: d, Err: err}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err := c.attempt(ctx, d)
		if err == nil {
			metrics.ObserveAsset("success", time.Since(start))
			return res
		}
		lastErr = err
		if !c.retry.ShouldRetry(err, attempt) {
			break
		}
		c.logger.Debug("retrying fetch",
			zap.String("url", d.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if werr := c.retry.Wait(ctx, attempt); werr != nil {
			lastErr = werr
			break
		}
	}
	metrics.ObserveAsset("failure", 0)
	return pipeline.FetchResult{Descriptor: d, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, d pipeline.AssetDescriptor) (pipeline.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return pipeline.FetchResult{}, &pipeline.FetchError{URL: d.URL, Class: pipeline.ClassPermanent, Err: err}
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.FetchResult{}, ctx.Err()
		}
		return pipeline.FetchResult{}, &pipeline.FetchError{URL: d.URL, Class: pipeline.ClassTransient, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		size := resp.ContentLength
		if size < 0 {
			size = -1
		}
		return pipeline.FetchResult{
			Descriptor:  d,
			Body:        resp.Body,
			Size:        size,
			ContentType: resp.Header.Get("Content-Type"),
		}, nil
	}

	// Non-2xx: the connection must not leak, so drain a bounded amount
	// and close before classifying.
	DiscardBody(resp.Body)
	return pipeline.FetchResult{}, &pipeline.FetchError{
		URL:        d.URL,
		StatusCode: resp.StatusCode,
		Class:      classifyStatus(resp.StatusCode),
	}
}

func validateDescriptor(d pipeline.AssetDescriptor) error {
	u, err := url.Parse(d.URL)
	if err != nil {
		return &pipeline.FetchError{URL: d.URL, Class: pipeline.ClassPermanent, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &pipeline.FetchError{
			URL:   d.URL,
			Class: pipeline.ClassPermanent,
			Err:   fmt.Errorf("unsupported scheme %q", u.Scheme),
		}
	}
	if d.Path == "" {
		return &pipeline.FetchError{
			URL:   d.URL,
			Class: pipeline.ClassPermanent,
			Err:   fmt.Errorf("asset has no archive path"),
		}
	}
	return nil
}

func classifyStatus(code int) pipeline.Class {
	switch {
	case code >= 500:
		return pipeline.ClassTransient
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return pipeline.ClassTransient
	default:
		return pipeline.ClassPermanent
	}
}

// discardLimit bounds how much of an unwanted body is drained so the
// underlying connection can be reused.
const discardLimit = 256 * 1024

// DiscardBody drains and closes a response body without buffering it.
func DiscardBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, discardLimit))
	_ = body.Close()
}
