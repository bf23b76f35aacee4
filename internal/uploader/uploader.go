// Package uploader transfers finalized archives to durable blob storage.
package uploader

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archivekit/packd/internal/hash/sha256"
	"github.com/archivekit/packd/internal/metrics"
	"github.com/archivekit/packd/internal/pipeline"
)

// Config controls upload retry behavior and destination naming.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Prefix is joined with the job ID to form the destination key, so
	// retried jobs always target the same object.
	Prefix      string
	ContentType string
}

// Manager uploads archives with bounded retries. Idempotency comes from the
// deterministic key plus the store's staged publish: re-sending the same
// archive yields one logical object, never a duplicate or a truncation.
type Manager struct {
	store  pipeline.BlobStore
	cfg    Config
	retry  *pipeline.ExponentialRetryPolicy
	logger *zap.Logger
}

// New constructs a Manager.
func New(store pipeline.BlobStore, cfg Config, logger *zap.Logger) *Manager {
	metrics.Init()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/zip"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		retry:  pipeline.NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		logger: logger,
	}
}

// Key returns the destination key for a job.
func (m *Manager) Key(jobID string) string {
	return path.Join(m.cfg.Prefix, jobID+".zip")
}

// Upload sends the finalized archive and returns a receipt. Each attempt
// re-reads the file from the start; the handle stays valid across attempts.
// Job IDs are untrusted input; one that would alter the key's directory is
// rejected outright.
func (m *Manager) Upload(ctx context.Context, jobID string, handle *pipeline.ArchiveHandle) (*pipeline.UploadReceipt, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	key := m.Key(jobID)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.ObserveUploadRetry()
			if err := m.retry.Wait(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		attempts++
		receipt, err := m.attempt(ctx, key, handle)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if !pipeline.IsTransient(err) {
			break
		}
		m.logger.Warn("upload attempt failed",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, &pipeline.UploadError{Attempts: attempts, Err: lastErr}
}

func (m *Manager) attempt(ctx context.Context, key string, handle *pipeline.ArchiveHandle) (*pipeline.UploadReceipt, error) {
	f, err := os.Open(handle.Path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	digest := sha256.NewDigest()
	start := time.Now()
	location, err := m.store.Upload(ctx, key, m.cfg.ContentType, digest.Tee(f))
	if err != nil {
		return nil, err
	}
	metrics.ObserveUpload(time.Since(start))

	return &pipeline.UploadReceipt{
		Location: location,
		Bytes:    handle.Size,
		SHA256:   digest.Hex(),
	}, nil
}
