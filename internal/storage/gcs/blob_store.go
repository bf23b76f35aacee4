// Package gcs provides a blob store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/archivekit/packd/internal/pipeline"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes archives to a GCS bucket. Uploads land under a staging
// object first and are published with a server-side copy, which is atomic at
// the destination name: readers either see the whole archive or nothing.
type BlobStore struct {
	client *storage.Client
	bucket string
	ids    pipeline.IDGenerator
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, ids pipeline.IDGenerator, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		ids:    ids,
	}, nil
}

// Upload streams data to a staging object, copies it to key, and returns a
// gs:// URI.
func (s *BlobStore) Upload(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("staging id: %w", err)
	}

	bkt := s.client.Bucket(s.bucket)
	staging := bkt.Object(".staging/" + id)

	w := staging.NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		closeErr := w.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}

	dst := bkt.Object(key)
	if _, err := dst.CopierFrom(staging).Run(ctx); err != nil {
		_ = staging.Delete(ctx)
		return "", fmt.Errorf("publish object: %w", err)
	}
	// Best effort; the published object is already durable.
	_ = staging.Delete(ctx)

	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}
