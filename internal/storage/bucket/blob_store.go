// Package bucket implements a blob store over gocloud.dev portable buckets
// (S3, GCS, local files, or in-memory).
package bucket

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"

	"github.com/archivekit/packd/internal/pipeline"
)

// Store writes archives through a gocloud bucket using a staged-then-publish
// sequence: bytes land under a staging key first and are copied to the final
// key only once complete, so a crash mid-upload never exposes a partial
// object under the final name.
type Store struct {
	bucket   *blob.Bucket
	ids      pipeline.IDGenerator
	location string
}

// New creates a Store. location is the URI prefix reported in receipts
// (e.g. "s3://archive-bucket").
func New(bucket *blob.Bucket, ids pipeline.IDGenerator, location string) (*Store, error) {
	if bucket == nil {
		return nil, fmt.Errorf("bucket is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Store{
		bucket:   bucket,
		ids:      ids,
		location: strings.TrimRight(location, "/"),
	}, nil
}

// Upload streams r to a staging key, publishes it at key, and returns the
// final location URI.
func (s *Store) Upload(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("staging id: %w", err)
	}
	stagingKey := ".staging/" + id

	w, err := s.bucket.NewWriter(ctx, stagingKey, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("open staging writer: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		_ = s.bucket.Delete(ctx, stagingKey)
		return "", fmt.Errorf("write staging object: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = s.bucket.Delete(ctx, stagingKey)
		return "", fmt.Errorf("close staging object: %w", err)
	}

	if err := s.bucket.Copy(ctx, key, stagingKey, nil); err != nil {
		_ = s.bucket.Delete(ctx, stagingKey)
		return "", fmt.Errorf("publish object: %w", err)
	}
	if err := s.bucket.Delete(ctx, stagingKey); err != nil {
		// The final object is already published; a leftover staging
		// object is harmless.
		return s.uri(key), nil
	}
	return s.uri(key), nil
}

func (s *Store) uri(key string) string {
	if s.location == "" {
		return key
	}
	return s.location + "/" + key
}
