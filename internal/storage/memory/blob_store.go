// Package memory stores blob content in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore stores uploaded archives in-memory and returns pseudo URIs.
// Tests can inject failures to exercise retry paths.
type BlobStore struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	contentTypes map[string]string
	uploads      int
	failNext     int
}

// New creates an in-memory blob store.
func New() *BlobStore {
	return &BlobStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// FailNext makes the next n uploads fail with a transient error.
func (s *BlobStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Upload persists the content and returns a memory:// URI. A repeated upload
// for the same key overwrites in place, matching the idempotent publish
// semantics of the real backends.
func (s *BlobStore) Upload(_ context.Context, key string, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read upload stream: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	if s.failNext > 0 {
		s.failNext--
		return "", fmt.Errorf("injected upload failure")
	}
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return fmt.Sprintf("memory://%s", key), nil
}

// Object returns the stored bytes for key.
func (s *BlobStore) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Len reports the number of distinct stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Uploads reports how many upload attempts were made.
func (s *BlobStore) Uploads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploads
}
