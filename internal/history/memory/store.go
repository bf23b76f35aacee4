// Package memory provides an in-memory job history store for tests.
package memory

import (
	"context"
	"sync"

	"github.com/archivekit/packd/internal/pipeline"
)

// Store records job rows in memory.
type Store struct {
	mu      sync.Mutex
	records []pipeline.JobRecord
	err     error
	closed  bool
}

// New builds an empty Store.
func New() *Store { return &Store{} }

// FailWith makes every subsequent RecordJob return err.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// RecordJob appends the record.
func (s *Store) RecordJob(ctx context.Context, record pipeline.JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

// Close marks the store closed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Records returns a copy of everything recorded so far.
func (s *Store) Records() []pipeline.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.JobRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
