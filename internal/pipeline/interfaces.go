package pipeline

import (
	"context"
	"io"
	"time"
)

// Coordinator is the only component that talks to the remote job queue.
type Coordinator interface {
	// ClaimJob polls for work. It returns (nil, nil) when the queue is
	// empty; callers should wait before retrying. Persistent network
	// failure surfaces as ErrCoordinatorUnreachable.
	ClaimJob(ctx context.Context) (*Job, error)
	// RenewLease extends the lease on a job and returns the new expiry.
	// ErrLeaseLost means the coordinator reassigned the job.
	RenewLease(ctx context.Context, jobID string) (time.Time, error)
	// ReportResult sends the terminal status for a job.
	ReportResult(ctx context.Context, jobID string, result Result) error
}

// Fetcher retrieves one remote asset as a stream. A failure is carried in
// the result's Err field, already classified.
type Fetcher interface {
	Fetch(ctx context.Context, d AssetDescriptor) FetchResult
}

// BlobStore uploads a finished archive to durable storage and returns a
// location URI. Implementations must publish atomically: a failed or
// interrupted upload never leaves a partial object visible at key.
type BlobStore interface {
	Upload(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// HistoryStore persists terminal job records.
type HistoryStore interface {
	RecordJob(ctx context.Context, rec JobRecord) error
	Close()
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (staging object names, worker IDs).
type IDGenerator interface {
	NewID() (string, error)
}
