// Package pipeline defines core types shared across the archival worker.
package pipeline

import (
	"io"
	"time"
)

// Outcome is the terminal state a job reports back to the coordinator.
type Outcome string

// Terminal outcomes. Every claimed job reaches exactly one of these.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeAborted Outcome = "aborted"
)

// State represents the lifecycle position of a running job.
type State string

// Job runner states, in pipeline order.
const (
	StateClaimed     State = "claimed"
	StateDownloading State = "downloading"
	StateArchiving   State = "archiving"
	StateUploading   State = "uploading"
	StateReporting   State = "reporting"
	StateDone        State = "done"
)

// AssetDescriptor identifies one fetchable unit and its placement in the
// output archive. Immutable once materialized from a claim.
type AssetDescriptor struct {
	// URL is the remote location to fetch.
	URL string `json:"url"`
	// Path is the logical member path within the archive.
	Path string `json:"path"`
	// SizeHint is the expected byte count, 0 when unknown.
	SizeHint int64 `json:"size_hint,omitempty"`
	// ContentType is an optional media type hint.
	ContentType string `json:"content_type,omitempty"`
}

// Lease is the coordinator's time-bounded grant of exclusivity over a job.
type Lease struct {
	ExpiresAt time.Time     `json:"lease_expires_at"`
	Duration  time.Duration `json:"-"`
}

// Job is one unit of archival work claimed from the coordinator. It is owned
// exclusively by a single runner and never shared across runners.
type Job struct {
	ID         string            `json:"id"`
	Assets     []AssetDescriptor `json:"assets"`
	Lease      Lease             `json:"-"`
	RetryCount int               `json:"retry_count"`
	// Archived is set by the coordinator when the job's output already
	// exists remotely; the runner skips fetching and reports success.
	Archived bool `json:"archived"`
}

// FetchResult is the tagged outcome of one fetch: either an open byte stream
// plus metadata, or a classified failure in Err. Exactly one of Body/Err is
// set. The receiver owns Body and must close it.
type FetchResult struct {
	Descriptor  AssetDescriptor
	Body        io.ReadCloser
	Size        int64 // -1 when the remote did not declare a length
	ContentType string
	Err         error
}

// ArchiveEntry describes one member of the output archive, or a failure
// marker for an asset that could not be fetched.
type ArchiveEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
	Method string `json:"method,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ArchiveHandle represents a finalized archive on scratch storage. Ownership
// transfers from the archiver to the upload manager at finalization; no
// further writes are permitted.
type ArchiveHandle struct {
	Path    string
	Size    int64
	Entries []ArchiveEntry
}

// FailedEntries counts the failure markers in the handle.
func (h *ArchiveHandle) FailedEntries() int {
	n := 0
	for _, e := range h.Entries {
		if e.Failed {
			n++
		}
	}
	return n
}

// UploadReceipt is the result of a successful upload, used only for the
// terminal report.
type UploadReceipt struct {
	Location string `json:"location"`
	Bytes    int64  `json:"bytes"`
	SHA256   string `json:"sha256"`
}

// Result is the terminal status sent to the coordinator.
type Result struct {
	Status  Outcome        `json:"status"`
	Error   string         `json:"error,omitempty"`
	Receipt *UploadReceipt `json:"receipt,omitempty"`
}

// JobRecord is the row persisted to the job history store for each
// terminal job.
type JobRecord struct {
	ID           string
	Status       Outcome
	EntryCount   int
	FailedAssets int
	Bytes        int64
	SHA256       string
	Location     string
	ErrorText    string
	StartedAt    time.Time
	FinishedAt   time.Time
	Entries      []ArchiveEntry
}
