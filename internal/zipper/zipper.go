// Package zipper builds the output zip archive from fetch results. It is the
// single writer: exactly one goroutine drives Consume and holds the archive
// file handle, no matter how many fetches feed the input channel.
package zipper

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/archivekit/packd/internal/hash/sha256"
	"github.com/archivekit/packd/internal/metrics"
	"github.com/archivekit/packd/internal/pipeline"
)

// manifestPath is the reserved member name for the generated manifest.
const manifestPath = "manifest.json"

// Config controls archiver behavior.
type Config struct {
	// RecordFailures keeps failure markers for unfetchable assets in the
	// manifest. When false, failed assets are omitted entirely.
	RecordFailures bool
	// AbortOnFailure makes the first failed asset fatal to the whole
	// archive instead of a marker. The caller is expected to Abort.
	AbortOnFailure bool
}

// Archiver writes a streamed zip archive to scratch storage.
type Archiver struct {
	jobID     string
	f         *os.File
	zw        *zip.Writer
	seen      map[string]struct{}
	entries   []pipeline.ArchiveEntry
	cfg       Config
	clock     pipeline.Clock
	logger    *zap.Logger
	finalized bool
	aborted   bool
}

// New creates the backing file and an Archiver owning it.
func New(path, jobID string, cfg Config, clock pipeline.Clock, logger *zap.Logger) (*Archiver, error) {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	return &Archiver{
		jobID:  jobID,
		f:      f,
		zw:     zip.NewWriter(f),
		seen:   map[string]struct{}{manifestPath: {}},
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}, nil
}

// Consume drains the results channel, streaming each successful body into a
// new archive entry. It returns a job-fatal error on duplicate paths, archive
// I/O failure, or any failed asset when AbortOnFailure is set, and the
// context error on cancellation. Remaining
// bodies are closed on early return so connections never leak.
func (a *Archiver) Consume(ctx context.Context, results <-chan pipeline.FetchResult) error {
	for {
		select {
		case <-ctx.Done():
			go drainRemaining(results)
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if err := a.add(res); err != nil {
				go drainRemaining(results)
				return err
			}
		}
	}
}

func (a *Archiver) add(res pipeline.FetchResult) error {
	if a.finalized {
		if res.Body != nil {
			_ = res.Body.Close()
		}
		return pipeline.ErrArchiveFinalized
	}

	if res.Err != nil {
		if a.cfg.AbortOnFailure {
			return fmt.Errorf("asset %q failed: %w", res.Descriptor.Path, res.Err)
		}
		if a.cfg.RecordFailures {
			a.entries = append(a.entries, pipeline.ArchiveEntry{
				Path:   res.Descriptor.Path,
				Failed: true,
				Error:  res.Err.Error(),
			})
		}
		a.logger.Warn("asset failed, continuing",
			zap.String("job_id", a.jobID),
			zap.String("path", res.Descriptor.Path),
			zap.Error(res.Err),
		)
		return nil
	}

	defer res.Body.Close() //nolint:errcheck // stream already fully consumed

	path := res.Descriptor.Path
	if _, dup := a.seen[path]; dup {
		return fmt.Errorf("entry %q: %w", path, pipeline.ErrDuplicateEntry)
	}
	a.seen[path] = struct{}{}

	hdr := &zip.FileHeader{
		Name:     path,
		Method:   zip.Deflate,
		Modified: a.clock.Now(),
	}
	w, err := a.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create archive entry %q: %w", path, err)
	}

	digest := sha256.NewDigest()
	n, err := io.Copy(w, digest.Tee(res.Body))
	if err != nil {
		return fmt.Errorf("write archive entry %q: %w", path, err)
	}
	metrics.AddArchivedBytes(n)

	a.entries = append(a.entries, pipeline.ArchiveEntry{
		Path:   path,
		Size:   n,
		SHA256: digest.Hex(),
		Method: "deflate",
	})
	return nil
}

// manifest is the sidecar document appended as the archive's last member.
type manifest struct {
	JobID      string                  `json:"job_id"`
	CreatedAt  time.Time               `json:"created_at"`
	EntryCount int                     `json:"entry_count"`
	Entries    []pipeline.ArchiveEntry `json:"entries"`
}

// Finalize appends the manifest, writes the central directory, and closes
// the file. Ownership of the returned handle transfers to the caller; any
// later write is a contract violation.
func (a *Archiver) Finalize() (*pipeline.ArchiveHandle, error) {
	if a.finalized {
		return nil, pipeline.ErrArchiveFinalized
	}
	a.finalized = true

	if err := a.writeManifest(); err != nil {
		return nil, err
	}
	if err := a.zw.Close(); err != nil {
		return nil, fmt.Errorf("write central directory: %w", err)
	}
	if err := a.f.Sync(); err != nil {
		return nil, fmt.Errorf("sync archive: %w", err)
	}
	info, err := a.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if err := a.f.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return &pipeline.ArchiveHandle{
		Path:    a.f.Name(),
		Size:    info.Size(),
		Entries: a.entries,
	}, nil
}

func (a *Archiver) writeManifest() error {
	// Sorted for deterministic manifest content regardless of arrival order.
	sorted := append([]pipeline.ArchiveEntry(nil), a.entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	doc := manifest{
		JobID:      a.jobID,
		CreatedAt:  a.clock.Now().UTC(),
		EntryCount: len(sorted),
		Entries:    sorted,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     manifestPath,
		Method:   zip.Deflate,
		Modified: a.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("create manifest entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Entries returns what has been recorded so far.
func (a *Archiver) Entries() []pipeline.ArchiveEntry {
	return append([]pipeline.ArchiveEntry(nil), a.entries...)
}

// Abort closes and deletes the backing file without finalizing. Safe to call
// after Finalize, in which case it is a no-op.
func (a *Archiver) Abort() {
	if a.finalized || a.aborted {
		return
	}
	a.aborted = true
	a.finalized = true
	_ = a.zw.Close()
	_ = a.f.Close()
	if err := os.Remove(a.f.Name()); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("remove aborted archive failed",
			zap.String("path", a.f.Name()),
			zap.Error(err),
		)
	}
}

// drainRemaining closes bodies still queued after an early exit.
func drainRemaining(results <-chan pipeline.FetchResult) {
	for res := range results {
		if res.Body != nil {
			_ = res.Body.Close()
		}
	}
}
