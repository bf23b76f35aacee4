// Package runner drives a single claimed job through the archival pipeline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archivekit/packd/internal/metrics"
	"github.com/archivekit/packd/internal/pipeline"
	"github.com/archivekit/packd/internal/scheduler"
	"github.com/archivekit/packd/internal/scratch"
	"github.com/archivekit/packd/internal/uploader"
	"github.com/archivekit/packd/internal/zipper"
)

// Config controls per-job execution.
type Config struct {
	Concurrency    int
	QueueDepth     int
	AbortOnFailure bool
	RecordFailures bool
	// SkipArchived short-circuits jobs the coordinator marks as already
	// stored remotely.
	SkipArchived bool
	Upload       uploader.Config
	// CompletionTopic is where terminal events are published; empty
	// disables publishing.
	CompletionTopic string
}

// Runner owns one job at a time from claim to terminal report. It is safe to
// run multiple Runners concurrently as long as each handles distinct jobs.
type Runner struct {
	coordinator pipeline.Coordinator
	fetcher     pipeline.Fetcher
	store       pipeline.BlobStore
	history     pipeline.HistoryStore
	publisher   pipeline.Publisher
	scratch     *scratch.Manager
	clock       pipeline.Clock
	cfg         Config
	logger      *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithHistory enables terminal-record persistence.
func WithHistory(h pipeline.HistoryStore) Option {
	return func(r *Runner) { r.history = h }
}

// WithPublisher enables completion events.
func WithPublisher(p pipeline.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// New builds a Runner.
func New(
	coordinator pipeline.Coordinator,
	fetcher pipeline.Fetcher,
	store pipeline.BlobStore,
	scratchMgr *scratch.Manager,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Runner {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		coordinator: coordinator,
		fetcher:     fetcher,
		store:       store,
		scratch:     scratchMgr,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// completionEvent is the payload published on terminal transitions.
type completionEvent struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Location   string    `json:"location,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Run executes one claimed job to a terminal outcome. The returned result is
// what was (or would have been) reported; Aborted results are never reported
// because the lease holder is no longer us.
func (r *Runner) Run(ctx context.Context, job *pipeline.Job) pipeline.Result {
	started := r.clock.Now()
	logger := r.logger.With(zap.String("job_id", job.ID))

	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	// The job scope dies on shutdown or lease loss; the tail scope survives
	// shutdown so an in-flight upload or report can finish during the drain
	// window, but still dies on lease loss.
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	tailCtx, cancelTail := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelTail(nil)

	keeper := newLeaseKeeper(r.coordinator, job, r.clock, logger)
	keeper.start(tailCtx, func(cause error) {
		cancel(cause)
		cancelTail(cause)
	})
	defer keeper.stop()

	result, handle := r.execute(jobCtx, tailCtx, job, logger)

	// A lost lease means another worker may already own the job. Reporting
	// now would race with it, so the job is dropped silently.
	if lostLease(jobCtx, result) || !keeper.held() {
		result = pipeline.Result{Status: pipeline.OutcomeAborted, Error: pipeline.ErrLeaseLost.Error()}
		logger.Warn("job aborted, lease lost")
		r.finish(context.WithoutCancel(ctx), job, result, handle, started)
		return result
	}

	// Shutdown mid-job also ends without a report: the lease expires and
	// the coordinator re-queues the job on its own.
	if result.Status == pipeline.OutcomeAborted {
		logger.Warn("job aborted", zap.String("error", result.Error))
		r.finish(context.WithoutCancel(ctx), job, result, handle, started)
		return result
	}

	logger.Info("reporting result", zap.String("state", string(pipeline.StateReporting)), zap.String("status", string(result.Status)))
	if err := r.coordinator.ReportResult(tailCtx, job.ID, result); err != nil {
		// The coordinator's lease expiry is the recovery path from here;
		// nothing more the worker can do.
		logger.Error("job orphaned, report failed", zap.Error(err))
		result = pipeline.Result{Status: pipeline.OutcomeAborted, Error: fmt.Sprintf("report failed: %v", err)}
	}

	r.finish(context.WithoutCancel(ctx), job, result, handle, started)
	return result
}

// execute runs the download-archive-upload phases and classifies the outcome.
// Fetch and archive work runs on ctx; the upload runs on tailCtx so a
// shutdown signal after the archive is sealed does not waste the work.
func (r *Runner) execute(ctx, tailCtx context.Context, job *pipeline.Job, logger *zap.Logger) (pipeline.Result, *pipeline.ArchiveHandle) {
	if job.Archived && r.cfg.SkipArchived {
		logger.Info("job already archived, skipping")
		return pipeline.Result{Status: pipeline.OutcomeSuccess}, nil
	}
	if len(job.Assets) == 0 {
		return pipeline.Result{Status: pipeline.OutcomeFailed, Error: "job has no assets"}, nil
	}

	ws, err := r.scratch.Acquire(job.ID)
	if err != nil {
		return pipeline.Result{Status: pipeline.OutcomeFailed, Error: err.Error()}, nil
	}
	defer func() {
		if rmErr := ws.Remove(); rmErr != nil {
			logger.Warn("scratch cleanup failed", zap.Error(rmErr))
		}
	}()

	logger.Info("downloading assets",
		zap.String("state", string(pipeline.StateDownloading)),
		zap.Int("assets", len(job.Assets)),
	)
	sched := scheduler.New(r.fetcher, scheduler.Config{
		Concurrency:    r.cfg.Concurrency,
		QueueDepth:     r.cfg.QueueDepth,
		AbortOnFailure: r.cfg.AbortOnFailure,
	}, logger)
	results := sched.Run(ctx, job.Assets)

	archiver, err := zipper.New(ws.ArchivePath(), job.ID, zipper.Config{
		RecordFailures: r.cfg.RecordFailures,
		AbortOnFailure: r.cfg.AbortOnFailure,
	}, r.clock, logger)
	if err != nil {
		return pipeline.Result{Status: pipeline.OutcomeFailed, Error: err.Error()}, nil
	}

	logger.Debug("archiving", zap.String("state", string(pipeline.StateArchiving)))
	if err := archiver.Consume(ctx, results); err != nil {
		archiver.Abort()
		if ctx.Err() != nil {
			return pipeline.Result{Status: pipeline.OutcomeAborted, Error: context.Cause(ctx).Error()}, nil
		}
		return pipeline.Result{Status: pipeline.OutcomeFailed, Error: err.Error()}, nil
	}

	handle, err := archiver.Finalize()
	if err != nil {
		archiver.Abort()
		return pipeline.Result{Status: pipeline.OutcomeFailed, Error: err.Error()}, nil
	}

	logger.Info("uploading archive",
		zap.String("state", string(pipeline.StateUploading)),
		zap.Int64("bytes", handle.Size),
		zap.Int("entries", len(handle.Entries)),
	)
	up := uploader.New(r.store, r.cfg.Upload, logger)
	receipt, err := up.Upload(tailCtx, job.ID, handle)
	if err != nil {
		if tailCtx.Err() != nil {
			return pipeline.Result{Status: pipeline.OutcomeAborted, Error: context.Cause(tailCtx).Error()}, handle
		}
		return pipeline.Result{Status: pipeline.OutcomeFailed, Error: err.Error()}, handle
	}

	// Assets that failed after exhausting retries do not void the job: the
	// partial archive is preserved and the job reports Failed with a
	// receipt so the coordinator can decide whether to retry. Counting
	// against the claim rather than the manifest covers archives that
	// omit failure markers.
	succeeded := 0
	for _, e := range handle.Entries {
		if !e.Failed {
			succeeded++
		}
	}
	if failed := len(job.Assets) - succeeded; failed > 0 {
		return pipeline.Result{
			Status:  pipeline.OutcomeFailed,
			Error:   fmt.Sprintf("%d of %d assets failed", failed, len(job.Assets)),
			Receipt: receipt,
		}, handle
	}
	return pipeline.Result{Status: pipeline.OutcomeSuccess, Receipt: receipt}, handle
}

// finish emits the terminal record and completion event. Both are best
// effort: the job's outcome is already decided.
func (r *Runner) finish(ctx context.Context, job *pipeline.Job, result pipeline.Result, handle *pipeline.ArchiveHandle, started time.Time) {
	finished := r.clock.Now()
	metrics.ObserveJob(string(result.Status))

	if r.history != nil {
		rec := pipeline.JobRecord{
			ID:         job.ID,
			Status:     result.Status,
			ErrorText:  result.Error,
			StartedAt:  started,
			FinishedAt: finished,
		}
		if result.Receipt != nil {
			rec.Bytes = result.Receipt.Bytes
			rec.SHA256 = result.Receipt.SHA256
			rec.Location = result.Receipt.Location
		}
		if handle != nil {
			rec.Entries = handle.Entries
			rec.EntryCount = len(handle.Entries)
			rec.FailedAssets = handle.FailedEntries()
		}
		if err := r.history.RecordJob(ctx, rec); err != nil {
			r.logger.Warn("history record failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	if r.publisher != nil && r.cfg.CompletionTopic != "" {
		event := completionEvent{
			JobID:      job.ID,
			Status:     string(result.Status),
			Error:      result.Error,
			FinishedAt: finished,
		}
		if result.Receipt != nil {
			event.Location = result.Receipt.Location
			event.Bytes = result.Receipt.Bytes
			event.SHA256 = result.Receipt.SHA256
		}
		if _, err := r.publisher.Publish(ctx, r.cfg.CompletionTopic, event); err != nil {
			r.logger.Warn("completion event failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func lostLease(ctx context.Context, result pipeline.Result) bool {
	if errors.Is(context.Cause(ctx), pipeline.ErrLeaseLost) {
		return true
	}
	return result.Status == pipeline.OutcomeAborted && result.Error == pipeline.ErrLeaseLost.Error()
}

// leaseKeeper renews the job lease in the background and cancels the job
// context when the coordinator reports the lease gone.
type leaseKeeper struct {
	coordinator pipeline.Coordinator
	job         *pipeline.Job
	clock       pipeline.Clock
	logger      *zap.Logger

	mu        sync.Mutex
	expiresAt time.Time
	lost      bool

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newLeaseKeeper(c pipeline.Coordinator, job *pipeline.Job, clock pipeline.Clock, logger *zap.Logger) *leaseKeeper {
	return &leaseKeeper{
		coordinator: c,
		job:         job,
		clock:       clock,
		logger:      logger,
		expiresAt:   job.Lease.ExpiresAt,
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// start launches the renewal loop. Jobs without a lease duration carry an
// unbounded claim and need no keeper.
func (k *leaseKeeper) start(ctx context.Context, cancel context.CancelCauseFunc) {
	if k.job.Lease.Duration <= 0 {
		close(k.done)
		return
	}
	interval := k.job.Lease.Duration / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-k.stopped:
				return
			case <-ticker.C:
				expires, err := k.coordinator.RenewLease(ctx, k.job.ID)
				switch {
				case err == nil:
					k.mu.Lock()
					k.expiresAt = expires
					k.mu.Unlock()
					metrics.ObserveLeaseRenewal("ok")
				case errors.Is(err, pipeline.ErrLeaseLost):
					k.logger.Warn("lease lost during renewal")
					k.mu.Lock()
					k.lost = true
					k.mu.Unlock()
					metrics.ObserveLeaseRenewal("lost")
					cancel(pipeline.ErrLeaseLost)
					return
				default:
					// Transient renewal failures are tolerated while
					// the current lease still has runway.
					k.logger.Warn("lease renewal failed", zap.Error(err))
					metrics.ObserveLeaseRenewal("error")
				}
			}
		}
	}()
}

// stop terminates the renewal loop and waits for it to exit.
func (k *leaseKeeper) stop() {
	k.stopOnce.Do(func() { close(k.stopped) })
	<-k.done
}

// held reports whether the lease is still believed to be ours.
func (k *leaseKeeper) held() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.lost {
		return false
	}
	if k.job.Lease.Duration <= 0 {
		return true
	}
	return !k.expiresAt.IsZero() && k.clock.Now().Before(k.expiresAt)
}
