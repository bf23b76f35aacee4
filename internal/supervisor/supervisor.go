// Package supervisor runs the claim loop that feeds jobs to runners.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/archivekit/packd/internal/pipeline"
	"github.com/archivekit/packd/internal/runner"
)

// Config controls the claim loop.
type Config struct {
	// PollInterval is how long to sleep after an empty claim.
	PollInterval time.Duration
	// MaxJobs bounds how many jobs run at once.
	MaxJobs int
	// ShutdownGrace is how long in-flight jobs get to finish after a
	// shutdown signal before they are cancelled.
	ShutdownGrace time.Duration
}

// Supervisor claims jobs until its context is cancelled, dispatching each to
// a runner goroutine.
type Supervisor struct {
	coordinator pipeline.Coordinator
	runner      *runner.Runner
	cfg         Config
	logger      *zap.Logger
	active      atomic.Int64
	claimed     atomic.Int64
}

// New builds a Supervisor.
func New(coordinator pipeline.Coordinator, r *runner.Runner, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		coordinator: coordinator,
		runner:      r,
		cfg:         cfg,
		logger:      logger,
	}
}

// ActiveJobs returns how many jobs are currently running.
func (s *Supervisor) ActiveJobs() int { return int(s.active.Load()) }

// ClaimedJobs returns how many jobs have been claimed since start.
func (s *Supervisor) ClaimedJobs() int { return int(s.claimed.Load()) }

// Run claims and dispatches jobs until ctx is cancelled, then waits up to the
// shutdown grace period for in-flight jobs to settle. Cancelling ctx cancels
// every job's fetch scope immediately; the grace window exists for the
// upload/report tail, which each runner keeps alive past cancellation. Run
// only returns an error when the drain deadline expires with jobs still
// running.
func (s *Supervisor) Run(ctx context.Context) error {
	sem := make(chan struct{}, s.cfg.MaxJobs)
	var wg sync.WaitGroup

	retry := pipeline.NewRetryPolicy(0, s.cfg.PollInterval, 10*s.cfg.PollInterval)
	unreachable := 0

claimLoop:
	for {
		select {
		case <-ctx.Done():
			break claimLoop
		case sem <- struct{}{}:
		}

		job, err := s.coordinator.ClaimJob(ctx)
		switch {
		case err != nil:
			<-sem
			if ctx.Err() != nil {
				break claimLoop
			}
			if errors.Is(err, pipeline.ErrCoordinatorUnreachable) {
				unreachable++
				delay := retry.Backoff(unreachable - 1)
				s.logger.Warn("coordinator unreachable, backing off",
					zap.Int("consecutive", unreachable),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
				sleep(ctx, delay)
				continue
			}
			s.logger.Error("claim failed", zap.Error(err))
			sleep(ctx, s.cfg.PollInterval)
			continue
		case job == nil:
			<-sem
			unreachable = 0
			sleep(ctx, s.cfg.PollInterval)
			continue
		}

		unreachable = 0
		s.claimed.Add(1)
		s.active.Add(1)
		wg.Add(1)
		s.logger.Info("job claimed",
			zap.String("job_id", job.ID),
			zap.Int("assets", len(job.Assets)),
			zap.Int64("active", s.active.Load()),
		)
		go func(job *pipeline.Job) {
			defer func() {
				s.active.Add(-1)
				<-sem
				wg.Done()
			}()
			result := s.runner.Run(ctx, job)
			s.logger.Info("job finished",
				zap.String("job_id", job.ID),
				zap.String("status", string(result.Status)),
			)
		}(job)
	}

	s.logger.Info("shutting down, draining jobs",
		zap.Int64("active", s.active.Load()),
		zap.Duration("grace", s.cfg.ShutdownGrace),
	)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		// Jobs past the deadline are abandoned; the coordinator reclaims
		// them when their leases lapse.
		return errors.New("shutdown grace expired with jobs in flight")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
