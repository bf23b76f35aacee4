// Package scheduler fans asset fetches out under a fixed concurrency cap and
// delivers results to the archiver through a bounded channel.
package scheduler

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archivekit/packd/internal/metrics"
	"github.com/archivekit/packd/internal/pipeline"
)

// Config controls scheduler behavior.
type Config struct {
	// Concurrency caps simultaneous fetches per job.
	Concurrency int
	// QueueDepth bounds the results channel; a full channel blocks
	// producers so a slow archiver applies backpressure to fetches.
	QueueDepth int
	// AbortOnFailure cancels all remaining fetches after the first
	// exhausted-retry failure instead of continuing best-effort.
	AbortOnFailure bool
}

// Scheduler runs fetches for a job's asset list.
type Scheduler struct {
	fetcher  pipeline.Fetcher
	cfg      Config
	logger   *zap.Logger
	inFlight atomic.Int64
}

// New constructs a Scheduler.
func New(fetcher pipeline.Fetcher, cfg Config, logger *zap.Logger) *Scheduler {
	metrics.Init()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
	}
}

// InFlight reports the number of fetches currently running.
func (s *Scheduler) InFlight() int64 {
	return s.inFlight.Load()
}

// Run starts fetching every descriptor and returns the results channel. The
// channel delivers in completion order, not descriptor order, and is closed
// once all work is resolved or the context ends. Stream ownership transfers
// to the receiver; results not yet sent when the context ends are closed
// internally.
func (s *Scheduler) Run(ctx context.Context, assets []pipeline.AssetDescriptor) <-chan pipeline.FetchResult {
	out := make(chan pipeline.FetchResult, s.cfg.QueueDepth)

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)

		for _, d := range assets {
			if gctx.Err() != nil {
				break
			}
			d := d
			g.Go(func() error {
				s.inFlight.Add(1)
				metrics.IncInFlightFetches()
				res := s.fetcher.Fetch(gctx, d)
				s.inFlight.Add(-1)
				metrics.DecInFlightFetches()

				select {
				case out <- res:
				case <-gctx.Done():
					if res.Body != nil {
						_ = res.Body.Close()
					}
					return gctx.Err()
				}
				if res.Err != nil && s.cfg.AbortOnFailure {
					s.logger.Warn("aborting job on first asset failure",
						zap.String("url", d.URL),
						zap.Error(res.Err),
					)
					return res.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			s.logger.Debug("scheduler drained early", zap.Error(err))
		}
	}()

	return out
}
