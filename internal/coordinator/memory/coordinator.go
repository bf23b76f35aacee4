// Package memory provides an in-memory coordinator for tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/archivekit/packd/internal/pipeline"
)

// Coordinator hands out queued jobs and records reported results.
type Coordinator struct {
	mu       sync.Mutex
	queue    []*pipeline.Job
	results  map[string]pipeline.Result
	renewals map[string]int
	lost     map[string]bool

	claimErr  error
	reportErr error
	leaseFor  time.Duration
}

// New builds an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		results:  make(map[string]pipeline.Result),
		renewals: make(map[string]int),
		lost:     make(map[string]bool),
		leaseFor: 30 * time.Second,
	}
}

// Enqueue adds a job to the claim queue.
func (c *Coordinator) Enqueue(job *pipeline.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, job)
}

// FailClaims makes every subsequent ClaimJob return err.
func (c *Coordinator) FailClaims(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimErr = err
}

// FailReports makes every subsequent ReportResult return err.
func (c *Coordinator) FailReports(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportErr = err
}

// LoseLease makes renewals for jobID fail with ErrLeaseLost.
func (c *Coordinator) LoseLease(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost[jobID] = true
}

// ClaimJob pops the next queued job, or returns (nil, nil) when idle.
func (c *Coordinator) ClaimJob(ctx context.Context) (*pipeline.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return nil, c.claimErr
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	job := c.queue[0]
	c.queue = c.queue[1:]
	if job.Lease.Duration == 0 {
		job.Lease.Duration = c.leaseFor
	}
	if job.Lease.ExpiresAt.IsZero() {
		job.Lease.ExpiresAt = time.Now().Add(job.Lease.Duration)
	}
	return job, nil
}

// RenewLease extends the lease unless the job was marked lost.
func (c *Coordinator) RenewLease(ctx context.Context, jobID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewals[jobID]++
	if c.lost[jobID] {
		return time.Time{}, pipeline.ErrLeaseLost
	}
	return time.Now().Add(c.leaseFor), nil
}

// ReportResult records the terminal outcome for a job.
func (c *Coordinator) ReportResult(ctx context.Context, jobID string, result pipeline.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reportErr != nil {
		return c.reportErr
	}
	c.results[jobID] = result
	return nil
}

// Result returns the reported result for jobID, if any.
func (c *Coordinator) Result(jobID string) (pipeline.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[jobID]
	return r, ok
}

// Renewals returns how many times jobID's lease was renewed.
func (c *Coordinator) Renewals(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renewals[jobID]
}

// Pending returns how many jobs remain queued.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
