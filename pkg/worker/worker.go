// Package worker implements the Worker Loop (C11): claim-next, execute,
// complete/fail, with a lease-renewing heartbeat, supervised across a
// configurable number of concurrent workers via errgroup.
package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/internal/logger"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/jobqueue"
)

// Result is a backend's outcome for one executed job.
type Result struct {
	Value any
	Err   error
}

// Executor runs one job to completion. Implementations are expected to
// honor ctx cancellation (heartbeat failure aborts the job locally).
type Executor interface {
	Execute(ctx context.Context, kind string, payload map[string]any) (any, error)
}

// Options configures a Pool.
type Options struct {
	// Concurrency is the number of worker goroutines claiming jobs
	// independently. Defaults to 1.
	Concurrency int

	// IdleBackoff is how long a worker sleeps after finding no claimable
	// job. Defaults to 200ms.
	IdleBackoff time.Duration

	// HeartbeatPeriod is how often a claimed job's lease is renewed.
	// Must be less than half the job's lease to leave margin for the
	// renewal round-trip; if zero, it is derived per-job as leaseMs/3.
	HeartbeatPeriod time.Duration
}

// Pool supervises N worker loops against a shared jobqueue.Queue.
type Pool struct {
	clk      clock.Clock
	sleeper  clock.Sleeper
	queue    *jobqueue.Queue
	executor Executor
	opts     Options
}

// New creates a Pool. sleeper controls the idle backoff and heartbeat
// cadence so tests can run without real waiting.
func New(clk clock.Clock, sleeper clock.Sleeper, queue *jobqueue.Queue, executor Executor, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = 200 * time.Millisecond
	}
	return &Pool{clk: clk, sleeper: sleeper, queue: queue, executor: executor, opts: opts}
}

// Run starts opts.Concurrency worker loops and blocks until ctx is
// canceled, returning the first non-context error encountered (if any).
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return p.loop(gctx, workerID)
		})
	}
	err := g.Wait()
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// loop is the per-worker claim/execute/complete cycle (spec.md §4.11).
func (p *Pool) loop(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, ok := p.queue.ClaimNext(workerID)
		if !ok {
			p.sleeper.Sleep(p.opts.IdleBackoff)
			continue
		}

		p.runOne(ctx, workerID, job)
	}
}

// runOne executes a single claimed job with a concurrent heartbeat,
// aborting locally if the heartbeat discovers the lease was reclaimed.
func (p *Pool) runOne(ctx context.Context, workerID string, job *domain.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reclaimed := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go p.heartbeat(jobCtx, workerID, job, cancel, reclaimed, heartbeatDone)
	defer func() { <-heartbeatDone }()

	value, err := p.executor.Execute(jobCtx, job.Kind, job.Payload)
	cancel()

	select {
	case <-reclaimed:
		// Heartbeat discovered the lease is gone; don't report an outcome
		// against a lease we no longer hold.
		return
	default:
	}

	if err != nil {
		if ferr := p.queue.Fail(job.ID, err.Error()); ferr != nil {
			logger.Warnf("worker %s: failed to mark job %s failed: %v", workerID, job.ID, ferr)
		}
		return
	}
	if cerr := p.queue.Complete(job.ID, value); cerr != nil {
		logger.Warnf("worker %s: failed to mark job %s complete: %v", workerID, job.ID, cerr)
	}
}

// heartbeat renews job's lease on a period less than leaseMs/2 until
// ctx is done. If the lease was reclaimed (or an unexpected error
// occurs), it closes reclaimed and cancels the job's execution context
// so Execute aborts locally, per spec.md §4.11.
func (p *Pool) heartbeat(ctx context.Context, workerID string, job *domain.Job, cancel context.CancelFunc, reclaimed, done chan<- struct{}) {
	defer close(done)

	period := p.opts.HeartbeatPeriod
	if period <= 0 {
		period = time.Duration(job.LeaseMs) * time.Millisecond / 3
	}
	if period <= 0 {
		period = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// Wait out the period on a helper goroutine so a canceled ctx
		// (job finished or aborted) ends the heartbeat without waiting.
		wake := make(chan struct{})
		go func() {
			p.sleeper.Sleep(period)
			close(wake)
		}()
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, err := p.queue.Heartbeat(job.ID, workerID)
		if err != nil {
			logger.Warnf("worker %s: heartbeat error for job %s: %v", workerID, job.ID, err)
			close(reclaimed)
			cancel()
			return
		}
		if !ok {
			logger.Warnf("worker %s: lease for job %s was reclaimed, aborting locally", workerID, job.ID)
			close(reclaimed)
			cancel()
			return
		}
	}
}

// Clock exposes the pool's time source, primarily for tests asserting
// on elapsed fake time.
func (p *Pool) Clock() clock.Clock { return p.clk }
