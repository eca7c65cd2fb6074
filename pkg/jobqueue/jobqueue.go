// Package jobqueue implements the asynchronous job state machine (C4):
// submit -> claim (lease) -> complete/fail, with retry backoff and
// dead-lettering once a job exhausts its attempt budget.
package jobqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/eventlog"
)

const (
	minMaxAttempts     = 1
	maxMaxAttempts     = 10
	defaultMaxAttempts = 3

	minLease     = 5 * time.Second
	maxLease     = 300 * time.Second
	defaultLease = 30 * time.Second
)

// NormalizeMaxAttempts clamps a requested attempt budget to [1, 10],
// substituting the default of 3 when n is zero.
func NormalizeMaxAttempts(n int) int {
	if n == 0 {
		n = defaultMaxAttempts
	}
	if n < minMaxAttempts {
		return minMaxAttempts
	}
	if n > maxMaxAttempts {
		return maxMaxAttempts
	}
	return n
}

// NormalizeLease clamps a requested lease duration to [5s, 300s],
// substituting the default of 30s when d is zero.
func NormalizeLease(d time.Duration) time.Duration {
	if d == 0 {
		d = defaultLease
	}
	if d < minLease {
		return minLease
	}
	if d > maxLease {
		return maxLease
	}
	return d
}

// nextRetryDelay computes the exponential retry delay for the given
// attempt count, monotone in attemptCount with a base of at least
// leaseMs/2, per spec.md's open backoff-schedule question. Schedule:
// base * 2^(n-1), capped at 5 minutes, where base = max(lease/2, 1s).
// Delegates the progression itself to cenkalti/backoff/v5's
// ExponentialBackOff with randomization disabled, so the schedule is
// deterministic and reproducible across gateway restarts.
func nextRetryDelay(attemptCount int, lease time.Duration) time.Duration {
	base := lease / 2
	if base < time.Second {
		base = time.Second
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxLease),
		backoff.WithRandomizationFactor(0),
	)

	var d time.Duration
	for i := 0; i < attemptCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SubmitInput is the caller-supplied shape for Submit.
type SubmitInput struct {
	Scope       domain.Scope
	Kind        string
	Payload     map[string]any
	MaxAttempts int
	Lease       time.Duration
}

// Queue is the in-process job table.
type Queue struct {
	clk    clock.Clock
	events *eventlog.Log

	mu    sync.Mutex
	jobs  map[string]*domain.Job
	order []string // submission order, for fair claimNext scanning
}

// New creates an empty Queue.
func New(clk clock.Clock, events *eventlog.Log) *Queue {
	return &Queue{clk: clk, events: events, jobs: make(map[string]*domain.Job)}
}

// Submit validates and records a new job, returning it in the queued
// state.
func (q *Queue) Submit(in SubmitInput) *domain.Job {
	now := q.clk.Now()
	lease := NormalizeLease(in.Lease)

	job := &domain.Job{
		ID:          uuid.NewString(),
		WorkspaceID: in.Scope.WorkspaceID,
		ProjectID:   in.Scope.ProjectID,
		Kind:        in.Kind,
		Payload:     in.Payload,
		Status:      domain.JobQueued,
		MaxAttempts: NormalizeMaxAttempts(in.MaxAttempts),
		LeaseMs:     lease.Milliseconds(),
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.mu.Unlock()

	if q.events != nil {
		q.events.Append(in.Scope, domain.EventJobSubmitted, jobSnapshot(job))
		q.events.AppendSnapshotIfChanged(in.Scope, domain.ProjectSnapshotPayload{Scope: in.Scope})
	}

	out := *job
	return &out
}

// reclaimExpiredLocked reverts any running job whose lease has elapsed
// back to queued, retaining its attempt count. Caller must hold mu.
func (q *Queue) reclaimExpiredLocked(now time.Time) {
	for _, job := range q.jobs {
		if job.Status == domain.JobRunning && job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(now) {
			job.Status = domain.JobQueued
			job.WorkerID = ""
			job.LeaseExpiresAt = nil
			job.UpdatedAt = now
		}
	}
}

// ClaimNext atomically reclaims expired leases, then returns the first
// eligible queued job (ordered by submit time, tie-broken by id) claimed
// on behalf of workerID.
func (q *Queue) ClaimNext(workerID string) (*domain.Job, bool) {
	now := q.clk.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimExpiredLocked(now)

	// Pick the eligible job with the earliest SubmittedAt; equal submit
	// times are broken by the lexically smaller job id.
	var chosen *domain.Job
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status != domain.JobQueued {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		if chosen == nil || job.SubmittedAt.Before(chosen.SubmittedAt) ||
			(job.SubmittedAt.Equal(chosen.SubmittedAt) && job.ID < chosen.ID) {
			chosen = job
		}
	}

	if chosen == nil {
		return nil, false
	}

	lease := time.Duration(chosen.LeaseMs) * time.Millisecond
	chosen.Status = domain.JobRunning
	chosen.WorkerID = workerID
	chosen.AttemptCount++
	expires := now.Add(lease)
	chosen.LeaseExpiresAt = &expires
	chosen.NextRetryAt = nil
	chosen.UpdatedAt = now

	if q.events != nil {
		q.events.Append(domain.Scope{WorkspaceID: chosen.WorkspaceID, ProjectID: chosen.ProjectID}, domain.EventJobClaimed, jobSnapshot(chosen))
	}

	out := *chosen
	return &out, true
}

// Complete marks a running job completed, storing its result.
func (q *Queue) Complete(jobID string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	if job.Status != domain.JobRunning {
		return fmt.Errorf("job %q is not running (status=%s)", jobID, job.Status)
	}

	job.Status = domain.JobCompleted
	job.Result = result
	job.LeaseExpiresAt = nil
	job.UpdatedAt = q.clk.Now()

	if q.events != nil {
		q.events.Append(domain.Scope{WorkspaceID: job.WorkspaceID, ProjectID: job.ProjectID}, domain.EventJobCompleted, jobSnapshot(job))
	}
	return nil
}

// Fail marks a running job failed, either scheduling a retry or
// dead-lettering it once its attempt budget is exhausted.
func (q *Queue) Fail(jobID string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	if job.Status != domain.JobRunning {
		return fmt.Errorf("job %q is not running (status=%s)", jobID, job.Status)
	}

	now := q.clk.Now()
	job.Error = errMsg
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now

	scope := domain.Scope{WorkspaceID: job.WorkspaceID, ProjectID: job.ProjectID}

	if job.AttemptCount < job.MaxAttempts {
		job.Status = domain.JobQueued
		delay := nextRetryDelay(job.AttemptCount, time.Duration(job.LeaseMs)*time.Millisecond)
		next := now.Add(delay)
		job.NextRetryAt = &next
		if q.events != nil {
			q.events.Append(scope, domain.EventJobFailed, jobSnapshot(job))
		}
		return nil
	}

	job.Status = domain.JobFailed
	job.DeadLetter = true
	if q.events != nil {
		q.events.Append(scope, domain.EventJobDeadLetter, jobSnapshot(job))
	}
	return nil
}

// Heartbeat renews a running job's lease by its configured lease
// duration, provided workerID still owns it. Returns false (no error)
// if the job has already been reclaimed by another worker or is no
// longer running, signaling the caller to abort locally per spec.md
// §4.11.
func (q *Queue) Heartbeat(jobID, workerID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %q not found", jobID)
	}
	if job.Status != domain.JobRunning || job.WorkerID != workerID {
		return false, nil
	}

	now := q.clk.Now()
	lease := time.Duration(job.LeaseMs) * time.Millisecond
	expires := now.Add(lease)
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = now
	return true, nil
}

// Get returns a copy of the job with the given id.
func (q *Queue) Get(jobID string) (*domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	out := *job
	return &out, true
}

func jobSnapshot(job *domain.Job) domain.Job {
	return *job
}
