package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/eventlog"
	"github.com/sigee-min/bbmcp-sub010/pkg/jobqueue"
)

type funcExecutor struct {
	fn func(ctx context.Context, kind string, payload map[string]any) (any, error)
}

func (f funcExecutor) Execute(ctx context.Context, kind string, payload map[string]any) (any, error) {
	return f.fn(ctx, kind, payload)
}

func testScope() domain.Scope {
	return domain.Scope{TenantID: "default", WorkspaceID: "w1", ProjectID: "p1"}
}

func TestPool_ExecutesAndCompletesJob(t *testing.T) {
	t.Parallel()
	queue := jobqueue.New(clock.Real{}, eventlog.New(clock.Real{}))
	job := queue.Submit(jobqueue.SubmitInput{Scope: testScope(), Kind: "render", Payload: map[string]any{"frames": 10}, Lease: time.Second})

	var gotKind string
	var gotPayload map[string]any
	exec := funcExecutor{fn: func(_ context.Context, kind string, payload map[string]any) (any, error) {
		gotKind = kind
		gotPayload = payload
		return "rendered", nil
	}}

	pool := New(clock.Real{}, clock.Real{}, queue, exec, Options{Concurrency: 1, IdleBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	final, ok := queue.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, domain.JobCompleted, final.Status)
	assert.Equal(t, "rendered", final.Result)
	assert.Equal(t, "render", gotKind)
	assert.Equal(t, 10, gotPayload["frames"])
}

func TestPool_ExecutorError_FailsJob(t *testing.T) {
	t.Parallel()
	queue := jobqueue.New(clock.Real{}, eventlog.New(clock.Real{}))
	job := queue.Submit(jobqueue.SubmitInput{Scope: testScope(), Kind: "render", MaxAttempts: 1, Lease: time.Second})

	exec := funcExecutor{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("render failed")
	}}
	pool := New(clock.Real{}, clock.Real{}, queue, exec, Options{Concurrency: 1, IdleBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	final, ok := queue.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, domain.JobFailed, final.Status)
	assert.True(t, final.DeadLetter)
}

func TestPool_NoJobsAvailable_IdlesWithoutError(t *testing.T) {
	t.Parallel()
	queue := jobqueue.New(clock.Real{}, eventlog.New(clock.Real{}))
	exec := funcExecutor{fn: func(context.Context, string, map[string]any) (any, error) {
		t.Fatal("executor should not be invoked with no jobs queued")
		return nil, nil
	}}
	pool := New(clock.Real{}, clock.Real{}, queue, exec, Options{Concurrency: 2, IdleBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Run(ctx)
	assert.NoError(t, err)
}

func TestPool_HeartbeatRenewsLease_LongRunningJobSurvives(t *testing.T) {
	t.Parallel()
	queue := jobqueue.New(clock.Real{}, eventlog.New(clock.Real{}))
	job := queue.Submit(jobqueue.SubmitInput{Scope: testScope(), Kind: "render", Lease: 60 * time.Millisecond})

	exec := funcExecutor{fn: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		select {
		case <-time.After(150 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	pool := New(clock.Real{}, clock.Real{}, queue, exec, Options{Concurrency: 1, IdleBackoff: 5 * time.Millisecond, HeartbeatPeriod: 15 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	final, ok := queue.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, domain.JobCompleted, final.Status, "heartbeat should have kept the lease alive through the 150ms job")
	assert.Equal(t, "done", final.Result)
}

func TestPool_ConcurrencyClaimsDistinctJobs(t *testing.T) {
	t.Parallel()
	queue := jobqueue.New(clock.Real{}, eventlog.New(clock.Real{}))
	for i := 0; i < 5; i++ {
		queue.Submit(jobqueue.SubmitInput{Scope: testScope(), Kind: "render", Lease: time.Second})
	}

	var executed int64
	exec := funcExecutor{fn: func(context.Context, string, map[string]any) (any, error) {
		atomic.AddInt64(&executed, 1)
		return "ok", nil
	}}
	pool := New(clock.Real{}, clock.Real{}, queue, exec, Options{Concurrency: 3, IdleBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	assert.Equal(t, int64(5), atomic.LoadInt64(&executed))
}
