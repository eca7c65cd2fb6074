// Package eventlog implements the per-project event log (C3): an
// append-only, monotonically-sequenced record of project snapshots and job
// lifecycle events, with cursor-based replay for SSE subscribers.
package eventlog

import (
	"sync"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
)

type projectLog struct {
	events       []domain.ProjectEvent
	lastSeq      uint64
	lastSnapshot *domain.ProjectSnapshotPayload
}

// Log is the in-process event log, partitioned per project scope.
type Log struct {
	clk clock.Clock

	mu       sync.Mutex
	projects map[domain.Scope]*projectLog
}

// New creates an empty Log using clk as its time source.
func New(clk clock.Clock) *Log {
	return &Log{clk: clk, projects: make(map[domain.Scope]*projectLog)}
}

func (l *Log) projectLocked(scope domain.Scope) *projectLog {
	p, ok := l.projects[scope]
	if !ok {
		p = &projectLog{}
		l.projects[scope] = p
	}
	return p
}

// Append adds a new event for scope, bumping its sequence counter, and
// returns the recorded event.
func (l *Log) Append(scope domain.Scope, kind domain.EventKind, payload any) domain.ProjectEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.projectLocked(scope)
	p.lastSeq++
	evt := domain.ProjectEvent{
		Seq:     p.lastSeq,
		Event:   kind,
		Payload: payload,
		At:      l.clk.Now(),
	}
	p.events = append(p.events, evt)
	if snap, ok := payload.(domain.ProjectSnapshotPayload); ok && kind == domain.EventProjectSnapshot {
		s := snap
		p.lastSnapshot = &s
	}
	return evt
}

// AppendSnapshotIfChanged appends a project_snapshot event only if the
// visible diff against the previously recorded snapshot differs (spec.md
// §4.3: idempotent against no-op changes). It reports whether an event was
// appended.
func (l *Log) AppendSnapshotIfChanged(scope domain.Scope, snapshot domain.ProjectSnapshotPayload) (domain.ProjectEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.projectLocked(scope)
	if p.lastSnapshot != nil &&
		p.lastSnapshot.Revision == snapshot.Revision &&
		p.lastSnapshot.Lock.Equal(snapshot.Lock) {
		return domain.ProjectEvent{}, false
	}

	p.lastSeq++
	evt := domain.ProjectEvent{
		Seq:     p.lastSeq,
		Event:   domain.EventProjectSnapshot,
		Payload: snapshot,
		At:      l.clk.Now(),
	}
	p.events = append(p.events, evt)
	s := snapshot
	p.lastSnapshot = &s
	return evt, true
}

// Since returns all events for scope with Seq > cursor, in ascending
// order.
func (l *Log) Since(scope domain.Scope, cursor uint64) []domain.ProjectEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.projects[scope]
	if !ok {
		return nil
	}

	out := make([]domain.ProjectEvent, 0, len(p.events))
	for _, evt := range p.events {
		if evt.Seq > cursor {
			out = append(out, evt)
		}
	}
	return out
}

// LastSeq returns the most recently assigned sequence number for scope, or
// 0 if no events have been appended.
func (l *Log) LastSeq(scope domain.Scope) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[scope]
	if !ok {
		return 0
	}
	return p.lastSeq
}
