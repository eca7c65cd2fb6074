// Package projectlock implements the project lock manager (C5): a
// TTL-bounded, per-project exclusive lease keyed by owner identity.
package projectlock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/eventlog"
)

const (
	// DefaultTTL is used when a caller does not specify one.
	DefaultTTL = 30 * time.Second
	minTTL     = 5 * time.Second
	maxTTL     = 300 * time.Second
)

// NormalizeTTL clamps a requested TTL to [5s, 300s], substituting
// DefaultTTL when ttl is zero.
func NormalizeTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// Lock is a snapshot of a single project's active lock.
type Lock struct {
	OwnerAgentID   string
	OwnerSessionID string
	Token          string
	AcquiredAt     time.Time
	HeartbeatAt    time.Time
	ExpiresAt      time.Time
	Mode           string
}

func (l *Lock) sameOwner(agentID, sessionID string) bool {
	return l.OwnerAgentID == agentID && l.OwnerSessionID == sessionID
}

func (l *Lock) view() *domain.LockView {
	if l == nil {
		return nil
	}
	return &domain.LockView{
		OwnerAgentID:   l.OwnerAgentID,
		OwnerSessionID: l.OwnerSessionID,
		Mode:           l.Mode,
		Token:          l.Token,
	}
}

// ConflictError is returned when a different owner already holds the lock.
type ConflictError struct {
	OwnerAgentID   string
	OwnerSessionID string
	ExpiresAt      time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("project locked by agent %q (session %q) until %s", e.OwnerAgentID, e.OwnerSessionID, e.ExpiresAt)
}

type entry struct {
	scope domain.Scope
	lock  *Lock
}

type key struct {
	workspaceID string
	projectID   string
}

// Manager is the in-process, mutex-protected lock table.
type Manager struct {
	clk    clock.Clock
	events *eventlog.Log

	mu      sync.Mutex
	entries map[key]*entry
}

// New creates an empty Manager.
func New(clk clock.Clock, events *eventlog.Log) *Manager {
	return &Manager{clk: clk, events: events, entries: make(map[key]*entry)}
}

func keyOf(scope domain.Scope) key {
	return key{workspaceID: scope.WorkspaceID, projectID: scope.ProjectID}
}

// sweepExpiredLocked releases any lock whose ExpiresAt has elapsed. Caller
// must hold mu.
func (m *Manager) sweepExpiredLocked(now time.Time) {
	for k, e := range m.entries {
		if !e.lock.ExpiresAt.After(now) {
			delete(m.entries, k)
			m.emitSnapshot(e.scope, nil)
		}
	}
}

func (m *Manager) emitSnapshot(scope domain.Scope, lock *Lock) {
	if m.events == nil {
		return
	}
	m.events.AppendSnapshotIfChanged(scope, domain.ProjectSnapshotPayload{
		Scope: scope,
		Lock:  lock.view(),
	})
}

// Acquire acquires, renews, or rejects a lock request per spec.md §4.5.
func (m *Manager) Acquire(scope domain.Scope, ownerAgentID, ownerSessionID string, ttl time.Duration) (*Lock, error) {
	ttl = NormalizeTTL(ttl)
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked(now)

	k := keyOf(scope)
	if e, ok := m.entries[k]; ok {
		if !e.lock.sameOwner(ownerAgentID, ownerSessionID) {
			return nil, &ConflictError{
				OwnerAgentID:   e.lock.OwnerAgentID,
				OwnerSessionID: e.lock.OwnerSessionID,
				ExpiresAt:      e.lock.ExpiresAt,
			}
		}
		e.lock.HeartbeatAt = now
		e.lock.ExpiresAt = now.Add(ttl)
		m.emitSnapshot(scope, e.lock)
		out := *e.lock
		return &out, nil
	}

	lock := &Lock{
		OwnerAgentID:   ownerAgentID,
		OwnerSessionID: ownerSessionID,
		Token:          uuid.NewString(),
		AcquiredAt:     now,
		HeartbeatAt:    now,
		ExpiresAt:      now.Add(ttl),
		Mode:           "mcp",
	}
	m.entries[k] = &entry{scope: scope, lock: lock}
	m.emitSnapshot(scope, lock)

	out := *lock
	return &out, nil
}

// Renew extends an existing lock held by (ownerAgentID, ownerSessionID).
// Unlike Acquire, Renew is a no-op (returns nil, nil) rather than an error
// when the lock is absent or held by someone else.
func (m *Manager) Renew(scope domain.Scope, ownerAgentID, ownerSessionID string, ttl time.Duration) (*Lock, error) {
	ttl = NormalizeTTL(ttl)
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked(now)

	k := keyOf(scope)
	e, ok := m.entries[k]
	if !ok || !e.lock.sameOwner(ownerAgentID, ownerSessionID) {
		return nil, nil
	}

	e.lock.HeartbeatAt = now
	e.lock.ExpiresAt = now.Add(ttl)
	m.emitSnapshot(scope, e.lock)

	out := *e.lock
	return &out, nil
}

// Release removes the lock if owned by (ownerAgentID, ownerSessionID).
// Returns true if a lock was released.
func (m *Manager) Release(scope domain.Scope, ownerAgentID, ownerSessionID string) bool {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked(now)

	k := keyOf(scope)
	e, ok := m.entries[k]
	if !ok || !e.lock.sameOwner(ownerAgentID, ownerSessionID) {
		return false
	}

	delete(m.entries, k)
	m.emitSnapshot(scope, nil)
	return true
}

// ReleaseByOwner releases every lock owned by ownerAgentID. If
// ownerSessionID is non-empty, only locks matching that specific session
// are released; used when an MCP session terminates.
func (m *Manager) ReleaseByOwner(ownerAgentID, ownerSessionID string) int {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked(now)

	released := 0
	for k, e := range m.entries {
		if e.lock.OwnerAgentID != ownerAgentID {
			continue
		}
		if ownerSessionID != "" && e.lock.OwnerSessionID != ownerSessionID {
			continue
		}
		delete(m.entries, k)
		m.emitSnapshot(e.scope, nil)
		released++
	}
	return released
}

// Get returns the current lock for scope, if any, after sweeping expired
// locks.
func (m *Manager) Get(scope domain.Scope) (*Lock, bool) {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepExpiredLocked(now)

	e, ok := m.entries[keyOf(scope)]
	if !ok {
		return nil, false
	}
	out := *e.lock
	return &out, true
}
