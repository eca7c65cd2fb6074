// Package mcpsession implements the MCP session store (C2): tracking of
// active sessions, their attached SSE connections, and staleness pruning.
package mcpsession

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
)

// KeySpace distinguishes the two kinds of authenticated principal.
type KeySpace string

// Supported key spaces.
const (
	KeySpaceService   KeySpace = "service"
	KeySpaceWorkspace KeySpace = "workspace"
)

// Principal is the authentication outcome attached to a session.
type Principal struct {
	KeySpace    KeySpace
	KeyID       string
	AccountID   string
	WorkspaceID string
	SystemRoles []string
}

// HasSystemRole reports whether the principal carries the given role.
func (p *Principal) HasSystemRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.SystemRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Conn is an attached SSE stream. Implementations report whether the
// underlying connection has been closed so pruneStale can reclaim sessions
// whose streams are all dead.
type Conn interface {
	Closed() bool
}

// Session is a single MCP session: protocol version, authenticated
// principal, and the set of SSE connections currently attached to it.
type Session struct {
	id              string
	protocolVersion string
	principal       *Principal

	mu         sync.Mutex
	sseConns   map[Conn]struct{}
	lastSeenAt time.Time
}

// ID returns the server-generated session identifier.
func (s *Session) ID() string { return s.id }

// ProtocolVersion returns the protocol version negotiated at initialize.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

// Principal returns the authenticated principal for this session.
func (s *Session) Principal() *Principal { return s.principal }

// LastSeenAt returns the last time the session was touched.
func (s *Session) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeenAt = now
	s.mu.Unlock()
}

func (s *Session) attachSSE(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sseConns == nil {
		s.sseConns = make(map[Conn]struct{})
	}
	s.sseConns[c] = struct{}{}
}

func (s *Session) detachSSE(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sseConns, c)
}

// hasLiveConnection reports whether any attached SSE connection is still
// open.
func (s *Session) hasLiveConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.sseConns {
		if !c.Closed() {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of SSE connections currently attached.
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sseConns)
}

// Store is the in-process, single-instance session table.
type Store struct {
	clk clock.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store using clk as its time source.
func NewStore(clk clock.Clock) *Store {
	return &Store{clk: clk, sessions: make(map[string]*Session)}
}

// Create allocates a new session with an unguessable id, records it, and
// returns it.
func (st *Store) Create(protocolVersion string, principal *Principal) *Session {
	sess := &Session{
		id:              uuid.NewString(),
		protocolVersion: protocolVersion,
		principal:       principal,
		sseConns:        make(map[Conn]struct{}),
		lastSeenAt:      st.clk.Now(),
	}

	st.mu.Lock()
	st.sessions[sess.id] = sess
	st.mu.Unlock()

	return sess
}

// Get returns the session with the given id, if present.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	return sess, ok
}

// Touch extends a session's last-seen timestamp to now.
func (st *Store) Touch(sess *Session) {
	sess.touch(st.clk.Now())
}

// AttachSSE records a new SSE connection against the session.
func (st *Store) AttachSSE(sess *Session, c Conn) {
	sess.attachSSE(c)
}

// DetachSSE removes an SSE connection from the session.
func (st *Store) DetachSSE(sess *Session, c Conn) {
	sess.detachSSE(c)
}

// PruneStale removes every session whose lastSeenAt+ttl has elapsed and
// which has no live SSE connection, returning the number removed.
func (st *Store) PruneStale(ttl time.Duration) int {
	now := st.clk.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, sess := range st.sessions {
		if sess.LastSeenAt().Add(ttl).Before(now) && !sess.hasLiveConnection() {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of tracked sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweeper periodically calls PruneStale on a ticker, modeled on the
// teacher's transport/session Manager (a ticker-driven
// cleanupExpiredOnce, disabled by Stop()).
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSweeper creates a Sweeper for store, pruning sessions older than
// ttl every interval once Start is called.
func NewSweeper(store *Store, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, ttl: ttl, interval: interval, stopCh: make(chan struct{})}
}

// Start runs the sweep loop until Stop is called or ctx is done.
// Intended to be run in its own goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopCh:
			return
		case <-ticker.C:
			sw.store.PruneStale(sw.ttl)
		}
	}
}

// Stop disables future sweeps. Safe to call more than once.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
}
