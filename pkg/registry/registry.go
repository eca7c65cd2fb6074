// Package registry implements the backend registry (C7): a read-mostly
// mapping from backend kind to the adapter that serves it.
package registry

import (
	"context"
	"sync/atomic"

	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
)

// HealthStatus is a backend adapter's last-observed health.
type HealthStatus string

// Supported health statuses.
const (
	Healthy         HealthStatus = "healthy"
	Degraded        HealthStatus = "degraded"
	Unhealthy       HealthStatus = "unhealthy"
	Unknown         HealthStatus = "unknown"
	Unauthenticated HealthStatus = "unauthenticated"
)

// ToolContext is the per-call context an adapter receives alongside the
// tool name and payload.
type ToolContext struct {
	SessionID string
	Principal mcpsession.Principal
}

// ToolError is the structured error shape carried by a failed
// ToolResponse.
type ToolError struct {
	Code    string
	Message string
	Fix     string
	Details any
}

// NextAction is a suggested follow-up tool call, carrying the argument
// template the caller should invoke it with (spec.md §4.8 step 8, e.g.
// get_project_state with detail=summary, or the same tool retried with
// ifRevision=$ref(get_project_state/project/revision)).
type NextAction struct {
	Tool string
	Args map[string]any
}

// ToolResponse is the discriminated-union result of a tool invocation.
type ToolResponse struct {
	OK          bool
	Data        any
	NextActions []NextAction
	State       any
	Diff        any
	Revision    string
	Error       *ToolError
}

// Adapter is the contract a backend implementation must satisfy to be
// registered.
type Adapter interface {
	HandleTool(ctx context.Context, name string, payload map[string]any, tc ToolContext) (ToolResponse, error)
}

// Backend is one registered adapter and its last-known health.
type Backend struct {
	Kind         string
	Adapter      Adapter
	HealthStatus HealthStatus
}

// Registry is a copy-on-write backend-kind -> Backend map. Registration
// happens at startup; Resolve/ListKinds/Default are safe for unbounded
// concurrent readers without locking, per spec.md §4.7's "read-mostly"
// characterization.
type Registry struct {
	defaultKind string
	snapshot    atomic.Pointer[map[string]Backend]
}

// New creates an empty Registry whose default backend kind is
// defaultKind (which need not be registered yet).
func New(defaultKind string) *Registry {
	r := &Registry{defaultKind: defaultKind}
	empty := map[string]Backend{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds or replaces the adapter for kind, swapping the
// underlying map atomically so concurrent readers never observe a
// partial update.
func (r *Registry) Register(kind string, adapter Adapter) {
	r.RegisterWithHealth(kind, adapter, Unknown)
}

// RegisterWithHealth is Register with an explicit initial health status.
func (r *Registry) RegisterWithHealth(kind string, adapter Adapter, health HealthStatus) {
	for {
		old := r.snapshot.Load()
		next := make(map[string]Backend, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[kind] = Backend{Kind: kind, Adapter: adapter, HealthStatus: health}
		if r.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetHealth updates the health status of an already-registered backend.
// No-op if kind is not registered.
func (r *Registry) SetHealth(kind string, health HealthStatus) {
	for {
		old := r.snapshot.Load()
		existing, ok := (*old)[kind]
		if !ok {
			return
		}
		next := make(map[string]Backend, len(*old))
		for k, v := range *old {
			next[k] = v
		}
		existing.HealthStatus = health
		next[kind] = existing
		if r.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Resolve returns the backend registered for kind, or false if absent.
func (r *Registry) Resolve(kind string) (Backend, bool) {
	snap := *r.snapshot.Load()
	b, ok := snap[kind]
	return b, ok
}

// Default returns the configured default backend, or false if it has
// not been registered.
func (r *Registry) Default() (Backend, bool) {
	return r.Resolve(r.defaultKind)
}

// DefaultKind returns the configured default backend kind.
func (r *Registry) DefaultKind() string {
	return r.defaultKind
}

// ListKinds enumerates the registered backend kinds, in no particular
// order.
func (r *Registry) ListKinds() []string {
	snap := *r.snapshot.Load()
	out := make([]string, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	return out
}

// Count returns the number of registered backends.
func (r *Registry) Count() int {
	return len(*r.snapshot.Load())
}
