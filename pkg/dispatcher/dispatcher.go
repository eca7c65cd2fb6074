// Package dispatcher implements the tool dispatcher (C8): payload
// validation handoff, backend resolution, project-lock acquisition,
// authorization, and response enrichment for a single tool call.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sigee-min/bbmcp-sub010/internal/apierrors"
	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/internal/logger"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
	"github.com/sigee-min/bbmcp-sub010/pkg/policy"
	"github.com/sigee-min/bbmcp-sub010/pkg/ports"
	"github.com/sigee-min/bbmcp-sub010/pkg/projectlock"
	"github.com/sigee-min/bbmcp-sub010/pkg/registry"
)

// Error codes per spec.md §7.
const (
	CodeInvalidPayload      = "invalid_payload"
	CodeInvalidState        = "invalid_state"
	CodeNotImplemented      = "not_implemented"
	CodeIOError             = "io_error"
	CodeNoChange            = "no_change"
	CodeToolExecutionFailed = "tool_execution_failed"
	CodeUnknown             = "unknown"
)

// DefaultTenantID is the constant tenant dimension used when no
// multi-tenant partitioning is configured upstream of the gateway.
const DefaultTenantID = "default"

// DefaultProjectID is used when a tool call carries neither an explicit
// projectId nor a project name to hash.
const DefaultProjectID = "default"

// CallContext is the per-call context supplied by the router (C9).
type CallContext struct {
	SessionID string
	Principal mcpsession.Principal
	// FolderPath is root-first, [nil, f1, ..., target]; nil denotes the
	// workspace root. Empty means "no folder scoping for this tool".
	FolderPath []*string
}

// ViewportNotifier is a best-effort hook fired after a viewport-mutating
// tool succeeds. Errors are logged and swallowed.
type ViewportNotifier interface {
	NotifyRefresh(ctx context.Context, scope domain.Scope) error
}

// TraceEntry is a single post-processed dispatch record.
type TraceEntry struct {
	ToolName string
	Scope    domain.Scope
	Response registry.ToolResponse
	At       time.Time
}

// TraceRecorder persists TraceEntries. Failures are logged and swallowed.
type TraceRecorder interface {
	Record(ctx context.Context, entry TraceEntry) error
}

// Default lock-acquisition polling parameters, applied when Options
// leaves LockTimeout/LockRetryWait unset. Mirror gwconfig's Lock.Timeout
// and Lock.RetryWait defaults.
const (
	DefaultLockTimeout   = 5 * time.Second
	DefaultLockRetryWait = 50 * time.Millisecond
)

// Options configures optional Dispatcher behaviors.
type Options struct {
	LockTTL time.Duration

	// LockTimeout bounds how long Handle polls for a conflicting project
	// lock to free up before failing with reason lock_timeout (spec.md
	// §5: "lockTimeoutMs with lockRetryMs polling").
	LockTimeout time.Duration
	// LockRetryWait is the interval between lock-acquisition attempts
	// while polling out LockTimeout.
	LockRetryWait time.Duration
	// Sleeper waits between polling attempts; defaults to clock.Real{}.
	// Tests inject the same clock.Fake used as the Dispatcher's clock so
	// polling advances deterministically without a real wait.
	Sleeper clock.Sleeper

	// ReadOnlyTools is the static allow-list of tool names exempt from
	// authorization and locking (spec.md §4.6's "read-only tool names").
	ReadOnlyTools map[string]bool

	// ViewportMutatingTools are tools whose success triggers a best-effort
	// viewport-refresh notification.
	ViewportMutatingTools map[string]bool

	AutoIncludeState  bool
	AutoIncludeDiff   bool
	AutoRetryRevision bool

	Notifier ViewportNotifier
	Tracer   TraceRecorder
}

// Dispatcher implements handle(toolName, payload, context) -> ToolResponse.
type Dispatcher struct {
	clk      clock.Clock
	registry *registry.Registry
	policy   *policy.Engine
	locks    *projectlock.Manager
	projects ports.ProjectRepository
	opts     Options

	// revisionFetch collapses concurrent ifRevision auto-retry lookups for
	// the same scope into a single ProjectRepository.Find call.
	revisionFetch singleflight.Group
}

// New creates a Dispatcher. opts.ReadOnlyTools and
// opts.ViewportMutatingTools may be nil (treated as empty).
func New(clk clock.Clock, reg *registry.Registry, pol *policy.Engine, locks *projectlock.Manager, projects ports.ProjectRepository, opts Options) *Dispatcher {
	if opts.ReadOnlyTools == nil {
		opts.ReadOnlyTools = map[string]bool{}
	}
	if opts.ViewportMutatingTools == nil {
		opts.ViewportMutatingTools = map[string]bool{}
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = projectlock.DefaultTTL
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.LockRetryWait == 0 {
		opts.LockRetryWait = DefaultLockRetryWait
	}
	if opts.Sleeper == nil {
		opts.Sleeper = clock.Real{}
	}
	return &Dispatcher{clk: clk, registry: reg, policy: pol, locks: locks, projects: projects, opts: opts}
}

// Handle dispatches a single tool call per spec.md §4.8.
func (d *Dispatcher) Handle(ctx context.Context, toolName string, payload map[string]any, cc CallContext) registry.ToolResponse {
	kind := backendKind(payload, d.registry.DefaultKind())
	backend, ok := d.registry.Resolve(kind)
	if !ok {
		return errorResponse(CodeInvalidState, fmt.Sprintf("unknown backend %q", kind), map[string]any{
			"availableKinds": d.registry.ListKinds(),
		})
	}

	scope := scopeFromPayload(payload, cc)
	mutating := !d.opts.ReadOnlyTools[toolName]

	if mutating {
		decision, err := d.policy.AuthorizeWrite(ctx, policy.Request{
			WorkspaceID: scope.WorkspaceID,
			FolderPath:  cc.FolderPath,
			ProjectID:   scope.ProjectID,
			ToolName:    toolName,
			Actor:       policy.Actor{AccountID: cc.Principal.AccountID, SystemRoles: cc.Principal.SystemRoles},
		})
		if err != nil {
			return errorResponse(CodeIOError, "authorization check failed", map[string]any{"cause": err.Error()})
		}
		if !decision.OK {
			return errorResponse(CodeInvalidState, "write denied", map[string]any{
				"reason":      decision.Reason,
				"workspaceId": decision.WorkspaceID,
				"folderId":    decision.FolderID,
				"projectId":   decision.ProjectID,
			})
		}

		lock, errResp, ok := d.acquireWithRetry(scope, cc.Principal.AccountID, cc.SessionID)
		if !ok {
			return errResp
		}
		defer d.locks.Release(scope, cc.Principal.AccountID, cc.SessionID)
		_ = lock
	}

	resp, err := backend.Adapter.HandleTool(ctx, toolName, payload, registry.ToolContext{SessionID: cc.SessionID, Principal: cc.Principal})
	if err != nil {
		return errorResponse(CodeToolExecutionFailed, err.Error(), nil)
	}

	resp = d.applyRevisionGuard(ctx, backend, toolName, payload, cc, scope, resp)
	resp = d.applyAutoInclude(ctx, scope, resp)

	if mutating && d.opts.ViewportMutatingTools[toolName] && d.opts.Notifier != nil {
		d.notifyViewport(ctx, scope)
	}

	if d.opts.Tracer != nil {
		d.recordTrace(ctx, toolName, scope, resp)
	}

	return resp
}

// acquireWithRetry polls Acquire every LockRetryWait until it succeeds or
// LockTimeout elapses, per spec.md §5's "lockTimeoutMs with lockRetryMs
// polling; if the deadline elapses first, the handler fails with
// invalid_state {reason: lock_timeout}". A non-conflict error aborts
// immediately without retrying.
func (d *Dispatcher) acquireWithRetry(scope domain.Scope, accountID, sessionID string) (*projectlock.Lock, registry.ToolResponse, bool) {
	deadline := d.clk.Now().Add(d.opts.LockTimeout)

	for {
		lock, err := d.locks.Acquire(scope, accountID, sessionID, d.opts.LockTTL)
		if err == nil {
			return lock, registry.ToolResponse{}, true
		}

		var conflict *projectlock.ConflictError
		if !errors.As(err, &conflict) {
			return nil, errorResponse(CodeIOError, "lock acquisition failed", map[string]any{"cause": err.Error()}), false
		}

		if !d.clk.Now().Before(deadline) {
			return nil, errorResponse(CodeInvalidState, "lock acquisition timed out", map[string]any{
				"reason":         "lock_timeout",
				"ownerAgentId":   conflict.OwnerAgentID,
				"ownerSessionId": conflict.OwnerSessionID,
				"expiresAt":      conflict.ExpiresAt,
			}), false
		}

		d.opts.Sleeper.Sleep(d.opts.LockRetryWait)
	}
}

// applyRevisionGuard implements the missing_ifRevision next-action
// enrichment and, when enabled, a single auto-retry with the fetched
// current revision.
func (d *Dispatcher) applyRevisionGuard(ctx context.Context, backend registry.Backend, toolName string, payload map[string]any, cc CallContext, scope domain.Scope, resp registry.ToolResponse) registry.ToolResponse {
	if resp.Error == nil {
		return resp
	}
	reason, _ := detailString(resp.Error.Details, "reason")
	if reason != "missing_ifRevision" {
		return resp
	}

	if d.opts.AutoRetryRevision && d.projects != nil {
		recordAny, err, _ := d.revisionFetch.Do(scopeKey(scope), func() (any, error) {
			return d.projects.Find(ctx, scope)
		})
		var record *domain.PersistedProjectRecord
		if err == nil {
			record, _ = recordAny.(*domain.PersistedProjectRecord)
		}
		if err == nil && record != nil {
			retryPayload := make(map[string]any, len(payload)+1)
			for k, v := range payload {
				retryPayload[k] = v
			}
			retryPayload["ifRevision"] = record.Revision
			retried, rerr := backend.Adapter.HandleTool(ctx, toolName, retryPayload, registry.ToolContext{SessionID: cc.SessionID, Principal: cc.Principal})
			if rerr == nil {
				return retried
			}
		}
	}

	resp.NextActions = dedupAppendActions(resp.NextActions,
		registry.NextAction{Tool: "get_project_state", Args: map[string]any{"detail": "summary"}},
		registry.NextAction{Tool: toolName, Args: map[string]any{"ifRevision": "$ref(get_project_state/project/revision)"}},
	)
	return resp
}

// applyAutoInclude attaches the current project state and revision to a
// successful response when AutoIncludeState is set. No diff is attached:
// AutoIncludeDiff is not consulted, and Diff stays as the backend returned it.
func (d *Dispatcher) applyAutoInclude(ctx context.Context, scope domain.Scope, resp registry.ToolResponse) registry.ToolResponse {
	if !resp.OK || d.projects == nil {
		return resp
	}
	if d.opts.AutoIncludeState && resp.State == nil {
		record, err := d.projects.Find(ctx, scope)
		if err == nil && record != nil {
			resp.State = record.State
			resp.Revision = record.Revision
		}
	}
	return resp
}

func (d *Dispatcher) notifyViewport(ctx context.Context, scope domain.Scope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("viewport refresh notification panicked: %v", r)
		}
	}()
	if err := d.opts.Notifier.NotifyRefresh(ctx, scope); err != nil {
		logger.Warnf("viewport refresh notification failed: %v", err)
	}
}

func (d *Dispatcher) recordTrace(ctx context.Context, toolName string, scope domain.Scope, resp registry.ToolResponse) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("trace recording panicked: %v", r)
		}
	}()
	entry := TraceEntry{ToolName: toolName, Scope: scope, Response: resp, At: d.clk.Now()}
	if err := d.opts.Tracer.Record(ctx, entry); err != nil {
		logger.Warnf("trace recording failed: %v", err)
	}
}

// scopeKey is the singleflight dedup key for a project scope.
func scopeKey(scope domain.Scope) string {
	return scope.TenantID + "|" + scope.WorkspaceID + "|" + scope.ProjectID
}

func backendKind(payload map[string]any, defaultKind string) string {
	if v, ok := payload["backend"].(string); ok && v != "" {
		return v
	}
	return defaultKind
}

// scopeFromPayload extracts the project scope per spec.md §4.8 step 3.
func scopeFromPayload(payload map[string]any, cc CallContext) domain.Scope {
	scope := domain.Scope{TenantID: DefaultTenantID, WorkspaceID: cc.Principal.WorkspaceID, ProjectID: DefaultProjectID}

	if v, ok := payload["workspaceId"].(string); ok && v != "" {
		scope.WorkspaceID = v
	}
	if v, ok := payload["projectId"].(string); ok && v != "" {
		scope.ProjectID = v
		return scope
	}
	if v, ok := payload["projectName"].(string); ok && v != "" {
		scope.ProjectID = hashProjectName(v)
	}
	return scope
}

// hashProjectName deterministically derives a stable project id from a
// human-supplied project name, per spec.md §4.8's "hash(project name)
// prefixed prj_". FNV-1a is adequate: the requirement is determinism
// and low collision rate, not cryptographic strength.
func hashProjectName(name string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("prj_%x", h.Sum64())
}

// dedupAppendActions appends each action to existing, deduped by tool
// name (spec.md §4.8 step 8: "deduped by tool name").
func dedupAppendActions(existing []registry.NextAction, actions ...registry.NextAction) []registry.NextAction {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[a.Tool] = true
	}
	out := existing
	for _, a := range actions {
		if seen[a.Tool] {
			continue
		}
		seen[a.Tool] = true
		out = append(out, a)
	}
	return out
}

func detailString(details any, key string) (string, bool) {
	m, ok := details.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func errorResponse(code, message string, details map[string]any) registry.ToolResponse {
	var detailsAny any
	if details != nil {
		detailsAny = details
	}
	return registry.ToolResponse{
		OK: false,
		Error: &registry.ToolError{
			Code:    code,
			Message: message,
			Details: detailsAny,
		},
	}
}

// NewInvalidPayloadError is a convenience for callers (e.g. the router)
// that need to surface a schema-validation failure through the same
// apierrors taxonomy used elsewhere in the gateway.
func NewInvalidPayloadError(message string) error {
	return apierrors.NewInvalidArgumentError(message, nil)
}
