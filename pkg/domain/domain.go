// Package domain holds the shared data-model types described in spec.md §3:
// Scope, the persisted project record, workspace/role/ACL rows, jobs, and
// project events. These are plain value types with no behavior beyond small
// invariant helpers; the components in sibling packages own the state
// machines that mutate them.
package domain

import "time"

// Scope is the composite key identifying a single mutable project
// instance.
type Scope struct {
	TenantID    string
	WorkspaceID string
	ProjectID   string
}

// PersistedProjectRecord is the backend-owned snapshot of a project.
type PersistedProjectRecord struct {
	Scope     Scope
	Revision  string
	State     any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkspaceMode controls whether a workspace enforces RBAC/ACLs.
type WorkspaceMode string

// Supported workspace modes.
const (
	WorkspaceAllOpen WorkspaceMode = "all_open"
	WorkspaceRBAC    WorkspaceMode = "rbac"
)

// Workspace is a tenant-scoped container of projects.
type Workspace struct {
	WorkspaceID string
	TenantID    string
	Name        string
	Mode        WorkspaceMode
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role is a named bundle of permission strings scoped to a workspace.
type Role struct {
	WorkspaceID string
	RoleID      string
	Builtin     bool
	Permissions []string
}

// HasPermission reports whether the role grants the given permission
// string.
func (r *Role) HasPermission(permission string) bool {
	if r == nil {
		return false
	}
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Member links an account to a set of roles within a workspace.
type Member struct {
	WorkspaceID string
	AccountID   string
	RoleIDs     []string
	JoinedAt    time.Time
}

// Effect is an ACL row's allow/deny verdict for one permission.
type Effect string

// Supported ACL effects.
const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// FolderACL is a single access-control row for a folder and role.
type FolderACL struct {
	WorkspaceID string
	FolderID    *string // nil means the workspace root
	RoleID      string
	Read        Effect
	Write       Effect
}

// JobStatus is the Job Queue state machine's discriminator.
type JobStatus string

// Supported job statuses.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous unit of backend work.
type Job struct {
	ID             string
	WorkspaceID    string
	ProjectID      string
	Kind           string
	Payload        map[string]any
	Status         JobStatus
	AttemptCount   int
	MaxAttempts    int
	LeaseMs        int64
	LeaseExpiresAt *time.Time
	NextRetryAt    *time.Time
	WorkerID       string
	Error          string
	Result         any
	DeadLetter     bool
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// EventKind discriminates ProjectEvent payload shapes.
type EventKind string

// Supported event kinds.
const (
	EventProjectSnapshot EventKind = "project_snapshot"
	EventJobSubmitted    EventKind = "job_submitted"
	EventJobClaimed      EventKind = "job_claimed"
	EventJobCompleted    EventKind = "job_completed"
	EventJobFailed       EventKind = "job_failed"
	EventJobDeadLetter   EventKind = "job_dead_letter"
)

// ProjectEvent is a single entry in a project's monotonic event sequence.
type ProjectEvent struct {
	Seq     uint64
	Event   EventKind
	Payload any
	At      time.Time
}

// ProjectSnapshotPayload is the payload carried by EventProjectSnapshot
// events: a full snapshot including any current lock's visible fields.
type ProjectSnapshotPayload struct {
	Scope    Scope
	Revision string
	State    any
	Lock     *LockView
}

// LockView is the subset of project-lock state that is "visible" for the
// purposes of project_snapshot dedup (spec.md §4.3): identity, mode, and
// token, but not timing fields.
type LockView struct {
	OwnerAgentID   string
	OwnerSessionID string
	Mode           string
	Token          string
}

// Equal reports whether two LockViews (including nil) carry the same
// visible identity.
func (v *LockView) Equal(other *LockView) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.OwnerAgentID == other.OwnerAgentID &&
		v.OwnerSessionID == other.OwnerSessionID &&
		v.Mode == other.Mode &&
		v.Token == other.Token
}
