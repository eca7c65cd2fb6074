// Package policy implements the workspace policy engine (C6): the
// read/write authorization decision for a (workspace, folder, project,
// tool, actor) tuple.
package policy

import (
	"context"

	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/ports"
)

// Reason is the machine-readable denial reason.
type Reason string

// Supported denial reasons.
const (
	ReasonWorkspaceNotFound       Reason = "workspace_not_found"
	ReasonForbiddenWorkspaceWrite Reason = "forbidden_workspace_project_write"
	ReasonForbiddenWorkspaceRead  Reason = "forbidden_workspace_project_read"
	ReasonForbiddenFolderWrite    Reason = "forbidden_folder_write"
	ReasonForbiddenFolderRead     Reason = "forbidden_folder_read"
)

// SystemAdminRole bypasses all workspace/folder checks.
const SystemAdminRole = "system_admin"

// Actor is the identity requesting access.
type Actor struct {
	AccountID   string
	SystemRoles []string
}

func (a Actor) isSystemAdmin() bool {
	for _, r := range a.SystemRoles {
		if r == SystemAdminRole {
			return true
		}
	}
	return false
}

// Decision is the outcome of an authorization check.
type Decision struct {
	OK          bool
	Reason      Reason
	WorkspaceID string
	FolderID    string
	ProjectID   string
}

// Request describes the access being checked.
type Request struct {
	WorkspaceID string
	// FolderPath is ordered root-first: [nil, f1, f2, ..., target]. A nil
	// entry denotes the workspace root.
	FolderPath []*string
	ProjectID  string
	ToolName   string
	Actor      Actor
}

// Engine evaluates Requests against an injected WorkspaceRepository.
type Engine struct {
	repo ports.WorkspaceRepository
}

// New creates an Engine backed by repo.
func New(repo ports.WorkspaceRepository) *Engine {
	return &Engine{repo: repo}
}

// AuthorizeWrite evaluates write authorization for req.
func (e *Engine) AuthorizeWrite(ctx context.Context, req Request) (Decision, error) {
	return e.authorize(ctx, req, true)
}

// AuthorizeRead evaluates read authorization for req.
func (e *Engine) AuthorizeRead(ctx context.Context, req Request) (Decision, error) {
	return e.authorize(ctx, req, false)
}

func (e *Engine) authorize(ctx context.Context, req Request, forWrite bool) (Decision, error) {
	deny := func(reason Reason) Decision {
		folderID := ""
		if len(req.FolderPath) > 0 && req.FolderPath[len(req.FolderPath)-1] != nil {
			folderID = *req.FolderPath[len(req.FolderPath)-1]
		}
		return Decision{OK: false, Reason: reason, WorkspaceID: req.WorkspaceID, FolderID: folderID, ProjectID: req.ProjectID}
	}
	workspaceReason := ReasonForbiddenWorkspaceWrite
	folderReason := ReasonForbiddenFolderWrite
	if !forWrite {
		workspaceReason = ReasonForbiddenWorkspaceRead
		folderReason = ReasonForbiddenFolderRead
	}

	ws, err := e.repo.GetWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return Decision{}, err
	}
	if ws == nil {
		return deny(ReasonWorkspaceNotFound), nil
	}

	if ws.Mode == domain.WorkspaceAllOpen || req.Actor.isSystemAdmin() {
		return Decision{OK: true, WorkspaceID: req.WorkspaceID, ProjectID: req.ProjectID}, nil
	}

	roles, err := e.repo.RolesForAccount(ctx, req.WorkspaceID, req.Actor.AccountID)
	if err != nil {
		return Decision{}, err
	}
	if len(roles) == 0 {
		return deny(workspaceReason), nil
	}

	roleIDs := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleIDs[r.RoleID] = true
	}

	effect, err := e.folderEffect(ctx, req.WorkspaceID, req.FolderPath, roleIDs, forWrite)
	if err != nil {
		return Decision{}, err
	}
	if effect == domain.EffectDeny {
		return deny(folderReason), nil
	}

	return Decision{OK: true, WorkspaceID: req.WorkspaceID, ProjectID: req.ProjectID}, nil
}

// folderEffect walks the folder path from the target back to the root,
// using the nearest ancestor (including the target itself) that carries
// any ACL row matching the actor's roles. At that level, deny wins over
// allow (spec.md §4.6: "deny wins at equal depth; deeper overrides
// shallower"). Absent any specifying ancestor, access is allowed by
// default (the workspace's RBAC mode already gated entry via role
// membership).
func (e *Engine) folderEffect(ctx context.Context, workspaceID string, path []*string, roleIDs map[string]bool, forWrite bool) (domain.Effect, error) {
	for i := len(path) - 1; i >= 0; i-- {
		rows, err := e.repo.FolderACLs(ctx, workspaceID, path[i])
		if err != nil {
			return domain.EffectAllow, err
		}

		denyFound, allowFound := false, false
		for _, row := range rows {
			if !roleIDs[row.RoleID] {
				continue
			}
			eff := row.Read
			if forWrite {
				eff = row.Write
			}
			switch eff {
			case domain.EffectDeny:
				denyFound = true
			case domain.EffectAllow:
				allowFound = true
			}
		}

		if denyFound {
			return domain.EffectDeny, nil
		}
		if allowFound {
			return domain.EffectAllow, nil
		}
		// No specifying row at this level; keep walking towards the root.
	}
	return domain.EffectAllow, nil
}
