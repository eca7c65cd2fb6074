// Package memstore is the in-process implementation of the
// ports.ProjectRepository and ports.WorkspaceRepository persistence
// ports, selected by gwconfig's "memory" persistence driver. It exists
// so cmd/gatewayd can run standalone without an external datastore;
// durable drivers are expected to satisfy the same ports.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
)

// ProjectStore is an in-memory ports.ProjectRepository.
type ProjectStore struct {
	clk clock.Clock

	mu      sync.Mutex
	records map[domain.Scope]domain.PersistedProjectRecord
}

// NewProjectStore creates an empty ProjectStore.
func NewProjectStore(clk clock.Clock) *ProjectStore {
	return &ProjectStore{clk: clk, records: make(map[domain.Scope]domain.PersistedProjectRecord)}
}

// Find implements ports.ProjectRepository.
func (s *ProjectStore) Find(_ context.Context, scope domain.Scope) (*domain.PersistedProjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scope]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// Save implements ports.ProjectRepository.
func (s *ProjectStore) Save(_ context.Context, record domain.PersistedProjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.UpdatedAt = s.clk.Now()
	s.records[record.Scope] = record
	return nil
}

// SaveIfRevision implements ports.ProjectRepository's optimistic-
// concurrency compare-and-set.
func (s *ProjectStore) SaveIfRevision(_ context.Context, record domain.PersistedProjectRecord, expectedRevision *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[record.Scope]

	if expectedRevision == nil {
		if ok {
			return false, nil
		}
		now := s.clk.Now()
		record.CreatedAt = now
		record.UpdatedAt = now
		s.records[record.Scope] = record
		return true, nil
	}

	if !ok || existing.Revision != *expectedRevision {
		return false, nil
	}

	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = s.clk.Now()
	s.records[record.Scope] = record
	return true, nil
}

// Remove implements ports.ProjectRepository.
func (s *ProjectStore) Remove(_ context.Context, scope domain.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, scope)
	return nil
}

// WorkspaceStore is an in-memory ports.WorkspaceRepository. Accounts with
// no workspace rows are handed a lazily-created default workspace whose
// mode and name come from gwconfig's WorkspaceConfig, per spec.md's
// "accounts with no rows see at least one default all_open workspace
// seed".
type WorkspaceStore struct {
	clk clock.Clock

	defaultMode domain.WorkspaceMode
	defaultName string

	mu         sync.Mutex
	workspaces map[string]domain.Workspace
	roles      map[string][]domain.Role    // workspaceID -> roles
	members    map[string][]domain.Member  // workspaceID -> members
	folderACLs map[string][]domain.FolderACL // workspaceID -> ACL rows
	byAccount  map[string][]string          // accountID -> workspaceIDs
}

// NewWorkspaceStore creates an empty WorkspaceStore. defaultMode/
// defaultName configure the workspace seeded for accounts with no rows.
func NewWorkspaceStore(clk clock.Clock, defaultMode domain.WorkspaceMode, defaultName string) *WorkspaceStore {
	return &WorkspaceStore{
		clk:         clk,
		defaultMode: defaultMode,
		defaultName: defaultName,
		workspaces:  make(map[string]domain.Workspace),
		roles:       make(map[string][]domain.Role),
		members:     make(map[string][]domain.Member),
		folderACLs:  make(map[string][]domain.FolderACL),
		byAccount:   make(map[string][]string),
	}
}

// CreateWorkspace registers a workspace the caller constructed
// explicitly (administrative path, outside the default-seed flow).
func (s *WorkspaceStore) CreateWorkspace(ws domain.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.WorkspaceID] = ws
}

// AddRole registers a role for a workspace.
func (s *WorkspaceStore) AddRole(role domain.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.WorkspaceID] = append(s.roles[role.WorkspaceID], role)
}

// AddMember links an account to roles within a workspace.
func (s *WorkspaceStore) AddMember(member domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[member.WorkspaceID] = append(s.members[member.WorkspaceID], member)
	s.byAccount[member.AccountID] = appendIfMissing(s.byAccount[member.AccountID], member.WorkspaceID)
}

// AddFolderACL registers an ACL row.
func (s *WorkspaceStore) AddFolderACL(acl domain.FolderACL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folderACLs[acl.WorkspaceID] = append(s.folderACLs[acl.WorkspaceID], acl)
}

func appendIfMissing(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// GetWorkspace implements ports.WorkspaceRepository.
func (s *WorkspaceStore) GetWorkspace(_ context.Context, workspaceID string) (*domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, nil
	}
	out := ws
	return &out, nil
}

// RolesForAccount implements ports.WorkspaceRepository.
func (s *WorkspaceStore) RolesForAccount(_ context.Context, workspaceID, accountID string) ([]domain.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var roleIDs []string
	for _, m := range s.members[workspaceID] {
		if m.AccountID == accountID {
			roleIDs = append(roleIDs, m.RoleIDs...)
		}
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}

	byID := make(map[string]domain.Role, len(roleIDs))
	for _, r := range s.roles[workspaceID] {
		byID[r.RoleID] = r
	}
	out := make([]domain.Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// FolderACLs implements ports.WorkspaceRepository.
func (s *WorkspaceStore) FolderACLs(_ context.Context, workspaceID string, folderID *string) ([]domain.FolderACL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.FolderACL
	for _, acl := range s.folderACLs[workspaceID] {
		if sameFolderID(acl.FolderID, folderID) {
			out = append(out, acl)
		}
	}
	return out, nil
}

func sameFolderID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ListWorkspacesForAccount implements ports.WorkspaceRepository,
// lazily seeding a default workspace (with the store's configured default
// mode and name) for accounts with no existing membership.
func (s *WorkspaceStore) ListWorkspacesForAccount(_ context.Context, accountID string) ([]domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAccount[accountID]
	if len(ids) == 0 {
		seed := s.seedDefaultLocked(accountID)
		return []domain.Workspace{seed}, nil
	}

	out := make([]domain.Workspace, 0, len(ids))
	for _, id := range ids {
		if ws, ok := s.workspaces[id]; ok {
			out = append(out, ws)
		}
	}
	return out, nil
}

// seedDefaultLocked creates and registers accountID's default workspace.
// Caller must hold s.mu.
func (s *WorkspaceStore) seedDefaultLocked(accountID string) domain.Workspace {
	now := s.clk.Now()
	ws := domain.Workspace{
		WorkspaceID: fmt.Sprintf("ws_default_%s", accountID),
		TenantID:    "default",
		Name:        s.defaultName,
		Mode:        s.defaultMode,
		CreatedBy:   accountID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.workspaces[ws.WorkspaceID] = ws
	s.members[ws.WorkspaceID] = append(s.members[ws.WorkspaceID], domain.Member{
		WorkspaceID: ws.WorkspaceID,
		AccountID:   accountID,
		JoinedAt:    now,
	})
	s.byAccount[accountID] = appendIfMissing(s.byAccount[accountID], ws.WorkspaceID)
	return ws
}
