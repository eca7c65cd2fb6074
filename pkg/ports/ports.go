// Package ports declares the persistence and blob-storage interfaces the
// gateway depends on but does not implement (spec.md §6): concrete SQL,
// document, or blob adapters are external collaborators supplied by the
// embedder.
package ports

import (
	"context"

	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
)

// ProjectRepository persists PersistedProjectRecord snapshots, keyed by
// Scope, with optimistic-concurrency semantics via SaveIfRevision.
type ProjectRepository interface {
	// Find returns the record for scope, or nil if none exists.
	Find(ctx context.Context, scope domain.Scope) (*domain.PersistedProjectRecord, error)

	// Save performs an unconditional upsert.
	Save(ctx context.Context, record domain.PersistedProjectRecord) error

	// SaveIfRevision performs a compare-and-set. A nil expectedRevision
	// means "create only" (fails if a record already exists); a non-nil
	// expectedRevision means "update iff the current revision equals it".
	// On success, Revision, State, and UpdatedAt are updated; CreatedAt is
	// left unchanged.
	SaveIfRevision(ctx context.Context, record domain.PersistedProjectRecord, expectedRevision *string) (bool, error)

	// Remove deletes the record for scope, if any.
	Remove(ctx context.Context, scope domain.Scope) error
}

// WorkspaceRepository is CRUD on workspaces, roles, members, and folder
// ACL rows. Accounts with no workspace rows see at least one default
// all_open workspace, per spec.md §6.
type WorkspaceRepository interface {
	// GetWorkspace returns the workspace, or nil if absent.
	GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error)

	// RolesForAccount returns the effective roles an account holds within
	// a workspace (resolved via membership).
	RolesForAccount(ctx context.Context, workspaceID, accountID string) ([]domain.Role, error)

	// FolderACLs returns the ACL rows declared directly on folderID (nil
	// means the workspace root).
	FolderACLs(ctx context.Context, workspaceID string, folderID *string) ([]domain.FolderACL, error)

	// ListWorkspacesForAccount lists the workspaces an account belongs to,
	// seeding a default all_open workspace if none exist.
	ListWorkspacesForAccount(ctx context.Context, accountID string) ([]domain.Workspace, error)
}

// BlobPointer addresses a single object in a BlobStore.
type BlobPointer struct {
	Bucket string
	Key    string
}

// BlobObject is a stored blob and its metadata.
type BlobObject struct {
	Bucket       string
	Key          string
	Bytes        []byte
	ContentType  string
	CacheControl string
	Metadata     map[string]string
	UpdatedAt    *int64 // unix millis; nil if unknown
}

// BlobStore is the external binary-object storage port (textures, glTF
// exports, and the like). Backends, not the gateway core, interpret the
// bytes.
type BlobStore interface {
	// Put upserts an object, chunking internally if large.
	Put(ctx context.Context, obj BlobObject) (BlobPointer, error)

	// Get returns the object at pointer, or nil if absent.
	Get(ctx context.Context, pointer BlobPointer) (*BlobObject, error)

	// Delete removes the object at pointer.
	Delete(ctx context.Context, pointer BlobPointer) error
}
