package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/eventlog"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
	"github.com/sigee-min/bbmcp-sub010/pkg/policy"
	"github.com/sigee-min/bbmcp-sub010/pkg/ports"
	"github.com/sigee-min/bbmcp-sub010/pkg/projectlock"
	"github.com/sigee-min/bbmcp-sub010/pkg/registry"
)

type scriptedAdapter struct {
	responses []registry.ToolResponse
	calls     int
	lastArgs  map[string]any
}

func (a *scriptedAdapter) HandleTool(_ context.Context, _ string, payload map[string]any, _ registry.ToolContext) (registry.ToolResponse, error) {
	a.lastArgs = payload
	idx := a.calls
	if idx >= len(a.responses) {
		idx = len(a.responses) - 1
	}
	a.calls++
	return a.responses[idx], nil
}

type fakeWorkspaceRepo struct {
	workspace domain.Workspace
	roles     []domain.Role
}

func (r *fakeWorkspaceRepo) GetWorkspace(context.Context, string) (*domain.Workspace, error) {
	ws := r.workspace
	return &ws, nil
}
func (r *fakeWorkspaceRepo) RolesForAccount(context.Context, string, string) ([]domain.Role, error) {
	return r.roles, nil
}
func (r *fakeWorkspaceRepo) FolderACLs(context.Context, string, *string) ([]domain.FolderACL, error) {
	return nil, nil
}
func (r *fakeWorkspaceRepo) ListWorkspacesForAccount(context.Context, string) ([]domain.Workspace, error) {
	return []domain.Workspace{r.workspace}, nil
}

type fakeProjectRepo struct {
	record *domain.PersistedProjectRecord
}

func (r *fakeProjectRepo) Find(context.Context, domain.Scope) (*domain.PersistedProjectRecord, error) {
	return r.record, nil
}
func (r *fakeProjectRepo) Save(context.Context, domain.PersistedProjectRecord) error { return nil }
func (r *fakeProjectRepo) SaveIfRevision(context.Context, domain.PersistedProjectRecord, *string) (bool, error) {
	return true, nil
}
func (r *fakeProjectRepo) Remove(context.Context, domain.Scope) error { return nil }

var _ ports.ProjectRepository = (*fakeProjectRepo)(nil)
var _ ports.WorkspaceRepository = (*fakeWorkspaceRepo)(nil)

func newHarness(t *testing.T, adapter registry.Adapter, projects ports.ProjectRepository, opts Options) (*Dispatcher, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Now())
	reg := registry.New("engine")
	reg.Register("engine", adapter)

	repo := &fakeWorkspaceRepo{workspace: domain.Workspace{WorkspaceID: "w1", Mode: domain.WorkspaceAllOpen}}
	pol := policy.New(repo)
	locks := projectlock.New(fc, eventlog.New(fc))

	return New(fc, reg, pol, locks, projects, opts), fc
}

func TestHandle_UnknownBackend(t *testing.T) {
	t.Parallel()
	d, _ := newHarness(t, &scriptedAdapter{responses: []registry.ToolResponse{{OK: true}}}, nil, Options{})

	resp := d.Handle(context.Background(), "create_cube", map[string]any{"backend": "nope"}, CallContext{})
	assert.False(t, resp.OK)
	assert.Equal(t, CodeInvalidState, resp.Error.Code)
}

func TestHandle_ReadOnlyToolSkipsAuthAndLock(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{{OK: true, Data: "ok"}}}
	d, _ := newHarness(t, adapter, nil, Options{ReadOnlyTools: map[string]bool{"get_project_state": true}})

	resp := d.Handle(context.Background(), "get_project_state", map[string]any{"projectId": "p1"}, CallContext{Principal: mcpsession.Principal{AccountID: "a1"}})
	assert.True(t, resp.OK)
	assert.Equal(t, "ok", resp.Data)
}

func TestHandle_MutatingTool_AcquiresAndReleasesLock(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{{OK: true}}}
	d, _ := newHarness(t, adapter, nil, Options{})

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := d.Handle(context.Background(), "create_cube", map[string]any{"projectId": "p1"}, cc)
	require.True(t, resp.OK)

	// Lock must be released after the call completes.
	scope := domain.Scope{TenantID: DefaultTenantID, ProjectID: "p1"}
	_, held := d.locks.Get(scope)
	assert.False(t, held)
}

func TestHandle_LockConflict_TimesOut(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{{OK: true}}}
	fc := clock.NewFake(time.Now())
	reg := registry.New("engine")
	reg.Register("engine", adapter)
	repo := &fakeWorkspaceRepo{workspace: domain.Workspace{WorkspaceID: "w1", Mode: domain.WorkspaceAllOpen}}
	pol := policy.New(repo)
	locks := projectlock.New(fc, eventlog.New(fc))
	disp := New(fc, reg, pol, locks, nil, Options{
		LockTimeout:   20 * time.Millisecond,
		LockRetryWait: time.Millisecond,
		Sleeper:       fakeSleeper{fc: fc},
	})

	scope := domain.Scope{TenantID: DefaultTenantID, ProjectID: "p1"}
	_, err := locks.Acquire(scope, "other-agent", "other-sess", time.Hour)
	require.NoError(t, err)

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := disp.Handle(context.Background(), "create_cube", map[string]any{"projectId": "p1"}, cc)
	require.False(t, resp.OK)
	assert.Equal(t, CodeInvalidState, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "lock acquisition timed out")
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "lock_timeout", details["reason"])
	assert.Equal(t, "other-agent", details["ownerAgentId"])
}

func TestHandle_LockConflict_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{{OK: true}}}
	fc := clock.NewFake(time.Now())
	reg := registry.New("engine")
	reg.Register("engine", adapter)
	repo := &fakeWorkspaceRepo{workspace: domain.Workspace{WorkspaceID: "w1", Mode: domain.WorkspaceAllOpen}}
	pol := policy.New(repo)
	locks := projectlock.New(fc, eventlog.New(fc))
	disp := New(fc, reg, pol, locks, nil, Options{
		LockTimeout:   10 * time.Second,
		LockRetryWait: 10 * time.Millisecond,
		Sleeper:       fakeSleeper{fc: fc},
	})

	scope := domain.Scope{TenantID: DefaultTenantID, ProjectID: "p1"}
	// Held lock uses the 5s minimum TTL; polling every 10ms, the lock
	// expires before the 10s lock timeout, so a later Acquire succeeds.
	_, err := locks.Acquire(scope, "other-agent", "other-sess", 5*time.Second)
	require.NoError(t, err)

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := disp.Handle(context.Background(), "create_cube", map[string]any{"projectId": "p1"}, cc)
	require.True(t, resp.OK)
}

// fakeSleeper advances a shared clock.Fake instead of blocking, so
// retry-polling tests run instantly and deterministically.
type fakeSleeper struct {
	fc *clock.Fake
}

func (s fakeSleeper) Sleep(d time.Duration) { s.fc.Advance(d) }

func TestHandle_MissingIfRevision_AppendsNextActions(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{
		{OK: false, Error: &registry.ToolError{Code: CodeInvalidState, Message: "needs revision", Details: map[string]any{"reason": "missing_ifRevision"}}},
	}}
	d, _ := newHarness(t, adapter, nil, Options{})

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := d.Handle(context.Background(), "update_cube", map[string]any{"projectId": "p1"}, cc)
	require.False(t, resp.OK)
	require.Len(t, resp.NextActions, 2)
	assert.Equal(t, registry.NextAction{Tool: "get_project_state", Args: map[string]any{"detail": "summary"}}, resp.NextActions[0])
	assert.Equal(t, registry.NextAction{
		Tool: "update_cube",
		Args: map[string]any{"ifRevision": "$ref(get_project_state/project/revision)"},
	}, resp.NextActions[1])
}

func TestHandle_AutoRetryRevision_Succeeds(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{
		{OK: false, Error: &registry.ToolError{Code: CodeInvalidState, Details: map[string]any{"reason": "missing_ifRevision"}}},
		{OK: true, Data: "retried"},
	}}
	projects := &fakeProjectRepo{record: &domain.PersistedProjectRecord{Revision: "rev-5"}}
	d, _ := newHarness(t, adapter, projects, Options{AutoRetryRevision: true})

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := d.Handle(context.Background(), "update_cube", map[string]any{"projectId": "p1"}, cc)
	require.True(t, resp.OK)
	assert.Equal(t, "retried", resp.Data)
	assert.Equal(t, "rev-5", adapter.lastArgs["ifRevision"])
}

func TestHandle_AutoIncludeState(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{{OK: true}}}
	projects := &fakeProjectRepo{record: &domain.PersistedProjectRecord{Revision: "rev-1", State: map[string]any{"cubes": 3}}}
	d, _ := newHarness(t, adapter, projects, Options{AutoIncludeState: true})

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := d.Handle(context.Background(), "get_project_state", map[string]any{"projectId": "p1"}, cc)
	require.True(t, resp.OK)
	assert.Equal(t, "rev-1", resp.Revision)
	assert.NotNil(t, resp.State)
}

type countingNotifier struct{ calls int }

func (n *countingNotifier) NotifyRefresh(context.Context, domain.Scope) error {
	n.calls++
	return nil
}

func TestHandle_ViewportNotification_FiresOnMutatingSuccess(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{{OK: true}}}
	notifier := &countingNotifier{}
	d, _ := newHarness(t, adapter, nil, Options{ViewportMutatingTools: map[string]bool{"create_cube": true}, Notifier: notifier})

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := d.Handle(context.Background(), "create_cube", map[string]any{"projectId": "p1"}, cc)
	require.True(t, resp.OK)
	assert.Equal(t, 1, notifier.calls)
}

type failingNotifier struct{}

func (failingNotifier) NotifyRefresh(context.Context, domain.Scope) error {
	return errors.New("boom")
}

func TestHandle_ViewportNotification_FailureSwallowed(t *testing.T) {
	t.Parallel()
	adapter := &scriptedAdapter{responses: []registry.ToolResponse{{OK: true}}}
	d, _ := newHarness(t, adapter, nil, Options{ViewportMutatingTools: map[string]bool{"create_cube": true}, Notifier: failingNotifier{}})

	cc := CallContext{SessionID: "sess-1", Principal: mcpsession.Principal{AccountID: "agent-1"}}
	resp := d.Handle(context.Background(), "create_cube", map[string]any{"projectId": "p1"}, cc)
	assert.True(t, resp.OK)
}

func TestScopeFromPayload_ProjectNameHashIsDeterministic(t *testing.T) {
	t.Parallel()
	cc := CallContext{Principal: mcpsession.Principal{WorkspaceID: "w1"}}
	s1 := scopeFromPayload(map[string]any{"projectName": "My Build"}, cc)
	s2 := scopeFromPayload(map[string]any{"projectName": "My Build"}, cc)
	assert.Equal(t, s1.ProjectID, s2.ProjectID)
	assert.Regexp(t, `^prj_[0-9a-f]+$`, s1.ProjectID)
}

func TestScopeFromPayload_DefaultsWhenNothingSupplied(t *testing.T) {
	t.Parallel()
	s := scopeFromPayload(map[string]any{}, CallContext{})
	assert.Equal(t, DefaultProjectID, s.ProjectID)
	assert.Equal(t, DefaultTenantID, s.TenantID)
}
