package mcprouter

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/dispatcher"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/eventlog"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
	"github.com/sigee-min/bbmcp-sub010/pkg/policy"
	"github.com/sigee-min/bbmcp-sub010/pkg/ports"
	"github.com/sigee-min/bbmcp-sub010/pkg/projectlock"
	"github.com/sigee-min/bbmcp-sub010/pkg/registry"
	"github.com/sigee-min/bbmcp-sub010/pkg/schema"
)

type fakeResolver struct {
	registries []ToolRegistry
	calls      int
}

func (f *fakeResolver) Resolve(context.Context, mcpsession.Principal) ToolRegistry {
	idx := f.calls
	if idx >= len(f.registries) {
		idx = len(f.registries) - 1
	}
	f.calls++
	return f.registries[idx]
}

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(context.Context, http.Header) (mcpsession.Principal, bool) {
	return mcpsession.Principal{AccountID: "acct-1", WorkspaceID: "w1"}, true
}

type denyAuth struct{}

func (denyAuth) Authenticate(context.Context, http.Header) (mcpsession.Principal, bool) {
	return mcpsession.Principal{}, false
}

type fakeWorkspaceRepo struct{}

func (fakeWorkspaceRepo) GetWorkspace(context.Context, string) (*domain.Workspace, error) {
	return &domain.Workspace{WorkspaceID: "w1", Mode: domain.WorkspaceAllOpen}, nil
}
func (fakeWorkspaceRepo) RolesForAccount(context.Context, string, string) ([]domain.Role, error) {
	return nil, nil
}
func (fakeWorkspaceRepo) FolderACLs(context.Context, string, *string) ([]domain.FolderACL, error) {
	return nil, nil
}
func (fakeWorkspaceRepo) ListWorkspacesForAccount(context.Context, string) ([]domain.Workspace, error) {
	return nil, nil
}

var _ ports.WorkspaceRepository = fakeWorkspaceRepo{}

type scriptedAdapter struct {
	response registry.ToolResponse
}

func (a *scriptedAdapter) HandleTool(context.Context, string, map[string]any, registry.ToolContext) (registry.ToolResponse, error) {
	return a.response, nil
}

func newTestRouter(t *testing.T, resolver ToolRegistryResolver, auth Authenticator) (*Router, *mcpsession.Store) {
	t.Helper()
	fc := clock.NewFake(time.Now())
	sessions := mcpsession.NewStore(fc)

	reg := registry.New("engine")
	reg.Register("engine", &scriptedAdapter{response: registry.ToolResponse{OK: true, Data: "done"}})

	pol := policy.New(fakeWorkspaceRepo{})
	locks := projectlock.New(fc, eventlog.New(fc))
	disp := dispatcher.New(fc, reg, pol, locks, nil, dispatcher.Options{})

	r := New(sessions, disp, resolver, nil, auth, []string{"2025-06-18"}, ServerInfo{Name: "gatewayd", Version: "test"}, 2)
	return r, sessions
}

func boolPtr(b bool) *bool { return &b }

func sampleTool(name string) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Title:       name,
		Description: "does things",
		InputSchema: &schema.Schema{Type: schema.TypeObject, AdditionalProperties: boolPtr(true)},
	}
}

func doInitialize(t *testing.T, r *Router) Result {
	t.Helper()
	params, _ := json.Marshal(map[string]string{"protocolVersion": "2025-06-18"})
	req := Request{JSONRPC: "2.0", ID: float64(1), Method: "initialize", Params: params}
	return r.HandleRPC(context.Background(), req, http.Header{})
}

func TestInitialize_HappyPath(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{Tools: []ToolDefinition{sampleTool("create_cube")}}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	res := doInitialize(t, r)
	require.Nil(t, res.Response.Error)
	require.NotEmpty(t, res.SessionID)

	result, ok := res.Response.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2025-06-18", result["protocolVersion"])

	toolRegistry, ok := result["toolRegistry"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, toolRegistry["count"])
	assert.NotEmpty(t, toolRegistry["hash"])
}

func TestInitialize_MissingRequestID_Fails(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	req := Request{JSONRPC: "2.0", Method: "initialize", Params: json.RawMessage(`{"protocolVersion":"2025-06-18"}`)}
	res := r.HandleRPC(context.Background(), req, http.Header{})
	require.NotNil(t, res.Response.Error)
	assert.Equal(t, InvalidRequest, res.Response.Error.Code)
}

func TestInitialize_UnsupportedProtocolVersion_Fails(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	req := Request{JSONRPC: "2.0", ID: float64(1), Method: "initialize", Params: json.RawMessage(`{"protocolVersion":"1999-01-01"}`)}
	res := r.HandleRPC(context.Background(), req, http.Header{})
	require.NotNil(t, res.Response.Error)
	assert.Equal(t, InvalidParams, res.Response.Error.Code)
}

func TestInitialize_AuthFailure(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, denyAuth{})

	res := doInitialize(t, r)
	require.NotNil(t, res.Response.Error)
	assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
}

func TestHandleRPC_MissingSessionHeader(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/list"}
	res := r.HandleRPC(context.Background(), req, http.Header{})
	require.NotNil(t, res.Response.Error)
	assert.Equal(t, InvalidRequest, res.Response.Error.Code)
}

func TestHandleRPC_UnknownSession(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	headers := http.Header{}
	headers.Set("Mcp-Session-Id", "does-not-exist")
	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/list"}
	res := r.HandleRPC(context.Background(), req, headers)
	require.NotNil(t, res.Response.Error)
}

func TestHandleRPC_ProtocolVersionMismatch(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	initRes := doInitialize(t, r)
	headers := http.Header{}
	headers.Set("Mcp-Session-Id", initRes.SessionID)
	headers.Set("MCP-Protocol-Version", "2099-01-01")

	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/list"}
	res := r.HandleRPC(context.Background(), req, headers)
	require.NotNil(t, res.Response.Error)
}

func TestToolsList_ReflectsHotPermissionChanges(t *testing.T) {
	t.Parallel()
	// initialize resolves the registry once, then each tools/list resolves it again.
	resolver := &fakeResolver{registries: []ToolRegistry{
		{Tools: []ToolDefinition{sampleTool("create_cube")}},
		{Tools: []ToolDefinition{sampleTool("create_cube")}},
		{Tools: []ToolDefinition{sampleTool("create_cube"), sampleTool("delete_cube")}},
	}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	initRes := doInitialize(t, r)
	headers := http.Header{}
	headers.Set("Mcp-Session-Id", initRes.SessionID)

	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/list"}
	first := r.HandleRPC(context.Background(), req, headers)
	firstResult := first.Response.Result.(map[string]any)
	assert.Len(t, firstResult["tools"], 1)

	second := r.HandleRPC(context.Background(), req, headers)
	secondResult := second.Response.Result.(map[string]any)
	assert.Len(t, secondResult["tools"], 2)
}

func TestToolsCall_UnknownTool_Returns400(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{Tools: []ToolDefinition{sampleTool("create_cube")}}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	initRes := doInitialize(t, r)
	headers := http.Header{}
	headers.Set("Mcp-Session-Id", initRes.SessionID)

	params, _ := json.Marshal(map[string]any{"name": "nonexistent_tool", "arguments": map[string]any{}})
	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/call", Params: params}
	res := r.HandleRPC(context.Background(), req, headers)

	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	require.NotNil(t, res.Response.Error)
	assert.Contains(t, res.Response.Error.Message, "Unknown tool")
}

func TestToolsCall_SchemaValidationFailure_ReturnsInBandError(t *testing.T) {
	t.Parallel()
	strict := sampleTool("create_cube")
	strict.InputSchema = &schema.Schema{Type: schema.TypeObject, Required: []string{"name"}}
	resolver := &fakeResolver{registries: []ToolRegistry{{Tools: []ToolDefinition{strict}}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	initRes := doInitialize(t, r)
	headers := http.Header{}
	headers.Set("Mcp-Session-Id", initRes.SessionID)

	params, _ := json.Marshal(map[string]any{"name": "create_cube", "arguments": map[string]any{}})
	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/call", Params: params}
	res := r.HandleRPC(context.Background(), req, headers)

	require.Nil(t, res.Response.Error)
	result := res.Response.Result.(CallToolResult)
	assert.True(t, result.IsError)
}

func TestToolsCall_Success(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{Tools: []ToolDefinition{sampleTool("create_cube")}}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	initRes := doInitialize(t, r)
	headers := http.Header{}
	headers.Set("Mcp-Session-Id", initRes.SessionID)

	params, _ := json.Marshal(map[string]any{"name": "create_cube", "arguments": map[string]any{"projectId": "p1"}})
	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/call", Params: params}
	res := r.HandleRPC(context.Background(), req, headers)

	require.Nil(t, res.Response.Error)
	result := res.Response.Result.(CallToolResult)
	assert.False(t, result.IsError)
}

func TestUnknownMethod_ReturnsMethodNotFound(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	initRes := doInitialize(t, r)
	headers := http.Header{}
	headers.Set("Mcp-Session-Id", initRes.SessionID)

	req := Request{JSONRPC: "2.0", ID: float64(2), Method: "nonexistent/method"}
	res := r.HandleRPC(context.Background(), req, headers)
	require.NotNil(t, res.Response.Error)
	assert.Equal(t, MethodNotFound, res.Response.Error.Code)
}

func TestAttachSSE_EnforcesConnectionCap(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, sessions := newTestRouter(t, resolver, allowAllAuth{})
	_ = sessions

	initRes := doInitialize(t, r)
	headers := http.Header{}
	headers.Set("Mcp-Session-Id", initRes.SessionID)

	_, conn1, err := r.AttachSSE(headers)
	require.NoError(t, err)
	_, conn2, err := r.AttachSSE(headers)
	require.NoError(t, err)
	_, _, err = r.AttachSSE(headers)
	require.ErrorIs(t, err, ErrTooManySSEConnections)

	sess, _ := r.Sessions().Get(initRes.SessionID)
	r.DetachSSE(sess, conn1)
	_, conn3, err := r.AttachSSE(headers)
	require.NoError(t, err)

	assert.True(t, conn1.Closed())
	assert.False(t, conn2.Closed())
	assert.False(t, conn3.Closed())
}

func TestAttachSSE_UnknownSession(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{registries: []ToolRegistry{{}}}
	r, _ := newTestRouter(t, resolver, allowAllAuth{})

	headers := http.Header{}
	headers.Set("Mcp-Session-Id", "ghost")
	_, _, err := r.AttachSSE(headers)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
