// Package mcprouter implements the MCP Router (C9): JSON-RPC 2.0
// message dispatch for initialize, tools/list, tools/call, resources/*,
// and SSE attach, independent of the concrete transport hosting it.
package mcprouter

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/sigee-min/bbmcp-sub010/pkg/dispatcher"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
	"github.com/sigee-min/bbmcp-sub010/pkg/registry"
	"github.com/sigee-min/bbmcp-sub010/pkg/schema"
	"github.com/sigee-min/bbmcp-sub010/pkg/ssecommon"
)

// ErrSessionNotFound is returned by AttachSSE when the Mcp-Session-Id
// header names no live session.
var ErrSessionNotFound = errors.New("mcprouter: session not found")

// ErrTooManySSEConnections is returned by AttachSSE when a session has
// already reached its per-session connection cap.
var ErrTooManySSEConnections = errors.New("mcprouter: too many SSE connections for session")

// SSEConn adapts an ssecommon.SSEClient to the mcpsession.Conn interface
// so the session store can track its liveness.
type SSEConn struct {
	client *ssecommon.SSEClient
	closed atomic.Bool
}

// Messages returns the outbound channel the transport should drain and
// write to the HTTP response as SSE frames.
func (c *SSEConn) Messages() <-chan string { return c.client.MessageCh }

// Closed reports whether Close has been called.
func (c *SSEConn) Closed() bool { return c.closed.Load() }

// Close marks the connection closed. Safe to call more than once.
func (c *SSEConn) Close() { c.closed.Store(true) }

// JSON-RPC 2.0 transport-level error codes (spec.md §7).
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is a parsed JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// Result wraps a Response with the transport-level metadata the caller
// (C10) must translate into HTTP status and headers.
type Result struct {
	Response   Response
	HTTPStatus int
	// SessionID is set only by a successful initialize call, instructing
	// the transport to emit it as the Mcp-Session-Id response header.
	SessionID string
}

func okResult(id any, result any) Result {
	return Result{Response: Response{JSONRPC: "2.0", ID: id, Result: result}, HTTPStatus: http.StatusOK}
}

func errResult(status int, id any, code int, message string) Result {
	return Result{Response: Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}, HTTPStatus: status}
}

// ToolDefinition is one entry in a ToolRegistry.
type ToolDefinition struct {
	Name        string
	Title       string
	Description string
	InputSchema *schema.Schema
}

// ToolRegistry is the ordered tool sequence advertised to a given
// principal, plus its deterministic capability hash.
type ToolRegistry struct {
	Tools []ToolDefinition
}

// Hash is a pure function of the ordered (name, inputSchema) sequence:
// two processes holding the same registry in the same order produce the
// same hash (spec.md §8).
func (tr ToolRegistry) Hash() string {
	type entry struct {
		Name   string         `json:"name"`
		Schema *schema.Schema `json:"schema"`
	}
	entries := make([]entry, len(tr.Tools))
	for i, t := range tr.Tools {
		entries[i] = entry{Name: t.Name, Schema: t.InputSchema}
	}
	b, _ := json.Marshal(entries)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

func (tr ToolRegistry) find(name string) (ToolDefinition, bool) {
	for _, t := range tr.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// ToolRegistryResolver resolves the registry visible to a principal.
// Admin roles see the full registry; workspace members a permission-
// filtered subset; service keys a service-only subset; unknown
// principals an empty registry.
type ToolRegistryResolver interface {
	Resolve(ctx context.Context, principal mcpsession.Principal) ToolRegistry
}

// ResourceDescriptor is a single listed resource.
type ResourceDescriptor struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// ResourceContent is the body of a read resource.
type ResourceContent struct {
	URI      string
	MimeType string
	Text     string
	Blob     []byte
}

// ResourceTemplate is a URI template entry.
type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
}

// ResourceStore is the injected collaborator for resources/* methods.
type ResourceStore interface {
	List(ctx context.Context) ([]ResourceDescriptor, error)
	Read(ctx context.Context, uri string) (ResourceContent, error)
	ListTemplates(ctx context.Context) ([]ResourceTemplate, error)
}

// Authenticator validates inbound request headers into a principal.
// ok=false means credentials were presented but invalid; an absent
// credential MUST still return ok=true with an anonymous principal,
// per spec.md §4.9.
type Authenticator interface {
	Authenticate(ctx context.Context, headers http.Header) (mcpsession.Principal, bool)
}

// ServerInfo is advertised verbatim in initialize's result.
type ServerInfo struct {
	Name    string
	Version string
}

// CallToolResult is the tools/call result shape, carrying the tool's
// outcome in-band even on failure (spec.md §7: "errors within a tool
// call are captured ... and returned in-band").
type CallToolResult struct {
	Content           []ContentBlock `json:"content"`
	IsError           bool           `json:"isError"`
	StructuredContent any            `json:"structuredContent,omitempty"`
}

// ContentBlock is one piece of tool-result content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Router dispatches JSON-RPC 2.0 messages per spec.md §4.9.
type Router struct {
	sessions          *mcpsession.Store
	dispatcher        *dispatcher.Dispatcher
	resolver          ToolRegistryResolver
	resources         ResourceStore
	auth              Authenticator
	supportedVersions []string
	serverInfo        ServerInfo
	maxSSEPerSession  int
}

// New creates a Router. supportedVersions lists protocol versions the
// server will negotiate at initialize, in preference order.
func New(sessions *mcpsession.Store, disp *dispatcher.Dispatcher, resolver ToolRegistryResolver, resources ResourceStore, auth Authenticator, supportedVersions []string, serverInfo ServerInfo, maxSSEPerSession int) *Router {
	if maxSSEPerSession <= 0 {
		maxSSEPerSession = 4
	}
	return &Router{
		sessions:          sessions,
		dispatcher:        disp,
		resolver:          resolver,
		resources:         resources,
		auth:              auth,
		supportedVersions: supportedVersions,
		serverInfo:        serverInfo,
		maxSSEPerSession:  maxSSEPerSession,
	}
}

// HandleRPC routes a single parsed JSON-RPC message.
func (r *Router) HandleRPC(ctx context.Context, req Request, headers http.Header) Result {
	if req.Method == "initialize" {
		return r.handleInitialize(ctx, req, headers)
	}

	sessionID := headers.Get("Mcp-Session-Id")
	if sessionID == "" {
		return errResult(http.StatusBadRequest, req.ID, InvalidRequest, "Mcp-Session-Id required")
	}
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return errResult(http.StatusBadRequest, req.ID, InvalidRequest, "unknown session")
	}
	if hdr := headers.Get("MCP-Protocol-Version"); hdr != "" && hdr != sess.ProtocolVersion() {
		return errResult(http.StatusBadRequest, req.ID, InvalidRequest, "MCP-Protocol-Version mismatch")
	}
	r.sessions.Touch(sess)

	switch req.Method {
	case "tools/list":
		return r.handleToolsList(ctx, req, sess)
	case "tools/call":
		return r.handleToolsCall(ctx, req, sess)
	case "resources/list":
		return r.handleResourcesList(ctx, req)
	case "resources/read":
		return r.handleResourcesRead(ctx, req)
	case "resources/templates/list":
		return r.handleResourcesTemplatesList(ctx, req)
	default:
		return errResult(http.StatusOK, req.ID, MethodNotFound, "Method not found")
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

func (r *Router) handleInitialize(ctx context.Context, req Request, headers http.Header) Result {
	if req.ID == nil {
		return errResult(http.StatusBadRequest, req.ID, InvalidRequest, "initialize requires a request id")
	}

	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult(http.StatusBadRequest, req.ID, ParseError, "invalid params")
		}
	}

	negotiated := ""
	for _, v := range r.supportedVersions {
		if v == params.ProtocolVersion {
			negotiated = v
			break
		}
	}
	if negotiated == "" {
		return errResult(http.StatusOK, req.ID, InvalidParams, "Unsupported protocol version")
	}

	principal, ok := r.auth.Authenticate(ctx, headers)
	if !ok {
		return errResult(http.StatusUnauthorized, req.ID, InvalidRequest, "authentication failed")
	}

	sess := r.sessions.Create(negotiated, &principal)
	reg := r.resolver.Resolve(ctx, principal)

	result := map[string]any{
		"protocolVersion": negotiated,
		"serverInfo":      r.serverInfo,
		"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
		"instructions":    "",
		"toolRegistry": map[string]any{
			"hash":  reg.Hash(),
			"count": len(reg.Tools),
		},
	}

	res := okResult(req.ID, result)
	res.SessionID = sess.ID()
	return res
}

func (r *Router) handleToolsList(ctx context.Context, req Request, sess *mcpsession.Session) Result {
	reg := r.resolver.Resolve(ctx, *sess.Principal())
	tools := make([]map[string]any, 0, len(reg.Tools))
	for _, t := range reg.Tools {
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"title":       t.Title,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		})
	}
	return okResult(req.ID, map[string]any{"tools": tools})
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (r *Router) handleToolsCall(ctx context.Context, req Request, sess *mcpsession.Session) Result {
	var params toolsCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult(http.StatusBadRequest, req.ID, ParseError, "invalid params")
		}
	}

	reg := r.resolver.Resolve(ctx, *sess.Principal())
	tool, ok := reg.find(params.Name)
	if !ok {
		// A tool absent from the caller's current registry — whether
		// never defined or hidden by a permission demotion since session
		// init — is a routing failure, not an in-band tool outcome: it
		// never reaches a backend, so it surfaces as a transport-level
		// 400 rather than a CallToolResult (spec.md §8 scenario 3).
		return errResult(http.StatusBadRequest, req.ID, InvalidParams, "Unknown tool")
	}

	if tool.InputSchema != nil {
		if verr := schema.Validate(tool.InputSchema, params.Arguments); verr != nil {
			return okResult(req.ID, errorCallResult(verr.Error(), "invalid_payload"))
		}
	}

	resp := r.dispatcher.Handle(ctx, params.Name, params.Arguments, dispatcher.CallContext{
		SessionID: sess.ID(),
		Principal: *sess.Principal(),
	})

	return okResult(req.ID, toolResponseToCallResult(resp))
}

func toolResponseToCallResult(resp registry.ToolResponse) CallToolResult {
	if resp.OK {
		return CallToolResult{
			Content:           []ContentBlock{{Type: "text", Text: fmt.Sprintf("%v", resp.Data)}},
			IsError:           false,
			StructuredContent: resp,
		}
	}
	message := "tool execution failed"
	if resp.Error != nil {
		message = resp.Error.Message
	}
	return CallToolResult{
		Content:           []ContentBlock{{Type: "text", Text: message}},
		IsError:           true,
		StructuredContent: resp,
	}
}

func errorCallResult(message, code string) CallToolResult {
	return CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: message}},
		IsError: true,
		StructuredContent: map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

func (r *Router) handleResourcesList(ctx context.Context, req Request) Result {
	if r.resources == nil {
		return okResult(req.ID, map[string]any{"resources": []ResourceDescriptor{}})
	}
	list, err := r.resources.List(ctx)
	if err != nil {
		return errResult(http.StatusOK, req.ID, InternalError, err.Error())
	}
	return okResult(req.ID, map[string]any{"resources": list})
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (r *Router) handleResourcesRead(ctx context.Context, req Request) Result {
	var params resourcesReadParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResult(http.StatusBadRequest, req.ID, ParseError, "invalid params")
		}
	}
	if r.resources == nil {
		return errResult(http.StatusOK, req.ID, InvalidParams, "no resource store configured")
	}
	content, err := r.resources.Read(ctx, params.URI)
	if err != nil {
		return errResult(http.StatusOK, req.ID, InternalError, err.Error())
	}
	return okResult(req.ID, map[string]any{"contents": []ResourceContent{content}})
}

func (r *Router) handleResourcesTemplatesList(ctx context.Context, req Request) Result {
	if r.resources == nil {
		return okResult(req.ID, map[string]any{"resourceTemplates": []ResourceTemplate{}})
	}
	list, err := r.resources.ListTemplates(ctx)
	if err != nil {
		return errResult(http.StatusOK, req.ID, InternalError, err.Error())
	}
	return okResult(req.ID, map[string]any{"resourceTemplates": list})
}

// MaxSSEConnections returns the configured per-session SSE connection
// cap.
func (r *Router) MaxSSEConnections() int {
	return r.maxSSEPerSession
}

// Sessions exposes the underlying session store for the transport
// layer's SSE attach path.
func (r *Router) Sessions() *mcpsession.Store {
	return r.sessions
}

// AttachSSE validates the session named by headers' Mcp-Session-Id,
// enforces the per-session connection cap, and attaches a new SSEConn.
// The caller (C10) is responsible for draining the returned conn's
// Messages channel and calling DetachSSE when the client disconnects.
func (r *Router) AttachSSE(headers http.Header) (*mcpsession.Session, *SSEConn, error) {
	sessionID := headers.Get("Mcp-Session-Id")
	if sessionID == "" {
		return nil, nil, ErrSessionNotFound
	}
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	if sess.ConnectionCount() >= r.maxSSEPerSession {
		return nil, nil, ErrTooManySSEConnections
	}

	conn := &SSEConn{client: ssecommon.NewSSEClient(32)}
	r.sessions.AttachSSE(sess, conn)
	return sess, conn, nil
}

// DetachSSE closes conn and removes it from sess's attached set.
func (r *Router) DetachSSE(sess *mcpsession.Session, conn *SSEConn) {
	conn.Close()
	r.sessions.DetachSSE(sess, conn)
}
