// Package transport implements the Transport Layer (C10): the HTTP(S)
// endpoint hosting the MCP Router, its SSE write path, request body
// limits, and per-principal rate limiting, mirroring the teacher's
// pkg/api server-bootstrap shape (chi router, middleware.RequestID,
// graceful shutdown on context cancellation).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sigee-min/bbmcp-sub010/internal/logger"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcprouter"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second

	// maxBodyBytes bounds a single JSON-RPC request body.
	maxBodyBytes = 1 << 20 // 1 MiB
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. "0.0.0.0:8080".
	Addr string
	// Path is the MCP endpoint path, e.g. "/mcp".
	Path string
	// SSEKeepAlive is the interval at which a ": keep-alive" comment
	// line is written to idle SSE connections.
	SSEKeepAlive time.Duration
	// RateLimitPerSecond and RateLimitBurst configure the per-principal
	// token bucket (golang.org/x/time/rate) applied to the MCP path.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server hosts an mcprouter.Router over HTTP, including the SSE write
// path.
type Server struct {
	router   *mcprouter.Router
	opts     Options
	limiters *limiterSet
}

// New creates a Server. Defaults Path to "/mcp" and SSEKeepAlive to 20s
// if unset.
func New(router *mcprouter.Router, opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.SSEKeepAlive <= 0 {
		opts.SSEKeepAlive = 20 * time.Second
	}
	if opts.RateLimitPerSecond <= 0 {
		opts.RateLimitPerSecond = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 40
	}
	return &Server{
		router:   router,
		opts:     opts,
		limiters: newLimiterSet(opts.RateLimitPerSecond, opts.RateLimitBurst),
	}
}

// Handler builds the chi router. Exposed separately from Serve so tests
// can drive it with httptest.NewServer without binding a real port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Timeout(middlewareTimeout))

	r.Route(s.opts.Path, func(sub chi.Router) {
		sub.Use(s.rateLimitMiddleware)
		sub.Post("/", s.handleRPC)
		sub.Get("/", s.handleMCPGet)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down
// gracefully. Mirrors the teacher's pkg/api.Serve, except Shutdown is
// given a fresh bounded-deadline context rather than the (already
// canceled) serving context, so in-flight SSE writers get a real chance
// to drain.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Infof("starting http server on %s", s.opts.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Infof("http server stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !isJSONContentType(ct) {
		http.Error(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req mcprouter.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCParseError(w)
		return
	}

	result := s.router.HandleRPC(r.Context(), req, r.Header)
	if result.SessionID != "" {
		w.Header().Set("Mcp-Session-Id", result.SessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.HTTPStatus)
	_ = json.NewEncoder(w).Encode(result.Response)
}

// isJSONContentType reports whether ct names application/json, ignoring
// any parameters (e.g. "application/json; charset=utf-8"). A missing
// header is rejected, per spec.md §6's "Content-Type must be
// application/json for POSTs".
func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func writeRPCParseError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(mcprouter.Response{
		JSONRPC: "2.0",
		Error:   &mcprouter.RPCError{Code: mcprouter.ParseError, Message: "invalid JSON"},
	})
}

// handleMCPGet serves the SSE attach path: GET with
// "Accept: text/event-stream" establishes a stream; anything else is
// rejected, per spec.md's "GET /mcp with Accept: text/event-stream =
// SSE attach".
func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") != "text/event-stream" {
		http.Error(w, "Accept: text/event-stream required", http.StatusBadRequest)
		return
	}

	sess, conn, err := s.router.AttachSSE(r.Header)
	if err != nil {
		switch {
		case errors.Is(err, mcprouter.ErrSessionNotFound):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, mcprouter.ErrTooManySSEConnections):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.opts.SSEKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.router.DetachSSE(sess, conn)
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-conn.Messages():
			if !ok {
				return
			}
			if _, err := io.WriteString(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
