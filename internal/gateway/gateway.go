// Package gateway implements the MCP gateway: a JSON-RPC routing layer that
// fronts multiple downstream MCP servers over HTTP and WebSocket, aggregating
// their capability lists and dispatching calls to the owning server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mcprelay/mcprelay/internal/audit"
	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/capability"
	"github.com/mcprelay/mcprelay/internal/config"
	"github.com/mcprelay/mcprelay/internal/downstream"
	"github.com/mcprelay/mcprelay/internal/jsonrpc"
	"github.com/mcprelay/mcprelay/internal/metrics"
	"github.com/mcprelay/mcprelay/internal/prompts"
	"github.com/mcprelay/mcprelay/internal/session"
)

// Version is reported in initialize results and on /health.
const Version = "0.1.0"

// maxBodyBytes caps HTTP and WebSocket request payloads.
const maxBodyBytes = 4 << 20

// Gateway wires the session store, downstream manager, capability cache, and
// protocol handling together and owns the HTTP server lifecycle.
type Gateway struct {
	cfg          *config.Config
	sessions     *session.Store
	manager      *downstream.Manager
	capabilities *capability.Cache
	promptSource prompts.Source
	promptsClose func()
	audit        *audit.Store
	metrics      *metrics.Metrics
	httpServer   *http.Server
	ln           net.Listener
	logger       *slog.Logger
}

// New creates a gateway from the given configuration.
// Callers must call Start to begin serving and Shutdown to stop.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	resolver := auth.NewResolver(cfg.Auth, logger)
	sessions := session.NewStore(cfg.Sessions, resolver, logger)
	manager := downstream.NewManager(cfg.MCPServers, logger)
	capCache := capability.NewCache(manager, cfg.Capabilities.CacheTTL(), logger)

	auditStore, err := audit.NewStore(cfg.Audit.DBPath, logger, cfg.Audit.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	g := &Gateway{
		cfg:          cfg,
		sessions:     sessions,
		manager:      manager,
		capabilities: capCache,
		audit:        auditStore,
		logger:       logger,
	}
	g.metrics = metrics.New(sessions.Len)
	return g, nil
}

// Start connects collaborators and starts the HTTP server. It blocks until
// the server is shut down.
func (g *Gateway) Start(ctx context.Context) error {
	if g.cfg.Database.DSN != "" {
		src, err := prompts.NewPGSource(ctx, g.cfg.Database.DSN, g.logger)
		if err != nil {
			return fmt.Errorf("connecting prompt store: %w", err)
		}
		g.promptSource = src
		g.promptsClose = src.Close
	}

	g.manager.Start(ctx)
	g.sessions.Start()

	bind := g.cfg.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, actualPort, err := listenAutoPort(bind, g.cfg.Server.Port, g.logger)
	if err != nil {
		return fmt.Errorf("binding gateway port: %w", err)
	}
	g.ln = ln
	g.cfg.Server.Port = actualPort

	g.httpServer = &http.Server{
		Handler:        g.Handler(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g.logger.Info("gateway starting",
		"addr", g.ln.Addr().String(),
		"servers", g.manager.Len(),
		"max_sessions", g.cfg.Sessions.MaxSessions,
	)

	return g.httpServer.Serve(g.ln)
}

// Handler builds the gateway's HTTP mux.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", g.handleMCP)
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("POST /capabilities/refresh", g.handleRefresh)
	mux.Handle("GET /metrics", g.metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"version": Version,
			"servers": g.manager.Len(),
		})
	})

	if g.cfg.Tracing.Enabled {
		return otelhttp.NewHandler(mux, "mcprelay")
	}
	return mux
}

// Port returns the actual port the gateway is bound to.
func (g *Gateway) Port() int {
	return g.cfg.Server.Port
}

// Shutdown gracefully stops the server, the downstream manager, the session
// store (closing live connections), and the audit store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down")
	var firstErr error

	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.manager.Stop()
	g.sessions.Stop()
	if g.promptsClose != nil {
		g.promptsClose()
	}
	if err := g.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// handleMCP is the POST /mcp endpoint: one JSON-RPC request per body, the
// response envelope returned directly.
func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeHTTPFailure(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "failed to read request body")
		return
	}

	sess, err := g.sessions.CreateWithAuth(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"), session.TransportHTTP, r.Header.Get("X-Simulate-Org"))
	if err != nil {
		g.logger.Warn("session creation failed", "error", err)
		writeHTTPFailure(w, http.StatusServiceUnavailable, jsonrpc.CodeInternalError, err.Error())
		return
	}

	resp := g.HandleHTTPRequest(r.Context(), sess, body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// HandleHTTPRequest adapts a raw HTTP body to an MCP request and dispatches
// it. Every failure comes back as a valid JSON-RPC response envelope.
func (g *Gateway) HandleHTTPRequest(ctx context.Context, sess *session.Session, body []byte) *jsonrpc.Response {
	req, errResp := jsonrpc.Parse(body)
	if errResp != nil {
		return errResp
	}
	return g.dispatch(ctx, sess, req)
}

// dispatch hands a validated request to the protocol handler or the router
// and records the outcome.
func (g *Gateway) dispatch(ctx context.Context, sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var resp *jsonrpc.Response
	var serverID string
	if isProtocolMethod(req.Method) {
		resp = g.handleProtocol(ctx, sess, req)
	} else {
		resp, serverID = g.route(ctx, sess, req)
	}

	g.record(sess, req, resp, serverID, time.Since(start))
	return resp
}

// record writes the audit entry and metrics for one handled request.
func (g *Gateway) record(sess *session.Session, req *jsonrpc.Request, resp *jsonrpc.Response, serverID string, elapsed time.Duration) {
	status := "ok"
	errorCode := 0
	if resp != nil && resp.Error != nil {
		status = "error"
		errorCode = resp.Error.Code
	}

	g.metrics.Requests.WithLabelValues(req.Method, status, string(sess.Transport)).Inc()
	g.metrics.Duration.WithLabelValues(req.Method).Observe(elapsed.Seconds())

	g.audit.Log(audit.Entry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		OrgID:      sess.OrgID(),
		Transport:  string(sess.Transport),
		Method:     req.Method,
		Capability: capabilityName(req),
		ServerID:   serverID,
		Status:     status,
		ErrorCode:  errorCode,
		LatencyMs:  elapsed.Milliseconds(),
	})
}

// handleRefresh rebuilds the capability map on demand.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m := g.capabilities.Refresh(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"capabilities": len(m),
	})
}

func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// writeHTTPFailure writes the flattened HTTP-only failure shape used when no
// JSON-RPC envelope exists yet.
func writeHTTPFailure(w http.ResponseWriter, httpStatus, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	addr := fmt.Sprintf("%s:%d", bind, port)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		actual := ln.Addr().(*net.TCPAddr).Port
		return ln, actual, nil
	}

	if !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("gateway port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		addr = fmt.Sprintf("%s:%d", bind, tryPort)
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			logger.Info("using alternative gateway port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return false
}
