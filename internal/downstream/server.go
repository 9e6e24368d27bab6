// Package downstream talks JSON-RPC over HTTP to the configured MCP servers.
// Requests are forwarded as-is; responses are decoded only far enough to
// check the envelope.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mcprelay/mcprelay/internal/config"
	"github.com/mcprelay/mcprelay/internal/jsonrpc"
)

const defaultCallTimeout = 30 * time.Second

// Server is the HTTP client for one downstream MCP server.
type Server struct {
	ID     string
	cfg    config.ServerEndpoint
	client *http.Client
	logger *slog.Logger
}

// NewServer creates a client for a single downstream server.
func NewServer(id string, cfg config.ServerEndpoint, logger *slog.Logger) *Server {
	timeout := defaultCallTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Server{
		ID:  id,
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: timeout,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger: logger,
	}
}

// URL returns the server's /mcp endpoint.
func (s *Server) URL() string {
	return strings.TrimRight(s.cfg.URL, "/") + "/mcp"
}

// Call posts the request envelope to the server's /mcp endpoint and returns
// the decoded response envelope. Network failures, non-2xx statuses, and
// malformed response JSON are all errors; the caller decides how they
// surface.
func (s *Server) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("server %s: encoding request: %w", s.ID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("server %s: building request: %w", s.ID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	for k, v := range s.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", s.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server %s: unexpected status %d: %s", s.ID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("server %s: decoding response: %w", s.ID, err)
	}
	return &out, nil
}

// Close releases idle connections.
func (s *Server) Close() {
	if t, ok := s.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
