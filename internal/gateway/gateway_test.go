package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprelay/mcprelay/internal/audit"
	"github.com/mcprelay/mcprelay/internal/config"
	"github.com/mcprelay/mcprelay/internal/jsonrpc"
	"github.com/mcprelay/mcprelay/internal/prompts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMCPServer answers list methods with fixed tool names and echoes
// tools/call params back as the result. calls counts every request.
func fakeMCPServer(t *testing.T, tools []string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req jsonrpc.Request
		require.NoError(t, json.Unmarshal(body, &req))

		var resp *jsonrpc.Response
		switch req.Method {
		case "tools/list":
			items := make([]map[string]any, 0, len(tools))
			for _, name := range tools {
				items = append(items, map[string]any{"name": name})
			}
			resp = jsonrpc.NewResult(req.ID, map[string]any{"tools": items})
		case "resources/list":
			resp = jsonrpc.NewResult(req.ID, map[string]any{"resources": []map[string]any{}})
		case "prompts/list":
			resp = jsonrpc.NewResult(req.ID, map[string]any{"prompts": []map[string]any{}})
		case "tools/call":
			resp = jsonrpc.NewRawResult(req.ID, req.Params)
		default:
			resp = jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "method not found", nil)
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(t *testing.T, servers map[string]config.ServerEndpoint) *Gateway {
	t.Helper()
	cfg := config.Defaults()
	cfg.Sessions.TokenSecret = "test-secret"
	cfg.Auth.APIKeys = map[string]config.APIKeyIdentity{
		"key-acme": {OrgID: "org-1", OrgExternalID: "acme", UserExternalID: "alice"},
	}
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit.db")
	cfg.MCPServers = servers

	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	g.sessions.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, g.Shutdown(ctx))
	})
	return g
}

func postMCP(t *testing.T, h http.Handler, body string, headers map[string]string) (*jsonrpc.Response, int) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp, rec.Code
}

func TestInvalidEnvelopeNeverReachesDownstream(t *testing.T) {
	var calls atomic.Int64
	srv := fakeMCPServer(t, []string{"search"}, &calls)
	g := newTestGateway(t, map[string]config.ServerEndpoint{"linear": {URL: srv.URL}})
	h := g.Handler()

	resp, code := postMCP(t, h, `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
	assert.EqualValues(t, 1, resp.ID)
	assert.Equal(t, int64(0), calls.Load())

	resp, _ = postMCP(t, h, `{"jsonrpc":"2.0","id":2}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, int64(0), calls.Load())
}

func TestParseErrorResponse(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, code := postMCP(t, g.Handler(), `{not json`, nil)
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)
}

func TestPingCreatesAnonymousSession(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, _ := postMCP(t, g.Handler(), `{"jsonrpc":"2.0","id":"p1","method":"ping"}`, nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, "p1", resp.ID)
	assert.JSONEq(t, `{}`, string(resp.Result))
	assert.Equal(t, 1, g.sessions.Len())
}

func TestInitialize(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, _ := postMCP(t, g.Handler(), `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, "mcprelay", result.ServerInfo.Name)
	assert.Equal(t, Version, result.ServerInfo.Version)
}

func TestToolsListToleratesFailingServer(t *testing.T) {
	var calls atomic.Int64
	srv := fakeMCPServer(t, []string{"search", "create_issue"}, &calls)
	g := newTestGateway(t, map[string]config.ServerEndpoint{
		"linear": {URL: srv.URL},
		"broken": {URL: "http://127.0.0.1:1"},
	})

	resp, _ := postMCP(t, g.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []map[string]any `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "search", result.Tools[0]["name"])
	assert.Equal(t, "create_issue", result.Tools[1]["name"])
}

func TestToolsCallRoutedToOwner(t *testing.T) {
	var linearCalls, docsCalls atomic.Int64
	linear := fakeMCPServer(t, []string{"search"}, &linearCalls)
	docs := fakeMCPServer(t, []string{"read_doc"}, &docsCalls)
	g := newTestGateway(t, map[string]config.ServerEndpoint{
		"linear": {URL: linear.URL},
		"docs":   {URL: docs.URL},
	})
	h := g.Handler()

	resp, _ := postMCP(t, h, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"read_doc","arguments":{"path":"a.md"}}}`, nil)
	require.Nil(t, resp.Error)
	assert.EqualValues(t, 7, resp.ID)
	assert.JSONEq(t, `{"name":"read_doc","arguments":{"path":"a.md"}}`, string(resp.Result))

	// Only the owning server (plus the capability rebuild) saw traffic.
	docsBefore := docsCalls.Load()
	linearBefore := linearCalls.Load()
	_, _ = postMCP(t, h, `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"read_doc"}}`, nil)
	assert.Equal(t, docsBefore+1, docsCalls.Load())
	assert.Equal(t, linearBefore, linearCalls.Load())
}

func TestUnownedCapabilityIsMethodNotFound(t *testing.T) {
	var calls atomic.Int64
	srv := fakeMCPServer(t, []string{"search"}, &calls)
	g := newTestGateway(t, map[string]config.ServerEndpoint{"linear": {URL: srv.URL}})

	resp, _ := postMCP(t, g.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "nope")
}

func TestDownstreamFailureIsInternalError(t *testing.T) {
	var calls atomic.Int64
	srv := fakeMCPServer(t, []string{"search"}, &calls)
	g := newTestGateway(t, map[string]config.ServerEndpoint{"linear": {URL: srv.URL}})
	h := g.Handler()

	// Warm the capability map while the server is reachable, then kill it.
	resp, _ := postMCP(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`, nil)
	require.Nil(t, resp.Error)
	srv.Close()

	resp, _ = postMCP(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search"}}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Data)
}

func TestToolsCallWithoutNameIsInvalidParams(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, _ := postMCP(t, g.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

type fakePromptSource struct {
	prompts []prompts.Prompt
}

func (f *fakePromptSource) ListByOrg(ctx context.Context, orgID string) ([]prompts.Prompt, error) {
	return f.prompts, nil
}

func TestPromptsListIncludesOrgPrompts(t *testing.T) {
	g := newTestGateway(t, nil)
	g.promptSource = &fakePromptSource{prompts: []prompts.Prompt{
		{Name: "triage", Description: "Triage an incoming ticket"},
	}}

	resp, _ := postMCP(t, g.Handler(), `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`, map[string]string{
		"X-API-Key": "key-acme",
	})
	require.Nil(t, resp.Error)

	var result struct {
		Prompts []map[string]any `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Prompts, 1)
	assert.Equal(t, "custom_triage", result.Prompts[0]["name"])
}

func TestCapabilityRefreshEndpoint(t *testing.T) {
	var calls atomic.Int64
	srv := fakeMCPServer(t, []string{"search"}, &calls)
	g := newTestGateway(t, map[string]config.ServerEndpoint{"linear": {URL: srv.URL}})

	req := httptest.NewRequest(http.MethodPost, "/capabilities/refresh", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success      bool `json:"success"`
		Capabilities int  `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Capabilities)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)
	h := g.Handler()

	_, _ = postMCP(t, h, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mcprelay_requests_total")
}

func wsDial(t *testing.T, ts *httptest.Server, headers map[string]string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func wsRead(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return data
}

func TestWebSocketWelcomeFrame(t *testing.T) {
	var calls atomic.Int64
	srv := fakeMCPServer(t, []string{"search"}, &calls)
	g := newTestGateway(t, map[string]config.ServerEndpoint{"linear": {URL: srv.URL}})
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	conn := wsDial(t, ts, map[string]string{"X-API-Key": "key-acme"})

	var welcome welcomeFrame
	require.NoError(t, json.Unmarshal(wsRead(t, conn), &welcome))
	assert.Equal(t, "connection", welcome.Type)
	assert.NotEmpty(t, welcome.SessionID)
	assert.NotEmpty(t, welcome.SessionToken)
	assert.Contains(t, welcome.Capabilities, "search")

	sess, ok := g.sessions.Get(welcome.SessionID)
	require.True(t, ok)
	assert.Equal(t, "alice", sess.UserID)
}

func TestWebSocketMalformedFrameGetsOneParseError(t *testing.T) {
	g := newTestGateway(t, nil)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	conn := wsDial(t, ts, nil)
	_ = wsRead(t, conn) // welcome

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{broken`)))

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(wsRead(t, conn), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)

	// The connection stays usable after the parse error.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	resp = jsonrpc.Response{}
	require.NoError(t, json.Unmarshal(wsRead(t, conn), &resp))
	assert.Nil(t, resp.Error)
}

func TestWebSocketNotificationGetsNoResponse(t *testing.T) {
	g := newTestGateway(t, nil)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)

	conn := wsDial(t, ts, nil)
	_ = wsRead(t, conn) // welcome

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	// A follow-up request must get the next frame, not a stray notification reply.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":"after","method":"ping"}`)))

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(wsRead(t, conn), &resp))
	assert.Equal(t, "after", resp.ID)
}

func TestAuditRecordsRequests(t *testing.T) {
	g := newTestGateway(t, nil)
	h := g.Handler()

	for i := 0; i < 3; i++ {
		_, _ = postMCP(t, h, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i), map[string]string{"X-API-Key": "key-acme"})
	}
	g.audit.Flush()

	entries, err := g.audit.Query(audit.QueryOpts{Method: "ping"})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, "alice", entries[0].UserID)
	assert.Equal(t, "ok", entries[0].Status)
}
