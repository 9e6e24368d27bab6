package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mcprelay/mcprelay/internal/downstream"
	"github.com/mcprelay/mcprelay/internal/jsonrpc"
	"github.com/mcprelay/mcprelay/internal/session"
)

// protocolVersion is the MCP protocol revision the gateway speaks.
const protocolVersion = "2024-11-05"

// customPromptPrefix marks org-defined prompts so they cannot shadow
// downstream prompt names.
const customPromptPrefix = "custom_"

const listTimeout = 15 * time.Second

var protocolMethods = map[string]bool{
	"initialize":                true,
	"ping":                      true,
	"notifications/initialized": true,
	"tools/list":                true,
	"resources/list":            true,
	"prompts/list":              true,
}

func isProtocolMethod(method string) bool {
	return protocolMethods[method]
}

// handleProtocol serves the MCP lifecycle and list methods directly from the
// gateway instead of forwarding to a single downstream server.
func (g *Gateway) handleProtocol(ctx context.Context, sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return g.handleInitialize(req)
	case "ping", "notifications/initialized":
		return jsonrpc.NewResult(req.ID, map[string]any{})
	case "tools/list":
		return g.handleList(ctx, req, "tools")
	case "resources/list":
		return g.handleList(ctx, req, "resources")
	case "prompts/list":
		return g.handlePromptsList(ctx, sess, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (g *Gateway) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	return jsonrpc.NewResult(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    "mcprelay",
			"version": Version,
		},
	})
}

// handleList fans the list request out to every downstream server and merges
// the results. A failing server contributes nothing; the rest still answer.
func (g *Gateway) handleList(ctx context.Context, req *jsonrpc.Request, key string) *jsonrpc.Response {
	items := g.aggregateList(ctx, req.Method, key)
	return jsonrpc.NewResult(req.ID, map[string]any{key: items})
}

// handlePromptsList merges downstream prompts with the org's custom prompts
// from the relational store.
func (g *Gateway) handlePromptsList(ctx context.Context, sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	items := g.aggregateList(ctx, req.Method, "prompts")

	if g.promptSource != nil && sess.OrgID() != "" {
		custom, err := g.promptSource.ListByOrg(ctx, sess.OrgID())
		if err != nil {
			g.logger.Warn("listing org prompts failed", "org_id", sess.OrgID(), "error", err)
		} else {
			for _, p := range custom {
				entry := map[string]any{
					"name":        customPromptPrefix + p.Name,
					"description": p.Description,
				}
				if len(p.Arguments) > 0 {
					entry["arguments"] = json.RawMessage(p.Arguments)
				}
				items = append(items, entry)
			}
		}
	}

	return jsonrpc.NewResult(req.ID, map[string]any{"prompts": items})
}

// aggregateList queries all downstream servers concurrently and returns the
// concatenated item lists in stable server order. Per-server failures are
// logged and counted but never fail the aggregate.
func (g *Gateway) aggregateList(ctx context.Context, method, key string) []map[string]any {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	ids := g.manager.IDs()
	results := make([][]map[string]any, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		srv, ok := g.manager.Get(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, srv *downstream.Server) {
			defer wg.Done()
			items, err := listFromServer(ctx, srv, method, key)
			if err != nil {
				g.logger.Warn("downstream list failed",
					"server", srv.ID, "method", method, "error", err)
				g.metrics.DownstreamFailures.WithLabelValues(srv.ID).Inc()
				return
			}
			results[i] = items
		}(i, srv)
	}
	wg.Wait()

	merged := make([]map[string]any, 0)
	for _, items := range results {
		merged = append(merged, items...)
	}
	return merged
}

func listFromServer(ctx context.Context, srv *downstream.Server, method, key string) ([]map[string]any, error) {
	req := &jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`"` + method + `"`), Method: method}
	resp, err := srv.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return nil, err
	}
	var items []map[string]any
	if raw, ok := payload[key]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
	}
	return items, nil
}
