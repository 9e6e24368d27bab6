package gateway

import (
	"context"

	"github.com/mcprelay/mcprelay/internal/capability"
	"github.com/mcprelay/mcprelay/internal/jsonrpc"
	"github.com/mcprelay/mcprelay/internal/session"
)

// route forwards a non-protocol request to the downstream server that owns
// its capability, returning the response and the owning server's id. The
// request envelope is forwarded untouched; the downstream response comes back
// as-is with the client's id. Downstream failures are reported once with
// -32603 and never retried.
func (g *Gateway) route(ctx context.Context, sess *session.Session, req *jsonrpc.Request) (*jsonrpc.Response, string) {
	capMap := g.capabilities.Current(ctx)

	name := capability.Name(req)
	if name == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", "missing capability name"), ""
	}

	serverID, ok := capMap[name]
	if !ok {
		return jsonrpc.Errorf(req.ID, jsonrpc.CodeMethodNotFound, "no server provides capability %q", name), ""
	}

	srv, ok := g.manager.Get(serverID)
	if !ok {
		g.logger.Error("capability map names unknown server", "capability", name, "server", serverID)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Internal error", "capability owner not available"), serverID
	}

	g.logger.Debug("routing request",
		"session_id", sess.ID,
		"method", req.Method,
		"capability", name,
		"server", serverID,
	)

	resp, err := srv.Call(ctx, req)
	if err != nil {
		g.metrics.DownstreamFailures.WithLabelValues(serverID).Inc()
		g.logger.Warn("downstream call failed", "server", serverID, "method", req.Method, "error", err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Internal error", err.Error()), serverID
	}

	resp.ID = req.ID
	return resp, serverID
}

// capabilityName reports the capability a request targets, for audit records.
func capabilityName(req *jsonrpc.Request) string {
	if isProtocolMethod(req.Method) {
		return ""
	}
	return capability.Name(req)
}
