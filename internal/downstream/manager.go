package downstream

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mcprelay/mcprelay/internal/config"
	"github.com/mcprelay/mcprelay/internal/jsonrpc"
)

// Manager holds the configured downstream servers.
type Manager struct {
	servers map[string]*Server
	order   []string
	logger  *slog.Logger
}

// NewManager builds clients for every configured server.
func NewManager(endpoints map[string]config.ServerEndpoint, logger *slog.Logger) *Manager {
	m := &Manager{
		servers: make(map[string]*Server, len(endpoints)),
		logger:  logger,
	}
	for id, cfg := range endpoints {
		m.servers[id] = NewServer(id, cfg, logger)
		m.order = append(m.order, id)
	}
	sort.Strings(m.order)
	return m
}

// Start probes every server with a ping. An unreachable server is logged and
// left configured: list aggregation tolerates per-server failure, and the
// server may come back before the next call.
func (m *Manager) Start(ctx context.Context) {
	for _, id := range m.order {
		srv := m.servers[id]
		ping := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: "probe", Method: "ping"}
		if _, err := srv.Call(ctx, ping); err != nil {
			m.logger.Warn("downstream server unreachable at startup", "server", id, "error", err)
			continue
		}
		m.logger.Info("downstream server connected", "server", id, "url", srv.URL())
	}
}

// Stop releases client resources.
func (m *Manager) Stop() {
	for _, srv := range m.servers {
		srv.Close()
	}
}

// Get returns the server with the given id.
func (m *Manager) Get(id string) (*Server, bool) {
	srv, ok := m.servers[id]
	return srv, ok
}

// IDs returns the server ids in stable order.
func (m *Manager) IDs() []string {
	return m.order
}

// Len returns the number of configured servers.
func (m *Manager) Len() int {
	return len(m.servers)
}
