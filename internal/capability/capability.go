// Package capability maintains the mapping from capability name (tool,
// resource URI, or prompt name) to the downstream server that provides it.
package capability

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mcprelay/mcprelay/internal/downstream"
	"github.com/mcprelay/mcprelay/internal/jsonrpc"
)

// Map maps a capability name to the id of the server advertising it.
type Map map[string]string

// Name returns the capability a request targets. tools/call requests resolve
// by the tool name inside params, not the outer method; every other method
// resolves by the method name itself. "" means the request names no
// resolvable capability.
func Name(req *jsonrpc.Request) string {
	if req.Method == "tools/call" {
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return ""
		}
		return params.Name
	}
	return req.Method
}

// Resolve returns the id of the server owning the request's capability, or
// "" when no server advertises it.
func Resolve(req *jsonrpc.Request, m Map) string {
	return m[Name(req)]
}

// Cache rebuilds the capability map from the downstream servers on a TTL,
// with a manual refresh path. Rebuilds query every server's tools/list,
// resources/list, and prompts/list; a failing server contributes nothing and
// is logged, never fatal.
type Cache struct {
	manager *downstream.Manager
	ttl     time.Duration
	logger  Logger

	mu      sync.Mutex
	current Map
	builtAt time.Time
}

// Logger is the slog subset the cache uses.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// NewCache creates a capability cache over the downstream manager.
func NewCache(manager *downstream.Manager, ttl time.Duration, logger Logger) *Cache {
	return &Cache{manager: manager, ttl: ttl, logger: logger}
}

// Current returns the capability map, rebuilding it when empty or past its
// TTL. A rebuild that comes back empty while a previous map exists (every
// server briefly unreachable) keeps serving the previous map and leaves the
// TTL clock alone, so the next call retries.
func (c *Cache) Current(ctx context.Context) Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || time.Since(c.builtAt) > c.ttl {
		m := c.build(ctx)
		if len(m) == 0 && len(c.current) > 0 {
			c.logger.Warn("capability rebuild found no servers, keeping previous map",
				"capabilities", len(c.current))
			return c.current
		}
		c.current = m
		c.builtAt = time.Now()
	}
	return c.current
}

// Refresh rebuilds the map immediately, resetting the TTL clock. Unlike
// Current, an explicit refresh replaces the map even when the rebuild comes
// back empty.
func (c *Cache) Refresh(ctx context.Context) Map {
	m := c.build(ctx)
	c.mu.Lock()
	c.current = m
	c.builtAt = time.Now()
	c.mu.Unlock()
	return m
}

// Names returns the known capability names in sorted order.
func (c *Cache) Names(ctx context.Context) []string {
	m := c.Current(ctx)
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// listMethods pairs each discovery method with the result key holding its
// item array.
var listMethods = []struct {
	method string
	key    string
}{
	{"tools/list", "tools"},
	{"resources/list", "resources"},
	{"prompts/list", "prompts"},
}

type serverCaps struct {
	serverID string
	names    []string
}

// build fans out the three list calls to every server concurrently and joins
// the results. Conflicting names keep the first owner in stable server
// order.
func (c *Cache) build(ctx context.Context) Map {
	ids := c.manager.IDs()
	results := make([]serverCaps, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		srv, ok := c.manager.Get(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, srv *downstream.Server) {
			defer wg.Done()
			results[i] = serverCaps{serverID: srv.ID, names: c.fetchNames(ctx, srv)}
		}(i, srv)
	}
	wg.Wait()

	m := make(Map)
	for _, res := range results {
		for _, name := range res.names {
			if owner, exists := m[name]; exists {
				c.logger.Debug("capability name conflict", "name", name, "kept", owner, "ignored", res.serverID)
				continue
			}
			m[name] = res.serverID
		}
	}
	return m
}

func (c *Cache) fetchNames(ctx context.Context, srv *downstream.Server) []string {
	var names []string
	for _, lm := range listMethods {
		req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: "capability-scan", Method: lm.method}
		resp, err := srv.Call(ctx, req)
		if err != nil {
			c.logger.Warn("capability scan failed", "server", srv.ID, "method", lm.method, "error", err)
			continue
		}
		if resp.Error != nil {
			c.logger.Debug("capability scan rejected", "server", srv.ID, "method", lm.method, "code", resp.Error.Code)
			continue
		}
		names = append(names, extractNames(resp.Result, lm.key)...)
	}
	return names
}

// extractNames pulls identifiers out of a */list result: "name" for tools
// and prompts, "uri" for resources.
func extractNames(result json.RawMessage, key string) []string {
	var payload map[string][]struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil
	}
	var names []string
	for _, item := range payload[key] {
		switch {
		case item.Name != "":
			names = append(names, item.Name)
		case item.URI != "":
			names = append(names, item.URI)
		}
	}
	return names
}
