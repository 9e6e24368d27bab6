// Package session implements the gateway's in-memory session table: TTL-based
// eviction, preferential reuse, and signed bearer tokens carrying the session
// id.
package session

import (
	"context"
	"time"

	"github.com/mcprelay/mcprelay/internal/auth"
)

// Transport identifies how a session talks to the gateway.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "websocket"
)

// Conn is the live connection handle bound to a WebSocket session. Narrow on
// purpose so the store does not depend on the websocket package.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Session is one client session. Fields are owned by the Store; callers must
// treat a returned *Session as read-only outside the store's methods.
type Session struct {
	ID           string
	UserID       string
	Org          *auth.OrgContext
	Transport    Transport
	CreatedAt    time.Time
	LastActivity time.Time
	Conn         Conn

	// ServerState holds per-downstream-server connection state, keyed by
	// server id.
	ServerState map[string]any
}

// OrgExternalID returns the session's organization external id, or "" for
// anonymous sessions.
func (s *Session) OrgExternalID() string {
	if s.Org == nil {
		return ""
	}
	return s.Org.OrgExternalID
}

// OrgID returns the session's organization id, or "" for anonymous sessions.
func (s *Session) OrgID() string {
	if s.Org == nil {
		return ""
	}
	return s.Org.OrgID
}
