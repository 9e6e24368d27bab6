package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/config"
)

// Store owns the session map and its sweep lifecycle. One Store is
// constructed per process and handed to every component that needs it.
type Store struct {
	cfg      config.SessionConfig
	resolver *auth.Resolver
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewStore creates a session store. Call Start to begin the eviction sweep
// and Stop to tear it down (closing any live connections).
func NewStore(cfg config.SessionConfig, resolver *auth.Resolver, logger *slog.Logger) *Store {
	return &Store{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic eviction sweep.
func (s *Store) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.sweepLoop()
}

// Stop halts the sweep and removes every session, closing live connections.
// Safe to call on a store that was never started (startup can fail before
// Start runs).
func (s *Store) Stop() {
	if s.started.Load() {
		close(s.stop)
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		s.closeLocked(sess)
		delete(s.sessions, id)
	}
}

// Create allocates a new session. It fails only when the store is at
// capacity.
func (s *Store) Create(userID string, transport Transport, org *auth.OrgContext) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canCreateLocked() {
		return nil, fmt.Errorf("session limit reached (%d)", s.cfg.MaxSessions)
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Org:          org,
		Transport:    transport,
		CreatedAt:    now,
		LastActivity: now,
		ServerState:  make(map[string]any),
	}
	s.sessions[sess.ID] = sess

	s.logger.Debug("session created",
		"session", sess.ID, "user", userID, "org", sess.OrgExternalID(), "transport", transport)
	return sess, nil
}

// CreateWithAuth resolves organization context from the request credentials
// and returns a session for it, reusing an existing non-expired session with
// the same (user, organization, transport) before creating a new one.
//
// A bearer token issued by the gateway short-circuits resolution: if it
// validates and its session still exists, that session is returned. Token
// failures degrade to anonymous, never to an error.
func (s *Store) CreateWithAuth(authHeader, apiKey string, transport Transport, simulateOrg string) (*Session, error) {
	if bearer, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		if id, valid := s.ValidateToken(strings.TrimSpace(bearer)); valid {
			if sess, found := s.Get(id); found {
				return sess, nil
			}
		}
	}

	org := s.resolver.Resolve(authHeader, apiKey)
	org = s.resolver.ApplySimulation(org, simulateOrg)
	userID := org.UserID()

	s.mu.Lock()
	if sess := s.findReusableLocked(userID, org, transport); sess != nil {
		sess.LastActivity = time.Now()
		s.mu.Unlock()
		s.logger.Debug("session reused", "session", sess.ID, "user", userID)
		return sess, nil
	}
	s.mu.Unlock()

	return s.Create(userID, transport, org)
}

// Get returns the session and refreshes its last-activity timestamp.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.LastActivity = time.Now()
	return sess, true
}

// AttachWebSocket binds a live connection to an existing session and flips
// its transport to websocket. It reports false when the session is unknown.
func (s *Store) AttachWebSocket(id string, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.Conn = conn
	sess.Transport = TransportWebSocket
	return true
}

// Remove clears per-server state, closes any live connection, and deletes
// the session.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	s.closeLocked(sess)
	delete(s.sessions, id)
	s.logger.Debug("session removed", "session", id)
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CanCreate reports whether the store is below its configured maximum.
func (s *Store) CanCreate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canCreateLocked()
}

func (s *Store) canCreateLocked() bool {
	return s.cfg.MaxSessions <= 0 || len(s.sessions) < s.cfg.MaxSessions
}

// findReusableLocked returns a non-expired session matching (user,
// organization external id, transport), if any.
func (s *Store) findReusableLocked(userID string, org *auth.OrgContext, transport Transport) *Session {
	orgExt := ""
	if org != nil {
		orgExt = org.OrgExternalID
	}
	cutoff := time.Now().Add(-s.cfg.Timeout())
	for _, sess := range s.sessions {
		if sess.UserID == userID &&
			sess.OrgExternalID() == orgExt &&
			sess.Transport == transport &&
			sess.LastActivity.After(cutoff) {
			return sess
		}
	}
	return nil
}

func (s *Store) closeLocked(sess *Session) {
	for k := range sess.ServerState {
		delete(sess.ServerState, k)
	}
	if sess.Conn != nil {
		if err := sess.Conn.Close(); err != nil {
			s.logger.Debug("closing session connection", "session", sess.ID, "error", err)
		}
		sess.Conn = nil
	}
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Sweep removes every session idle past the configured timeout and warns
// when the table is above 80% of its capacity.
func (s *Store) Sweep() {
	cutoff := time.Now().Add(-s.cfg.Timeout())

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.closeLocked(s.sessions[id])
		delete(s.sessions, id)
	}
	active := len(s.sessions)
	s.mu.Unlock()

	if len(expired) > 0 {
		s.logger.Info("expired sessions evicted", "count", len(expired), "active", active)
	}
	if s.cfg.MaxSessions > 0 && active > s.cfg.MaxSessions*8/10 {
		s.logger.Warn("session count approaching limit",
			"active", active, "max", s.cfg.MaxSessions)
	}
}
