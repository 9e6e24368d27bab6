package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/config"
)

type fakeConn struct {
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestStore(t *testing.T, mutate func(*config.SessionConfig)) *Store {
	t.Helper()
	cfg := config.SessionConfig{
		TimeoutSeconds:       1800,
		SweepIntervalSeconds: 30,
		MaxSessions:          100,
		TokenSecret:          "test-secret",
		TokenTTLSeconds:      3600,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := auth.NewResolver(config.AuthConfig{
		APIKeys: map[string]config.APIKeyIdentity{
			"key-acme": {OrgID: "org_1", OrgExternalID: "ext_acme", UserExternalID: "user_1"},
		},
	}, logger)
	return NewStore(cfg, resolver, logger)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.Create("user_1", TransportHTTP, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, TransportHTTP, sess.Transport)
	assert.Equal(t, "", sess.OrgExternalID())

	before := sess.LastActivity
	time.Sleep(5 * time.Millisecond)
	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
	assert.True(t, got.LastActivity.After(before), "Get must refresh lastActivity")

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestCreateWithAuthReusesSession(t *testing.T) {
	s := newTestStore(t, nil)

	first, err := s.CreateWithAuth("", "key-acme", TransportHTTP, "")
	require.NoError(t, err)
	second, err := s.CreateWithAuth("", "key-acme", TransportHTTP, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same (user, org, transport) must reuse")
	assert.Equal(t, 1, s.Len())

	// A different transport does not reuse.
	third, err := s.CreateWithAuth("", "key-acme", TransportWebSocket, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateWithAuthExpiredSessionNotReused(t *testing.T) {
	s := newTestStore(t, func(c *config.SessionConfig) { c.TimeoutSeconds = 1 })

	first, err := s.CreateWithAuth("", "key-acme", TransportHTTP, "")
	require.NoError(t, err)

	s.mu.Lock()
	s.sessions[first.ID].LastActivity = time.Now().Add(-2 * time.Second)
	s.mu.Unlock()

	second, err := s.CreateWithAuth("", "key-acme", TransportHTTP, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "expired session must not be reused")
}

func TestCreateWithAuthAnonymous(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.CreateWithAuth("", "", TransportHTTP, "")
	require.NoError(t, err)
	assert.Equal(t, auth.AnonymousUser, sess.UserID)
	assert.Nil(t, sess.Org)
}

func TestCreateWithAuthSimulation(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.CreateWithAuth("", "key-acme", TransportHTTP, "ext_acme")
	require.NoError(t, err)
	require.NotNil(t, sess.Org)
	assert.True(t, sess.Org.Simulated)

	// Cross-org simulation keeps the real context.
	other, err := s.CreateWithAuth("", "key-acme", TransportWebSocket, "ext_other")
	require.NoError(t, err)
	require.NotNil(t, other.Org)
	assert.False(t, other.Org.Simulated)
	assert.Equal(t, "ext_acme", other.Org.OrgExternalID)
}

func TestCreateWithAuthBearerSessionToken(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.Create("user_1", TransportHTTP, nil)
	require.NoError(t, err)
	token, err := s.GenerateToken(sess.ID)
	require.NoError(t, err)

	got, err := s.CreateWithAuth("Bearer "+token, "", TransportHTTP, "")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)

	token, err := s.GenerateToken("sess-123")
	require.NoError(t, err)

	id, ok := s.ValidateToken(token)
	require.True(t, ok)
	assert.Equal(t, "sess-123", id)
}

func TestTokenWrongSecret(t *testing.T) {
	s := newTestStore(t, nil)
	other := newTestStore(t, func(c *config.SessionConfig) { c.TokenSecret = "other-secret" })

	token, err := other.GenerateToken("sess-123")
	require.NoError(t, err)

	_, ok := s.ValidateToken(token)
	assert.False(t, ok)
}

func TestTokenExpired(t *testing.T) {
	s := newTestStore(t, func(c *config.SessionConfig) { c.TokenTTLSeconds = -1 })

	token, err := s.GenerateToken("sess-123")
	require.NoError(t, err)

	_, ok := s.ValidateToken(token)
	assert.False(t, ok)
}

func TestTokenGarbage(t *testing.T) {
	s := newTestStore(t, nil)
	_, ok := s.ValidateToken("not-a-token")
	assert.False(t, ok)
}

func TestAttachWebSocket(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.Create("user_1", TransportHTTP, nil)
	require.NoError(t, err)

	conn := &fakeConn{}
	assert.True(t, s.AttachWebSocket(sess.ID, conn))
	got, _ := s.Get(sess.ID)
	assert.Equal(t, TransportWebSocket, got.Transport)
	assert.NotNil(t, got.Conn)

	assert.False(t, s.AttachWebSocket("missing", conn))
}

func TestRemoveClosesConnection(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.Create("user_1", TransportWebSocket, nil)
	require.NoError(t, err)
	conn := &fakeConn{}
	s.AttachWebSocket(sess.ID, conn)

	s.Remove(sess.ID)
	assert.True(t, conn.closed)
	_, ok := s.Get(sess.ID)
	assert.False(t, ok)

	// Removing twice is a no-op.
	s.Remove(sess.ID)
}

func TestCapacityGate(t *testing.T) {
	s := newTestStore(t, func(c *config.SessionConfig) { c.MaxSessions = 2 })

	_, err := s.Create("a", TransportHTTP, nil)
	require.NoError(t, err)
	assert.True(t, s.CanCreate())
	_, err = s.Create("b", TransportHTTP, nil)
	require.NoError(t, err)
	assert.False(t, s.CanCreate())

	_, err = s.Create("c", TransportHTTP, nil)
	assert.Error(t, err)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	s := newTestStore(t, func(c *config.SessionConfig) { c.TimeoutSeconds = 60 })

	fresh, err := s.Create("fresh", TransportHTTP, nil)
	require.NoError(t, err)
	stale, err := s.Create("stale", TransportWebSocket, nil)
	require.NoError(t, err)
	conn := &fakeConn{}
	s.AttachWebSocket(stale.ID, conn)

	s.mu.Lock()
	s.sessions[stale.ID].LastActivity = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	s.Sweep()

	_, ok := s.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = s.Get(stale.ID)
	assert.False(t, ok)
	assert.True(t, conn.closed, "sweep must close live connections")
}

func TestStopClosesEverything(t *testing.T) {
	s := newTestStore(t, nil)
	s.Start()

	sess, err := s.Create("user_1", TransportWebSocket, nil)
	require.NoError(t, err)
	conn := &fakeConn{}
	s.AttachWebSocket(sess.ID, conn)

	s.Stop()
	assert.True(t, conn.closed)
	assert.Equal(t, 0, s.Len())
}

func TestStopWithoutStart(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.Create("user_1", TransportWebSocket, nil)
	require.NoError(t, err)
	conn := &fakeConn{}
	s.AttachWebSocket(sess.ID, conn)

	// Startup can fail before the sweep is started; Stop must still return
	// and close live connections.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a never-started store")
	}
	assert.True(t, conn.closed)
	assert.Equal(t, 0, s.Len())
}

func TestSweepWarnsNearCapacity(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewStore(config.SessionConfig{
		TimeoutSeconds:       1800,
		SweepIntervalSeconds: 30,
		MaxSessions:          5,
		TokenSecret:          "test-secret",
		TokenTTLSeconds:      3600,
	}, auth.NewResolver(config.AuthConfig{}, logger), logger)

	for i := 0; i < 4; i++ {
		_, err := s.Create(fmt.Sprintf("user_%d", i), TransportHTTP, nil)
		require.NoError(t, err)
	}
	s.Sweep()
	assert.NotContains(t, buf.String(), "session count approaching limit")

	_, err := s.Create("user_4", TransportHTTP, nil)
	require.NoError(t, err)
	s.Sweep()
	assert.Contains(t, buf.String(), "session count approaching limit")
}
