package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/mcprelay/mcprelay/internal/jsonrpc"
	"github.com/mcprelay/mcprelay/internal/session"
)

// wsConn adapts a websocket connection to the session store's Conn interface.
// Writes are serialized; coder/websocket permits only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// welcomeFrame is the first frame sent on every accepted connection.
type welcomeFrame struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	SessionToken string   `json:"sessionToken"`
	Capabilities []string `json:"capabilities"`
}

// handleWebSocket upgrades the connection, establishes a session, sends the
// welcome frame, and processes incoming frames until the peer goes away.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.CreateWithAuth(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"), session.TransportWebSocket, r.Header.Get("X-Simulate-Org"))
	if err != nil {
		g.logger.Warn("websocket session creation failed", "error", err)
		writeHTTPFailure(w, http.StatusServiceUnavailable, jsonrpc.CodeInternalError, err.Error())
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "session_id", sess.ID, "error", err)
		g.sessions.Remove(sess.ID)
		return
	}
	ws.SetReadLimit(maxBodyBytes)

	conn := &wsConn{conn: ws}
	g.sessions.AttachWebSocket(sess.ID, conn)

	token, err := g.sessions.GenerateToken(sess.ID)
	if err != nil {
		g.logger.Error("session token generation failed", "session_id", sess.ID, "error", err)
	}

	welcome, _ := json.Marshal(welcomeFrame{
		Type:         "connection",
		SessionID:    sess.ID,
		SessionToken: token,
		Capabilities: g.capabilities.Names(r.Context()),
	})
	if err := conn.Send(r.Context(), welcome); err != nil {
		g.logger.Warn("welcome frame send failed", "session_id", sess.ID, "error", err)
		g.sessions.Remove(sess.ID)
		return
	}

	g.logger.Info("websocket connected",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"org", sess.OrgExternalID(),
	)

	g.readLoop(r.Context(), sess, conn, ws)
}

// readLoop reads frames until the connection drops. Each frame is handled in
// its own goroutine; responses are written as frames complete, in no
// particular order.
func (g *Gateway) readLoop(ctx context.Context, sess *session.Session, conn *wsConn, ws *websocket.Conn) {
	defer g.sessions.Remove(sess.ID)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				g.logger.Info("websocket closed", "session_id", sess.ID)
			} else {
				g.logger.Warn("websocket read failed", "session_id", sess.ID, "error", err)
			}
			return
		}

		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			g.handleFrame(context.WithoutCancel(ctx), sess, conn, data)
		}(data)
	}
}

// handleFrame processes one WebSocket frame. A frame that does not parse as
// JSON gets a single -32700 response; notifications get no response at all.
func (g *Gateway) handleFrame(ctx context.Context, sess *session.Session, conn *wsConn, data []byte) {
	req, errResp := jsonrpc.Parse(data)
	if errResp != nil {
		g.sendResponse(ctx, sess, conn, errResp)
		return
	}

	resp := g.dispatch(ctx, sess, req)
	if req.IsNotification() {
		return
	}
	g.sendResponse(ctx, sess, conn, resp)
}

func (g *Gateway) sendResponse(ctx context.Context, sess *session.Session, conn *wsConn, resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("response marshal failed", "session_id", sess.ID, "error", err)
		return
	}
	if err := conn.Send(ctx, data); err != nil {
		g.logger.Debug("websocket write failed", "session_id", sess.ID, "error", err)
	}
}
