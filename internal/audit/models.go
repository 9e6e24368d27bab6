package audit

// Entry represents a single routed-request audit record.
type Entry struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	OrgID      string `json:"org_id,omitempty"`
	Transport  string `json:"transport"` // http, websocket
	Method     string `json:"method"`
	Capability string `json:"capability,omitempty"`
	ServerID   string `json:"server_id,omitempty"`
	Status     string `json:"status"` // ok, error
	ErrorCode  int    `json:"error_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}
