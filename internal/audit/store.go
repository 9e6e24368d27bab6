// Package audit persists a trail of every request the gateway routes.
// Writes are buffered and asynchronous so the request path never blocks on
// the database.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	org_id TEXT,
	transport TEXT NOT NULL,
	method TEXT NOT NULL,
	capability TEXT,
	server_id TEXT,
	status TEXT NOT NULL,
	error_code INTEGER,
	latency_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_request_session ON request_log(session_id);
CREATE INDEX IF NOT EXISTS idx_request_status ON request_log(status);
CREATE INDEX IF NOT EXISTS idx_request_timestamp ON request_log(timestamp);
`

// Store manages the SQLite request log.
type Store struct {
	db     *sql.DB
	writes chan Entry
	flush  chan chan struct{}
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewStore opens (or creates) the SQLite database and purges entries older
// than retentionDays (0 keeps everything).
func NewStore(dbPath string, logger *slog.Logger, retentionDays int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan Entry, 256),
		flush:  make(chan chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}

	if retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC().Format(time.RFC3339)
		if _, err := db.Exec("DELETE FROM request_log WHERE timestamp < ?", cutoff); err != nil {
			logger.Warn("audit retention purge failed", "error", err)
		}
	}

	go s.writeLoop()
	return s, nil
}

// Log enqueues an entry for async writing. Entries arriving after Close
// (in-flight WebSocket frames can outlive server shutdown) are dropped.
func (s *Store) Log(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("audit store closed, dropping entry", "id", entry.ID)
		return
	}
	select {
	case s.writes <- entry:
	default:
		s.logger.Warn("audit write buffer full, dropping entry", "id", entry.ID)
	}
}

// QueryOpts holds filters for request log queries.
type QueryOpts struct {
	SessionID string
	Status    string
	Method    string
	Since     string
	Limit     int
}

// Query returns entries matching the given filters, newest first.
func (s *Store) Query(opts QueryOpts) ([]Entry, error) {
	query := "SELECT id, timestamp, session_id, user_id, org_id, transport, method, capability, server_id, status, error_code, latency_ms FROM request_log WHERE 1=1"
	var args []any

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.Method != "" {
		query += " AND method = ?"
		args = append(args, opts.Method)
	}
	if opts.Since != "" {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying request log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var orgID, capability, serverID sql.NullString
		var errorCode sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.SessionID, &e.UserID, &orgID, &e.Transport,
			&e.Method, &capability, &serverID, &e.Status, &errorCode, &e.LatencyMs); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.OrgID = orgID.String
		e.Capability = capability.String
		e.ServerID = serverID.String
		e.ErrorCode = int(errorCode.Int64)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close drains pending writes and closes the database. The writes channel is
// never closed, so a straggling Log is dropped rather than panicking. Close
// is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return s.db.Close()
}

// Flush blocks until every entry enqueued before the call is written. After
// Close it returns immediately.
func (s *Store) Flush() {
	ack := make(chan struct{})
	select {
	case s.flush <- ack:
		<-ack
	case <-s.done:
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for {
		select {
		case entry := <-s.writes:
			s.insert(entry)
		case ack := <-s.flush:
			s.drainPending()
			close(ack)
		case <-s.stop:
			s.drainPending()
			return
		}
	}
}

func (s *Store) drainPending() {
	for {
		select {
		case entry := <-s.writes:
			s.insert(entry)
		default:
			return
		}
	}
}

func (s *Store) insert(entry Entry) {
	_, err := s.db.Exec(
		`INSERT INTO request_log (id, timestamp, session_id, user_id, org_id, transport, method, capability, server_id, status, error_code, latency_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.SessionID, entry.UserID, entry.OrgID, entry.Transport,
		entry.Method, entry.Capability, entry.ServerID, entry.Status, entry.ErrorCode, entry.LatencyMs,
	)
	if err != nil {
		s.logger.Error("audit write failed", "id", entry.ID, "error", err)
	}
}
