// Package prompts reads organization-scoped custom prompts from the
// relational store. The gateway appends these to prompts/list results for
// sessions carrying an organization.
package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Prompt is one custom prompt row.
type Prompt struct {
	Name        string
	Description string
	ServerID    string
	// Arguments is the JSON-encoded argument schema stored with the row.
	Arguments json.RawMessage
}

// Source lists custom prompts for an organization.
type Source interface {
	ListByOrg(ctx context.Context, orgID string) ([]Prompt, error)
}

// PGSource is the Postgres-backed Source.
type PGSource struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGSource connects to the relational store.
func NewPGSource(ctx context.Context, dsn string, logger *slog.Logger) (*PGSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting prompt store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging prompt store: %w", err)
	}
	return &PGSource{pool: pool, logger: logger}, nil
}

// ListByOrg returns the organization's custom prompts in name order.
func (s *PGSource) ListByOrg(ctx context.Context, orgID string) ([]Prompt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, COALESCE(description, ''), server_id, COALESCE(arguments, '[]'::jsonb)
		 FROM custom_prompts
		 WHERE organization_id = $1
		 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying custom prompts: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		var p Prompt
		var args []byte
		if err := rows.Scan(&p.Name, &p.Description, &p.ServerID, &args); err != nil {
			return nil, fmt.Errorf("scanning custom prompt: %w", err)
		}
		p.Arguments = json.RawMessage(args)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading custom prompts: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PGSource) Close() {
	s.pool.Close()
}
