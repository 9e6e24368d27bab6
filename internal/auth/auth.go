// Package auth resolves organization context from request credentials.
// Context is ephemeral: recomputed per request, never persisted by the
// gateway itself.
package auth

import (
	"log/slog"
	"strings"

	"github.com/mcprelay/mcprelay/internal/config"
)

// AnonymousUser is the user id assigned when no credential resolves.
const AnonymousUser = "anonymous"

// OrgContext is the identity bundle resolved from an API key or auth header.
type OrgContext struct {
	OrgID          string
	OrgExternalID  string
	OrgName        string
	UserExternalID string
	Simulated      bool
}

// UserID returns the effective user id for session bookkeeping.
func (c *OrgContext) UserID() string {
	if c == nil || c.UserExternalID == "" {
		return AnonymousUser
	}
	return c.UserExternalID
}

// Resolver maps API keys to organization context.
type Resolver struct {
	keys   map[string]config.APIKeyIdentity
	logger *slog.Logger
}

// NewResolver creates a resolver over the configured API-key table.
func NewResolver(cfg config.AuthConfig, logger *slog.Logger) *Resolver {
	return &Resolver{keys: cfg.APIKeys, logger: logger}
}

// Resolve returns the organization context for the given credentials, or nil
// when neither credential resolves (the request proceeds anonymously).
// The API-key header wins over a bearer credential carrying an API key.
func (r *Resolver) Resolve(authHeader, apiKey string) *OrgContext {
	if apiKey != "" {
		if ctx := r.lookup(apiKey); ctx != nil {
			return ctx
		}
		r.logger.Warn("unknown api key", "key", redact(apiKey))
	}

	if bearer, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		if ctx := r.lookup(strings.TrimSpace(bearer)); ctx != nil {
			return ctx
		}
	}
	return nil
}

// ApplySimulation applies a simulate-organization header to a resolved
// context. Only same-organization simulation is permitted: the header must
// equal the caller's own organization external id. Anything else is logged
// as an unauthorized attempt and the real context is returned unchanged.
func (r *Resolver) ApplySimulation(ctx *OrgContext, simulateOrg string) *OrgContext {
	if simulateOrg == "" {
		return ctx
	}
	if ctx == nil {
		r.logger.Warn("simulation requested without organization context", "requested_org", simulateOrg)
		return nil
	}
	if simulateOrg != ctx.OrgExternalID {
		r.logger.Warn("unauthorized organization simulation attempt",
			"requested_org", simulateOrg,
			"actual_org", ctx.OrgExternalID,
			"user", ctx.UserID(),
		)
		return ctx
	}

	simulated := *ctx
	simulated.Simulated = true
	return &simulated
}

func (r *Resolver) lookup(key string) *OrgContext {
	id, ok := r.keys[key]
	if !ok {
		return nil
	}
	return &OrgContext{
		OrgID:          id.OrgID,
		OrgExternalID:  id.OrgExternalID,
		OrgName:        id.OrgName,
		UserExternalID: id.UserExternalID,
	}
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
