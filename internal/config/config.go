package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcprelay/mcprelay/internal/safefile"
)

// Config is the top-level mcprelay configuration.
type Config struct {
	Version      string                    `yaml:"version"`
	Server       ServerConfig              `yaml:"server"`
	Sessions     SessionConfig             `yaml:"sessions"`
	Auth         AuthConfig                `yaml:"auth"`
	MCPServers   map[string]ServerEndpoint `yaml:"mcp_servers"`
	Capabilities CapabilityConfig          `yaml:"capabilities"`
	Database     DatabaseConfig            `yaml:"database,omitempty"`
	Audit        AuditConfig               `yaml:"audit,omitempty"`
	Tracing      TracingConfig             `yaml:"tracing,omitempty"`
}

// ServerConfig holds gateway HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
}

// SessionConfig controls the session store and its bearer tokens.
type SessionConfig struct {
	TimeoutSeconds       int    `yaml:"timeout_s"`        // idle timeout before eviction
	SweepIntervalSeconds int    `yaml:"sweep_interval_s"` // clamped to 30-60s
	MaxSessions          int    `yaml:"max_sessions"`
	TokenSecret          string `yaml:"token_secret"`
	TokenTTLSeconds      int    `yaml:"token_ttl_s"`
}

// Timeout returns the session idle timeout.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SweepInterval returns the eviction sweep interval, clamped to 30-60s.
func (s SessionConfig) SweepInterval() time.Duration {
	sec := s.SweepIntervalSeconds
	if sec < 30 {
		sec = 30
	}
	if sec > 60 {
		sec = 60
	}
	return time.Duration(sec) * time.Second
}

// TokenTTL returns the lifetime of issued session tokens.
func (s SessionConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSeconds) * time.Second
}

// AuthConfig maps API keys to the organization context they resolve to.
type AuthConfig struct {
	APIKeys map[string]APIKeyIdentity `yaml:"api_keys"`
}

// APIKeyIdentity is the organization identity an API key grants.
type APIKeyIdentity struct {
	OrgID          string `yaml:"org_id"`
	OrgExternalID  string `yaml:"org_external_id"`
	OrgName        string `yaml:"org_name,omitempty"`
	UserExternalID string `yaml:"user_external_id,omitempty"`
}

// ServerEndpoint describes one downstream MCP server.
type ServerEndpoint struct {
	URL            string            `yaml:"url"`
	APIKey         string            `yaml:"api_key,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_s,omitempty"`
}

// CapabilityConfig controls the capability cache.
type CapabilityConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_s"`
}

// CacheTTL returns how long a built capability map stays fresh.
func (c CapabilityConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// DatabaseConfig configures the optional relational store for
// organization-scoped custom prompts. Empty DSN disables the lookup.
type DatabaseConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// AuditConfig configures the request audit log.
type AuditConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"` // auto-purge entries older than N days (0 = keep forever)
}

// TracingConfig toggles OpenTelemetry tracing on the HTTP surface.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// maxConfigBytes bounds config reads; the file carries API keys, so it also
// goes through the symlink check.
const maxConfigBytes = 1 << 20

// Load reads and parses a mcprelay config file.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, maxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	if cfg.Sessions.TimeoutSeconds == 0 {
		cfg.Sessions.TimeoutSeconds = 1800
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 1000
	}
	if cfg.Sessions.TokenTTLSeconds == 0 {
		cfg.Sessions.TokenTTLSeconds = 3600
	}
	if cfg.Capabilities.CacheTTLSeconds == 0 {
		cfg.Capabilities.CacheTTLSeconds = 30
	}

	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:     8080,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		Sessions: SessionConfig{
			TimeoutSeconds:       1800,
			SweepIntervalSeconds: 45,
			MaxSessions:          1000,
			TokenTTLSeconds:      3600,
		},
		Auth:       AuthConfig{APIKeys: make(map[string]APIKeyIdentity)},
		MCPServers: make(map[string]ServerEndpoint),
		Capabilities: CapabilityConfig{
			CacheTTLSeconds: 30,
		},
		Audit: AuditConfig{
			DBPath: "mcprelay-audit.db",
		},
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Sessions.TokenSecret == "" {
		return fmt.Errorf("sessions.token_secret is required")
	}
	if c.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be positive")
	}
	for name, srv := range c.MCPServers {
		if srv.URL == "" {
			return fmt.Errorf("mcp server %q has no url", name)
		}
	}
	for key, id := range c.Auth.APIKeys {
		if id.OrgID == "" || id.OrgExternalID == "" {
			return fmt.Errorf("api key %q must set org_id and org_external_id", redactKey(key))
		}
	}
	return nil
}

// redactKey keeps the first four characters of an API key for error messages.
func redactKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
