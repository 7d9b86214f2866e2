// Package config handles control-plane configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Control   ControlConfig   `json:"control,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8443"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "deskwire.db" or ":memory:"
}

// ControlConfig tunes the agent control plane. Zero values take the defaults
// applied in ApplyDefaults.
type ControlConfig struct {
	ChunkSizeBytes     int64    `json:"chunk_size_bytes,omitempty"`      // file transfer chunk; default 256 KiB
	MaxFileSizeBytes   int64    `json:"max_file_size_bytes,omitempty"`   // default 1 GiB
	StreamTokenTTL     Duration `json:"stream_token_ttl,omitempty"`      // default 5m
	TerminalTokenTTL   Duration `json:"terminal_token_ttl,omitempty"`    // default 5m
	MaxStreamsPerAgent int      `json:"max_streams_per_agent,omitempty"` // default 3
	HeartbeatGrace     Duration `json:"heartbeat_grace,omitempty"`       // default 72h
	CmdDefaultTimeout  Duration `json:"cmd_default_timeout,omitempty"`   // default 30s
	RelayTimeout       Duration `json:"relay_timeout,omitempty"`         // default 2m
	TransferTimeout    Duration `json:"transfer_timeout,omitempty"`      // default 30m
	SleepQueueCap      int      `json:"sleep_queue_cap,omitempty"`       // default 64
	TokenSweepInterval Duration `json:"token_sweep_interval,omitempty"`  // default 60s
	SessionIdleTimeout Duration `json:"session_idle_timeout,omitempty"`  // default 10m
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "deskwire.db"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}

	ctl := &c.Control
	if ctl.ChunkSizeBytes == 0 {
		ctl.ChunkSizeBytes = 256 * 1024
	}
	if ctl.MaxFileSizeBytes == 0 {
		ctl.MaxFileSizeBytes = 1 << 30
	}
	if ctl.StreamTokenTTL.Duration == 0 {
		ctl.StreamTokenTTL.Duration = 5 * time.Minute
	}
	if ctl.TerminalTokenTTL.Duration == 0 {
		ctl.TerminalTokenTTL.Duration = 5 * time.Minute
	}
	if ctl.MaxStreamsPerAgent == 0 {
		ctl.MaxStreamsPerAgent = 3
	}
	if ctl.HeartbeatGrace.Duration == 0 {
		ctl.HeartbeatGrace.Duration = 72 * time.Hour
	}
	if ctl.CmdDefaultTimeout.Duration == 0 {
		ctl.CmdDefaultTimeout.Duration = 30 * time.Second
	}
	if ctl.RelayTimeout.Duration == 0 {
		ctl.RelayTimeout.Duration = 2 * time.Minute
	}
	if ctl.TransferTimeout.Duration == 0 {
		ctl.TransferTimeout.Duration = 30 * time.Minute
	}
	if ctl.SleepQueueCap == 0 {
		ctl.SleepQueueCap = 64
	}
	if ctl.TokenSweepInterval.Duration == 0 {
		ctl.TokenSweepInterval.Duration = 60 * time.Second
	}
	if ctl.SessionIdleTimeout.Duration == 0 {
		ctl.SessionIdleTimeout.Duration = 10 * time.Minute
	}
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	switch c.Auth.Provider {
	case "builtin":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a known weak secret; generate a new one")
		}
	case "jwks":
		if c.Auth.JWKSIssuer == "" {
			return fmt.Errorf("auth.jwks_issuer is required for the jwks provider")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	if c.Control.MaxStreamsPerAgent < 1 {
		return fmt.Errorf("control.max_streams_per_agent must be at least 1")
	}
	if c.Control.ChunkSizeBytes < 1 {
		return fmt.Errorf("control.chunk_size_bytes must be positive")
	}
	return nil
}
