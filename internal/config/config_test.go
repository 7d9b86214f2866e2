package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Auth.JWTSecret = "a-perfectly-reasonable-secret-of-32ch"
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	if cfg.Server.Addr != ":8443" {
		t.Errorf("addr: got %q, want :8443", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "deskwire.db" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Control.ChunkSizeBytes != 256*1024 {
		t.Errorf("chunk size: got %d", cfg.Control.ChunkSizeBytes)
	}
	if cfg.Control.MaxFileSizeBytes != 1<<30 {
		t.Errorf("max file size: got %d", cfg.Control.MaxFileSizeBytes)
	}
	if cfg.Control.MaxStreamsPerAgent != 3 {
		t.Errorf("max streams: got %d", cfg.Control.MaxStreamsPerAgent)
	}
	if cfg.Control.HeartbeatGrace.Duration != 72*time.Hour {
		t.Errorf("heartbeat grace: got %v", cfg.Control.HeartbeatGrace.Duration)
	}
	if cfg.Control.TokenSweepInterval.Duration != 60*time.Second {
		t.Errorf("token sweep: got %v", cfg.Control.TokenSweepInterval.Duration)
	}
	if cfg.Control.SleepQueueCap != 64 {
		t.Errorf("sleep queue cap: got %d", cfg.Control.SleepQueueCap)
	}
	if cfg.Control.SessionIdleTimeout.Duration != 10*time.Minute {
		t.Errorf("session idle timeout: got %v", cfg.Control.SessionIdleTimeout.Duration)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "too-short" }, true},
		{"weak secret", func(c *Config) { c.Auth.JWTSecret = "local-dev-secret-for-testing-only-32chars!" }, true},
		{"unknown auth provider", func(c *Config) { c.Auth.Provider = "ldap" }, true},
		{"jwks without issuer", func(c *Config) { c.Auth.Provider = "jwks"; c.Auth.JWKSIssuer = "" }, true},
		{"jwks with issuer", func(c *Config) { c.Auth.Provider = "jwks"; c.Auth.JWKSIssuer = "https://issuer.example.com" }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "oracle" }, true},
		{"empty dsn", func(c *Config) { c.Storage.DSN = "" }, true},
		{"zero streams", func(c *Config) { c.Control.MaxStreamsPerAgent = 0 }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"5m","b":30}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A.Duration != 5*time.Minute {
		t.Errorf("string duration: got %v", v.A.Duration)
	}
	if v.B.Duration != 30*time.Second {
		t.Errorf("numeric duration: got %v", v.B.Duration)
	}

	if err := json.Unmarshal([]byte(`{"a":true}`), &v); err == nil {
		t.Error("expected error for bool duration")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskwire.json")
	raw := `{
		"server": {"addr": ":9000"},
		"auth": {"jwt_secret": "a-perfectly-reasonable-secret-of-32ch"},
		"control": {"stream_token_ttl": "2m"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr: got %q", cfg.Server.Addr)
	}
	if cfg.Control.StreamTokenTTL.Duration != 2*time.Minute {
		t.Errorf("stream token ttl: got %v", cfg.Control.StreamTokenTTL.Duration)
	}
	// Defaults fill the rest.
	if cfg.Control.MaxStreamsPerAgent != 3 {
		t.Errorf("max streams default: got %d", cfg.Control.MaxStreamsPerAgent)
	}
}

func TestLoadRejectsWeakSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskwire.json")
	raw := `{"auth": {"jwt_secret": "changeme"}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for weak secret")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("length: got %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
