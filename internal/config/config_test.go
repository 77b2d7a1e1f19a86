package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nopub.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "relay:\n  name: test-relay\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Name != "test-relay" {
		t.Errorf("Relay.Name = %q, want %q", cfg.Relay.Name, "test-relay")
	}
	if cfg.Relay.Port != 8080 {
		t.Errorf("Relay.Port = %d, want 8080", cfg.Relay.Port)
	}
	if cfg.Relay.MaxEventBytes != 10000 {
		t.Errorf("Relay.MaxEventBytes = %d, want 10000", cfg.Relay.MaxEventBytes)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Cache.TTLSeconds != 240 {
		t.Errorf("Cache.TTLSeconds = %d, want 240", cfg.Cache.TTLSeconds)
	}
	if cfg.Broker.Driver != "local" {
		t.Errorf("Broker.Driver = %q, want local", cfg.Broker.Driver)
	}
	if cfg.Retention.MaxAgeDays != 90 {
		t.Errorf("Retention.MaxAgeDays = %d, want 90", cfg.Retention.MaxAgeDays)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "lmdb" },
			wantErr: true,
		},
		{
			name:    "bad broker driver",
			mutate:  func(c *Config) { c.Broker.Driver = "nats" },
			wantErr: true,
		},
		{
			name:    "bad cache driver",
			mutate:  func(c *Config) { c.Cache.Driver = "memcached" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Relay.Port = 70000 },
			wantErr: true,
		},
		{
			name: "rate limit needs positive refill",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.TokensPerSecond = -1
			},
			wantErr: true,
		},
		{
			name: "moderation pubkey must be hex",
			mutate: func(c *Config) {
				c.Moderation.BannedPubkeys = []string{"not-a-pubkey"}
			},
			wantErr: true,
		},
		{
			name: "valid moderation pubkey",
			mutate: func(c *Config) {
				c.Moderation.AllowedPubkeys = []string{
					"0c4a687a4414e30b43a94e1492391512019e52c5cceaf87d81358fb6e238780a",
				}
			},
			wantErr: false,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetExampleConfig(t *testing.T) {
	data, err := GetExampleConfig()
	if err != nil {
		t.Fatalf("GetExampleConfig() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("example config is empty")
	}

	path := writeConfig(t, string(data))
	if _, err := Load(path); err != nil {
		t.Errorf("example config does not load: %v", err)
	}
}
