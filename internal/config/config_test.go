package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  admin_user_ids: [42]
  poll_timeout: "10s"
instagram:
  fallback_session: "fb"
  request_timeout: "20s"
monitor:
  min_check_interval: "1m"
  max_check_interval: "2m"
  max_per_type: 5
storage:
  driver: "file"
  path: "./data/igwatch"
logging:
  console: true
digest:
  enabled: false
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 1 || cfg.Telegram.AdminUserIDs[0] != 42 {
		t.Fatalf("admin ids = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Monitor.MaxPerType != 5 {
		t.Fatalf("max_per_type = %d", cfg.Monitor.MaxPerType)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "t"
  legacy_key: true
storage:
  driver: "file"
  path: "x"
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateIntervalOrdering(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "t"},
		Storage:  StorageConfig{Driver: "file", Path: "x"},
		Monitor:  MonitorConfig{MinCheckInterval: "5m", MaxCheckInterval: "1m"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when max < min")
	}
	cfg.Monitor.MaxCheckInterval = "10m"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestUpdatePersistsAndCommits(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "t"
storage:
  driver: "file"
  path: "x"
`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := m.Update(func(c *Config) {
		c.Monitor.MinCheckInterval = "4m"
		c.Monitor.MaxCheckInterval = "8m"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A fresh manager must see the persisted change.
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Monitor.MinCheckInterval != "4m" || cfg.Monitor.MaxCheckInterval != "8m" {
		t.Fatalf("intervals not persisted: %+v", cfg.Monitor)
	}
}

func TestUpdateRejectedLeavesFileUntouched(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "t"
storage:
  driver: "file"
  path: "x"
`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := m.Update(func(c *Config) {
		c.Monitor.MinCheckInterval = "10m"
		c.Monitor.MaxCheckInterval = "1m"
	}); err == nil {
		t.Fatal("expected validation error")
	}

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Monitor.MinCheckInterval != "" {
		t.Fatalf("rejected update leaked to disk: %+v", cfg.Monitor)
	}
}

func TestParseDurationVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{name: "empty uses default", raw: "", def: time.Minute, want: time.Minute},
		{name: "explicit", raw: "90s", def: time.Minute, want: 90 * time.Second},
		{name: "garbage", raw: "soon", def: time.Minute, wantErr: true},
		{name: "negative", raw: "-5s", def: time.Minute, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationOrDefault("field", tt.raw, tt.def)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationOrDefault(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
