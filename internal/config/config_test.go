package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DB_DRIVER", "DATABASE_URL", "SQLITE_DATABASE", "POLL_INTERVAL", "LIVE_ALERTS_URL"} {
		t.Setenv(key, "")
	}
	t.Setenv("GRACE_POLLS", "")
	t.Setenv("MAINTENANCE_ROUTES", "")

	cfg := Load()
	if cfg.DBDriver != "sqlite" || cfg.DatabaseURL != "/data/incidents.db" {
		t.Errorf("database = %s %s", cfg.DBDriver, cfg.DatabaseURL)
	}
	if cfg.GracePolls != 2 || cfg.PollInterval != time.Minute {
		t.Errorf("GracePolls = %d, PollInterval = %v", cfg.GracePolls, cfg.PollInterval)
	}
	if !reflect.DeepEqual(cfg.MaintenanceRoutes, []string{"1", "2", "4", "5", "6"}) {
		t.Errorf("MaintenanceRoutes = %v", cfg.MaintenanceRoutes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/incidents")
	t.Setenv("GRACE_POLLS", "3")
	t.Setenv("POLL_INTERVAL", "not-a-number")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg := Load()
	if cfg.DBDriver != "postgres" || cfg.DatabaseURL != "postgres://localhost/incidents" {
		t.Errorf("database = %s %s", cfg.DBDriver, cfg.DatabaseURL)
	}
	if cfg.GracePolls != 3 {
		t.Errorf("GracePolls = %d", cfg.GracePolls)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("invalid int should fall back to default, got %v", cfg.PollInterval)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantMissing bool
		wantErr     bool
	}{
		{"valid", func(*Config) {}, false, false},
		{"no database", func(c *Config) { c.DatabaseURL = "" }, true, true},
		{"no live url", func(c *Config) { c.LiveAlertsURL = "" }, true, true},
		{"bad driver", func(c *Config) { c.DBDriver = "mysql" }, false, true},
		{"zero grace", func(c *Config) { c.GracePolls = 0 }, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DBDriver: "sqlite", DatabaseURL: "x.db", LiveAlertsURL: "http://x", GracePolls: 2}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrMissingSetting) != tt.wantMissing {
				t.Errorf("errors.Is(ErrMissingSetting) = %v", !tt.wantMissing)
			}
		})
	}
}

const overridesYAML = `
grace_windows:
  - start: 2026-03-01T00:00:00Z
    end: 2026-03-08T00:00:00Z
    polls: 10
    reason: signal upgrade on line 1
  - start: 2026-03-05T00:00:00Z
    polls: 4
verifiers:
  elevator:
    resolve_stale: true
  gtfsrt:
    disabled: true
`

func TestOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.yaml")
	if err := os.WriteFile(path, []byte(overridesYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{GracePolls: 2, OverridesFile: path}
	if err := cfg.LoadOverrides(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		at   time.Time
		want int
	}{
		{time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), 2},
		{time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), 10},
		{time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), 4},
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), 4},
	}
	for _, tt := range tests {
		if got := cfg.Grace(tt.at); got != tt.want {
			t.Errorf("Grace(%v) = %d, want %d", tt.at, got, tt.want)
		}
	}

	elev := cfg.Verifier("elevator")
	if elev.ResolveStale == nil || !*elev.ResolveStale {
		t.Errorf("elevator options = %+v", elev)
	}
	if !cfg.Verifier("gtfsrt").Disabled || cfg.Verifier("rsz").Disabled {
		t.Error("unexpected Disabled flags")
	}
}

func TestOverridesRejectBadWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("grace_windows:\n  - start: 2026-03-01T00:00:00Z\n    polls: 0\n"), 0o644)
	cfg := &Config{OverridesFile: path}
	if err := cfg.LoadOverrides(); err == nil {
		t.Error("expected error for non-positive polls")
	}
}
