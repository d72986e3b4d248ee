package loader

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/relink/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relinkd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "network:\n  ssid: lab\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.Listen != config.DefaultListenAddress {
		t.Errorf("Listen = %q, want default %q", cfg.Control.Listen, config.DefaultListenAddress)
	}
	if cfg.Upload.Port != config.DefaultUploadPort {
		t.Errorf("Port = %d, want default %d", cfg.Upload.Port, config.DefaultUploadPort)
	}
	if !cfg.Upload.Enabled {
		t.Error("upload should default to enabled")
	}
	if cfg.Network.SSID != "lab" {
		t.Errorf("SSID = %q", cfg.Network.SSID)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
control:
  listen: "0.0.0.0:9500"
  send_timeout: 250ms
upload:
  enabled: false
  port: 9090
network:
  ssid: field-unit
  passphrase: hunter22
  policy:
    connect_timeout: 5s
    lease_timeout: 8
    retry_same_max: 4
metastore:
  path: /tmp/relink-test.db
archive:
  enabled: true
  dir: /tmp/relink-archive
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Control.Listen != "0.0.0.0:9500" {
		t.Errorf("Listen = %q", cfg.Control.Listen)
	}
	if got := cfg.Control.SendTimeout.Duration(); got != 250*time.Millisecond {
		t.Errorf("SendTimeout = %v", got)
	}
	if cfg.Upload.Enabled {
		t.Error("upload should be disabled")
	}

	p, err := ToPolicy(&cfg.Network)
	if err != nil {
		t.Fatalf("ToPolicy: %v", err)
	}
	if p.SSID != "field-unit" || p.Passphrase != "hunter22" {
		t.Errorf("credentials not carried: %q", p.SSID)
	}
	if p.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v", p.ConnectTimeout)
	}
	// Bare integer durations are seconds.
	if p.LeaseTimeout != 8*time.Second {
		t.Errorf("LeaseTimeout = %v", p.LeaseTimeout)
	}
	if p.RetrySameMax != 4 {
		t.Errorf("RetrySameMax = %d", p.RetrySameMax)
	}
	// Untouched fields keep defaults.
	if p.PinnedLeaseTimeout != config.DefaultPinnedLeaseTimeout {
		t.Errorf("PinnedLeaseTimeout = %v", p.PinnedLeaseTimeout)
	}

	if LogLevel(&cfg.Log) != slog.LevelDebug {
		t.Error("level should be debug")
	}
	if !LogJSON(&cfg.Log) {
		t.Error("format should be json")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RELINK_TEST_SSID", "env-net")
	path := writeConfig(t, "network:\n  ssid: ${RELINK_TEST_SSID}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.SSID != "env-net" {
		t.Errorf("SSID = %q, want env-expanded value", cfg.Network.SSID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "control: [not a map\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Control.Listen = "" }},
		{"zero command line", func(c *Config) { c.Control.MaxCommandLine = 0 }},
		{"bad upload port", func(c *Config) { c.Upload.Port = 70000 }},
		{"zero generations", func(c *Config) { c.Metastore.KeepGenerations = 0 }},
		{"archive without dir", func(c *Config) { c.Archive.Enabled = true; c.Archive.Dir = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestToPolicyRejectsBadSeed(t *testing.T) {
	neg := -1
	nc := NetworkConfig{
		SSID:   "lab",
		Policy: PolicySeed{RetrySameMax: &neg},
	}
	if _, err := ToPolicy(&nc); err == nil {
		t.Fatal("expected error for negative retry budget")
	}
}

func TestToArchiveConfig(t *testing.T) {
	cfg := DefaultConfig()
	if _, ok := ToArchiveConfig(&cfg.Archive); ok {
		t.Error("disabled archive should not convert")
	}
	cfg.Archive.Enabled = true
	cfg.Archive.Dir = "/tmp/frames"
	ac, ok := ToArchiveConfig(&cfg.Archive)
	if !ok {
		t.Fatal("enabled archive should convert")
	}
	if ac.Dir != "/tmp/frames" || ac.RotateRows != config.DefaultArchiveRotateRows {
		t.Errorf("unexpected archive config: %+v", ac)
	}
}
