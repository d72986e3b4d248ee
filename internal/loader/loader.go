// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading the relinkd YAML configuration file
//   - Expanding environment variables
//   - Validating the result
//   - Converting between YAML and internal representations

package loader

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/relink/internal/archive"
	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/policy"
	"github.com/xtxerr/relink/internal/store"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Control.Listen == "" {
		errs.AddField("control.listen", "cannot be empty")
	}
	if cfg.Control.MaxCommandLine <= 0 {
		errs.AddField("control.max_command_line", "must be positive")
	}
	if cfg.Control.SendBufferSize <= 0 {
		errs.AddField("control.send_buffer_size", "must be positive")
	}

	if cfg.Upload.Port <= 0 || cfg.Upload.Port > 65535 {
		errs.AddField("upload.port", "must be in 1..65535")
	}

	if cfg.Metastore.KeepGenerations <= 0 {
		errs.AddField("metastore.keep_generations", "must be positive")
	}

	if cfg.Archive.Enabled && cfg.Archive.Dir == "" {
		errs.AddField("archive.dir", "cannot be empty when enabled")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs.AddField("log.level", "must be one of debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs.AddField("log.format", "must be text or json")
	}

	return errs.Err()
}

// =============================================================================
// Conversion: Config → Policy
// =============================================================================

// ToPolicy builds the seed reconnection policy from the network section.
// Zero seed fields keep the built-in defaults; the result is validated
// and clamped the same way a NETCFG SET payload is.
func ToPolicy(cfg *NetworkConfig) (policy.Policy, error) {
	p := policy.Default()
	p.SSID = cfg.SSID
	p.Passphrase = cfg.Passphrase

	seed := cfg.Policy
	if d := seed.ConnectTimeout.Duration(); d > 0 {
		p.ConnectTimeout = d
	}
	if d := seed.LeaseTimeout.Duration(); d > 0 {
		p.LeaseTimeout = d
	}
	if d := seed.PinnedLeaseTimeout.Duration(); d > 0 {
		p.PinnedLeaseTimeout = d
	}
	if d := seed.ListenerTimeout.Duration(); d > 0 {
		p.ListenerTimeout = d
	}
	if d := seed.ScanActiveMin.Duration(); d > 0 {
		p.ScanActiveMin = d
	}
	if d := seed.ScanActiveMax.Duration(); d > 0 {
		p.ScanActiveMax = d
	}
	if d := seed.ScanPassive.Duration(); d > 0 {
		p.ScanPassive = d
	}
	if seed.RetrySameMax != nil {
		p.RetrySameMax = *seed.RetrySameMax
	}
	if seed.RotateCandidateMax != nil {
		p.RotateCandidateMax = *seed.RotateCandidateMax
	}
	if seed.RotateAuthMax != nil {
		p.RotateAuthMax = *seed.RotateAuthMax
	}
	if seed.FullScanResetMax != nil {
		p.FullScanResetMax = *seed.FullScanResetMax
	}
	if seed.DriverRestartMax != nil {
		p.DriverRestartMax = *seed.DriverRestartMax
	}
	if d := seed.Cooldown.Duration(); d > 0 {
		p.Cooldown = d
	}
	if d := seed.DriverRestartBackoff.Duration(); d > 0 {
		p.DriverRestartBackoff = d
	}

	if err := p.Validate(); err != nil {
		return policy.Policy{}, fmt.Errorf("network.policy: %w", err)
	}
	return p.Sanitize(), nil
}

// =============================================================================
// Conversion: Config → Store Config (Metastore)
// =============================================================================

// ToMetastoreConfig converts the metastore section to the store config.
func ToMetastoreConfig(cfg *MetastoreConfig) store.Config {
	return store.Config{
		Path:            cfg.Path,
		QueryTimeout:    cfg.QueryTimeout.Duration(),
		KeepGenerations: cfg.KeepGenerations,
	}
}

// ToArchiveConfig converts the archive section to the archive config.
// Returns false when archiving is disabled.
func ToArchiveConfig(cfg *ArchiveConfig) (archive.Config, bool) {
	if !cfg.Enabled {
		return archive.Config{}, false
	}
	return archive.Config{
		Dir:           cfg.Dir,
		RotateRows:    cfg.RotateRows,
		FlushInterval: cfg.FlushInterval.Duration(),
	}, true
}

// =============================================================================
// Conversion: Config → Logging
// =============================================================================

// LogLevel maps the configured level name to a slog level.
func LogLevel(cfg *LogConfig) slog.Level {
	switch strings.ToLower(cfg.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJSON reports whether JSON log output is configured.
func LogJSON(cfg *LogConfig) bool {
	return strings.EqualFold(cfg.Format, "json")
}
