// Package loader - Configuration Types
//
// Defines the YAML configuration structure for relinkd.
//
//	control:    command channel listen address, session limits
//	upload:     upload listener supervision
//	network:    credentials and reconnection policy seed
//	metastore:  accepted policy generations (DuckDB)
//	archive:    frame archive (Parquet)
//	log:        level and format

package loader

import (
	"fmt"
	"time"

	"github.com/xtxerr/relink/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for relinkd.
type Config struct {
	// Control configures the text command channel.
	Control ControlConfig `yaml:"control"`

	// Upload configures the supervised upload listener.
	Upload UploadConfig `yaml:"upload"`

	// Network seeds credentials and the reconnection policy. NETCFG SET
	// overrides these at runtime; the metastore's latest accepted
	// generation, when present, takes precedence over this section.
	Network NetworkConfig `yaml:"network"`

	// Metastore is the accepted-policy database (DuckDB).
	Metastore MetastoreConfig `yaml:"metastore"`

	// Archive configures the Parquet frame archive.
	Archive ArchiveConfig `yaml:"archive"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// =============================================================================
// Control Channel
// =============================================================================

// ControlConfig configures the command channel listener.
type ControlConfig struct {
	// Listen is the command channel listen address.
	// Default: "127.0.0.1:9417"
	Listen string `yaml:"listen"`

	// MaxCommandLine limits the length of one command line in bytes.
	MaxCommandLine int `yaml:"max_command_line"`

	// SendBufferSize is the per-session frame buffer capacity.
	SendBufferSize int `yaml:"send_buffer_size"`

	// SendTimeout is how long a full session buffer blocks a frame
	// before it is dropped for that session.
	SendTimeout Duration `yaml:"send_timeout"`
}

// =============================================================================
// Upload Listener
// =============================================================================

// UploadConfig configures the upload listener the controller supervises.
type UploadConfig struct {
	// Enabled is the initial listener state. NET LISTENER ON/OFF
	// overrides it at runtime.
	Enabled bool `yaml:"enabled"`

	// Port is the upload listener TCP port.
	Port int `yaml:"port"`
}

// =============================================================================
// Network Seed
// =============================================================================

// NetworkConfig seeds the connection policy before any NETCFG SET.
type NetworkConfig struct {
	// SSID is the target network name. The controller refuses NET START
	// until an SSID is configured here or via NETCFG SET.
	SSID string `yaml:"ssid"`

	// Passphrase is the network credential. Never echoed in NETCFG GET.
	Passphrase string `yaml:"passphrase"`

	// Hostname is announced during lease negotiation.
	Hostname string `yaml:"hostname"`

	// Policy overrides the built-in reconnection policy defaults.
	Policy PolicySeed `yaml:"policy"`
}

// PolicySeed holds optional policy overrides. Zero fields keep the
// built-in defaults; set fields pass through the same validation and
// clamping as a NETCFG SET.
type PolicySeed struct {
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	LeaseTimeout       Duration `yaml:"lease_timeout"`
	PinnedLeaseTimeout Duration `yaml:"pinned_lease_timeout"`
	ListenerTimeout    Duration `yaml:"listener_timeout"`

	ScanActiveMin Duration `yaml:"scan_active_min"`
	ScanActiveMax Duration `yaml:"scan_active_max"`
	ScanPassive   Duration `yaml:"scan_passive"`

	RetrySameMax       *int `yaml:"retry_same_max"`
	RotateCandidateMax *int `yaml:"rotate_candidate_max"`
	RotateAuthMax      *int `yaml:"rotate_auth_max"`
	FullScanResetMax   *int `yaml:"full_scan_reset_max"`
	DriverRestartMax   *int `yaml:"driver_restart_max"`

	Cooldown             Duration `yaml:"cooldown"`
	DriverRestartBackoff Duration `yaml:"driver_restart_backoff"`
}

// =============================================================================
// Storage
// =============================================================================

// MetastoreConfig configures the policy generation database.
type MetastoreConfig struct {
	// Path is the DuckDB database file. Empty runs in-memory (accepted
	// policies do not survive a restart).
	Path string `yaml:"path"`

	// QueryTimeout bounds metastore queries.
	QueryTimeout Duration `yaml:"query_timeout"`

	// KeepGenerations bounds how many accepted policies are retained.
	KeepGenerations int `yaml:"keep_generations"`
}

// ArchiveConfig configures the Parquet frame archive.
type ArchiveConfig struct {
	// Enabled turns frame archiving on.
	Enabled bool `yaml:"enabled"`

	// Dir is the archive directory.
	Dir string `yaml:"dir"`

	// RotateRows is the frame count per archive file.
	RotateRows int `yaml:"rotate_rows"`

	// FlushInterval is how often buffered frames are flushed.
	FlushInterval Duration `yaml:"flush_interval"`
}

// =============================================================================
// Logging
// =============================================================================

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is "text" or "json". Default: text.
	Format string `yaml:"format"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config populated with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			Listen:         config.DefaultListenAddress,
			MaxCommandLine: config.DefaultMaxCommandLine,
			SendBufferSize: config.DefaultSessionSendBufferSize,
			SendTimeout:    Duration(config.DefaultSessionSendTimeout),
		},
		Upload: UploadConfig{
			Enabled: true,
			Port:    config.DefaultUploadPort,
		},
		Metastore: MetastoreConfig{
			Path:            config.DefaultMetastorePath,
			QueryTimeout:    Duration(config.DefaultMetastoreQueryTimeout),
			KeepGenerations: config.DefaultMetastoreKeepGenerations,
		},
		Archive: ArchiveConfig{
			RotateRows:    config.DefaultArchiveRotateRows,
			FlushInterval: Duration(config.DefaultArchiveFlushInterval),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML as either a
// duration string ("30s", "1m") or an integer second count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int64
		if err2 := unmarshal(&i); err2 != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration converts to time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
