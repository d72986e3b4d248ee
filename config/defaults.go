// Package config provides configuration defaults and utilities
// for the relink controller.
//
// This package defines all configurable constants with documented defaults.
// Policy values can be overridden at runtime via NETCFG SET; daemon values
// via relinkd.yaml.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default control-channel listen address.
	// Override via config: control.listen
	DefaultListenAddress = "127.0.0.1:9417"

	// DefaultUploadPort is the default upload listener port.
	// Override via config: upload.port
	DefaultUploadPort = 8080

	// DefaultMaxCommandLine limits the length of one control command line.
	// NETCFG SET carries a full policy document; 4 KiB leaves ample room.
	// Override via config: control.max_command_line
	DefaultMaxCommandLine = 4096
)

// =============================================================================
// Policy Defaults
// =============================================================================
//
// These seed a fresh Policy before any NETCFG SET arrives. The scan bounds
// follow observed beacon intervals on consumer access points: the active
// minimum must cover at least one slow (~102 ms) beacon period.

const (
	// DefaultConnectTimeout bounds one association attempt.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultLeaseTimeout bounds a first-time lease negotiation.
	DefaultLeaseTimeout = 20 * time.Second

	// DefaultPinnedLeaseTimeout bounds a lease retry that reuses a
	// previously-seen binding on the same candidate. Longer than
	// DefaultLeaseTimeout: a pinned renewal is more likely to eventually
	// succeed than to need escalation.
	DefaultPinnedLeaseTimeout = 45 * time.Second

	// DefaultListenerTimeout bounds the upload listener bind.
	DefaultListenerTimeout = 5 * time.Second

	// DefaultScanActiveMin is the minimum active scan dwell per pass.
	DefaultScanActiveMin = 80 * time.Millisecond

	// DefaultScanActiveMax is the maximum active scan dwell per pass.
	DefaultScanActiveMax = 240 * time.Millisecond

	// DefaultScanPassive is the passive fallback scan duration.
	DefaultScanPassive = 360 * time.Millisecond

	// DefaultCooldown is the flat pause between connection cycles that did
	// not escalate to a driver restart.
	DefaultCooldown = 2 * time.Second

	// DefaultDriverRestartBackoff is the pause after a driver restart,
	// distinct from and longer than the cooldown.
	DefaultDriverRestartBackoff = 10 * time.Second
)

const (
	// DefaultRetrySameMax is the same-candidate retry budget (tier 1).
	DefaultRetrySameMax = 2

	// DefaultRotateCandidateMax is the candidate rotation budget (tier 2).
	DefaultRotateCandidateMax = 3

	// DefaultRotateAuthMax is the authentication-mode rotation budget (tier 3).
	DefaultRotateAuthMax = 3

	// DefaultFullScanResetMax is the fresh-discovery budget (tier 4).
	DefaultFullScanResetMax = 2

	// DefaultDriverRestartMax is the radio driver restart budget (tier 5).
	DefaultDriverRestartMax = 2
)

// =============================================================================
// Policy Bounds
// =============================================================================
//
// Sanitization clamps operator-supplied values into these ranges so a typo in
// a NETCFG SET cannot wedge the controller with a zero or week-long timeout.

const (
	// MinStageTimeout is the floor for any per-stage timeout.
	MinStageTimeout = 100 * time.Millisecond

	// MaxStageTimeout is the ceiling for any per-stage timeout.
	MaxStageTimeout = 5 * time.Minute

	// MaxScanDuration is the ceiling for any single scan dwell.
	MaxScanDuration = 10 * time.Second

	// MaxEscalationBudget is the ceiling for any tier retry limit.
	MaxEscalationBudget = 32
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultSessionSendBufferSize is the capacity of the per-session frame
	// channel. A slow console must not stall the controller.
	// Override via config: control.send_buffer_size
	DefaultSessionSendBufferSize = 256

	// DefaultSessionSendTimeout is how long to wait when a session's send
	// buffer is full before dropping the frame for that session.
	// Override via config: control.send_timeout_ms
	DefaultSessionSendTimeout = 100 * time.Millisecond
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveRotateRows is the frame count per Parquet archive file.
	// Override via config: archive.rotate_rows
	DefaultArchiveRotateRows = 8192

	// DefaultArchiveFlushInterval is how often buffered frames are flushed.
	// Override via config: archive.flush_interval_sec
	DefaultArchiveFlushInterval = 5 * time.Second
)

// =============================================================================
// Metastore Defaults
// =============================================================================

const (
	// DefaultMetastorePath is the default DuckDB metastore location.
	// Override via config: metastore.path
	DefaultMetastorePath = "relink.db"

	// DefaultMetastoreQueryTimeout bounds metastore queries.
	DefaultMetastoreQueryTimeout = 5 * time.Second

	// DefaultMetastoreKeepGenerations bounds how many accepted policy
	// generations are retained.
	// Override via config: metastore.keep_generations
	DefaultMetastoreKeepGenerations = 32
)
