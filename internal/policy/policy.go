// Package policy holds the network policy: credentials, per-stage timing
// budgets, and escalation limits.
//
// A Policy is immutable-until-replaced: the connection state machine copies
// the active policy at the start of each cycle, so replacing it mid-flight
// can never mutate values an in-progress cycle already captured. Replacement
// itself is only accepted while the controller is Idle, Stopped, or Faulted.
package policy

import (
	"time"

	"github.com/xtxerr/relink/config"
	"github.com/xtxerr/relink/internal/errors"
)

// Identity limits. One SSID may be served by several physical access
// points; candidates are tracked by BSSID, not by this shared name.
const (
	SSIDMax       = 32
	PassphraseMax = 64
)

// Policy is the full network policy applied via NETCFG SET.
//
// All durations are positive after Sanitize; retry limits are non-negative.
type Policy struct {
	// Network identity.
	SSID       string
	Passphrase string

	// Per-stage timeouts.
	ConnectTimeout     time.Duration // association attempt
	LeaseTimeout       time.Duration // first-time lease negotiation
	PinnedLeaseTimeout time.Duration // lease retry on a previously-seen binding
	ListenerTimeout    time.Duration // upload listener bind

	// Scan timing bounds.
	ScanActiveMin time.Duration
	ScanActiveMax time.Duration
	ScanPassive   time.Duration

	// Escalation limits, tiers 1-5.
	RetrySameMax       int
	RotateCandidateMax int
	RotateAuthMax      int
	FullScanResetMax   int
	DriverRestartMax   int

	// Pacing between cycles.
	Cooldown             time.Duration // flat pause between non-restart cycles
	DriverRestartBackoff time.Duration // pause after a driver restart
}

// Default returns the policy seeded before any NETCFG SET arrives.
// Credentials are empty; the controller refuses to start without them.
func Default() Policy {
	return Policy{
		ConnectTimeout:       config.DefaultConnectTimeout,
		LeaseTimeout:         config.DefaultLeaseTimeout,
		PinnedLeaseTimeout:   config.DefaultPinnedLeaseTimeout,
		ListenerTimeout:      config.DefaultListenerTimeout,
		ScanActiveMin:        config.DefaultScanActiveMin,
		ScanActiveMax:        config.DefaultScanActiveMax,
		ScanPassive:          config.DefaultScanPassive,
		RetrySameMax:         config.DefaultRetrySameMax,
		RotateCandidateMax:   config.DefaultRotateCandidateMax,
		RotateAuthMax:        config.DefaultRotateAuthMax,
		FullScanResetMax:     config.DefaultFullScanResetMax,
		DriverRestartMax:     config.DefaultDriverRestartMax,
		Cooldown:             config.DefaultCooldown,
		DriverRestartBackoff: config.DefaultDriverRestartBackoff,
	}
}

// HasCredentials reports whether a network identity is configured.
func (p Policy) HasCredentials() bool {
	return p.SSID != ""
}

// Validate checks the policy without mutating it.
func (p Policy) Validate() error {
	errs := errors.NewValidationErrors()

	if len(p.SSID) > SSIDMax {
		errs.AddField("ssid", "exceeds 32 bytes")
	}
	if len(p.Passphrase) > PassphraseMax {
		errs.AddField("password", "exceeds 64 bytes")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connect_timeout_ms", p.ConnectTimeout},
		{"dhcp_timeout_ms", p.LeaseTimeout},
		{"pinned_dhcp_timeout_ms", p.PinnedLeaseTimeout},
		{"listener_timeout_ms", p.ListenerTimeout},
		{"scan_active_min_ms", p.ScanActiveMin},
		{"scan_active_max_ms", p.ScanActiveMax},
		{"scan_passive_ms", p.ScanPassive},
		{"cooldown_ms", p.Cooldown},
		{"driver_restart_backoff_ms", p.DriverRestartBackoff},
	} {
		if d.value <= 0 {
			errs.AddField(d.name, "must be positive")
		}
	}

	if p.ScanActiveMin > p.ScanActiveMax {
		errs.AddField("scan_active_min_ms", "exceeds scan_active_max_ms")
	}
	if p.PinnedLeaseTimeout < p.LeaseTimeout {
		errs.AddField("pinned_dhcp_timeout_ms", "must not be shorter than dhcp_timeout_ms")
	}

	for _, l := range []struct {
		name  string
		value int
	}{
		{"retry_same_max", p.RetrySameMax},
		{"rotate_candidate_max", p.RotateCandidateMax},
		{"rotate_auth_max", p.RotateAuthMax},
		{"full_scan_reset_max", p.FullScanResetMax},
		{"driver_restart_max", p.DriverRestartMax},
	} {
		if l.value < 0 {
			errs.AddField(l.name, "must be non-negative")
		}
	}

	return errs.Err()
}

// Sanitize clamps every field into its documented bounds and returns the
// result. Operator input goes through Sanitize so a typo in a NETCFG SET
// cannot wedge the controller with a zero or week-long timeout.
func (p Policy) Sanitize() Policy {
	p.ConnectTimeout = clampDuration(p.ConnectTimeout, config.MinStageTimeout, config.MaxStageTimeout)
	p.LeaseTimeout = clampDuration(p.LeaseTimeout, config.MinStageTimeout, config.MaxStageTimeout)
	p.PinnedLeaseTimeout = clampDuration(p.PinnedLeaseTimeout, config.MinStageTimeout, config.MaxStageTimeout)
	p.ListenerTimeout = clampDuration(p.ListenerTimeout, config.MinStageTimeout, config.MaxStageTimeout)

	p.ScanActiveMin = clampDuration(p.ScanActiveMin, time.Millisecond, config.MaxScanDuration)
	p.ScanActiveMax = clampDuration(p.ScanActiveMax, p.ScanActiveMin, config.MaxScanDuration)
	p.ScanPassive = clampDuration(p.ScanPassive, time.Millisecond, config.MaxScanDuration)

	if p.PinnedLeaseTimeout < p.LeaseTimeout {
		p.PinnedLeaseTimeout = p.LeaseTimeout
	}

	p.RetrySameMax = clampInt(p.RetrySameMax, 0, config.MaxEscalationBudget)
	p.RotateCandidateMax = clampInt(p.RotateCandidateMax, 0, config.MaxEscalationBudget)
	p.RotateAuthMax = clampInt(p.RotateAuthMax, 0, config.MaxEscalationBudget)
	p.FullScanResetMax = clampInt(p.FullScanResetMax, 0, config.MaxEscalationBudget)
	p.DriverRestartMax = clampInt(p.DriverRestartMax, 0, config.MaxEscalationBudget)

	p.Cooldown = clampDuration(p.Cooldown, time.Millisecond, config.MaxStageTimeout)
	p.DriverRestartBackoff = clampDuration(p.DriverRestartBackoff, time.Millisecond, config.MaxStageTimeout)

	return p
}

// LeaseBudget returns the lease-stage timeout: the pinned budget when the
// negotiation reuses a previously-seen binding, else the fresh budget.
func (p Policy) LeaseBudget(pinned bool) time.Duration {
	if pinned {
		return p.PinnedLeaseTimeout
	}
	return p.LeaseTimeout
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
