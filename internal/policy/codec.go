package policy

import (
	"encoding/json"
	"time"

	"github.com/xtxerr/relink/internal/errors"
)

// The NETCFG payload is JSON. SET accepts credentials plus any subset of
// policy fields (absent fields keep their current value); GET returns the
// full policy with the passphrase withheld.
//
// Wire layout:
//
//	{"ssid":"...","password":"...","policy":{"connect_timeout_ms":15000,...}}

type wireConfig struct {
	SSID     *string     `json:"ssid,omitempty"`
	Password *string     `json:"password,omitempty"`
	Policy   *wirePolicy `json:"policy,omitempty"`
}

type wirePolicy struct {
	ConnectTimeoutMs        *int64 `json:"connect_timeout_ms,omitempty"`
	DHCPTimeoutMs           *int64 `json:"dhcp_timeout_ms,omitempty"`
	PinnedDHCPTimeoutMs     *int64 `json:"pinned_dhcp_timeout_ms,omitempty"`
	ListenerTimeoutMs       *int64 `json:"listener_timeout_ms,omitempty"`
	ScanActiveMinMs         *int64 `json:"scan_active_min_ms,omitempty"`
	ScanActiveMaxMs         *int64 `json:"scan_active_max_ms,omitempty"`
	ScanPassiveMs           *int64 `json:"scan_passive_ms,omitempty"`
	RetrySameMax            *int   `json:"retry_same_max,omitempty"`
	RotateCandidateMax      *int   `json:"rotate_candidate_max,omitempty"`
	RotateAuthMax           *int   `json:"rotate_auth_max,omitempty"`
	FullScanResetMax        *int   `json:"full_scan_reset_max,omitempty"`
	DriverRestartMax        *int   `json:"driver_restart_max,omitempty"`
	CooldownMs              *int64 `json:"cooldown_ms,omitempty"`
	DriverRestartBackoffMs  *int64 `json:"driver_restart_backoff_ms,omitempty"`
}

// snapshot is the NETCFG GET shape. The passphrase is never echoed; only
// whether credentials are set.
type snapshot struct {
	SSIDSet bool         `json:"ssid_set"`
	SSID    string       `json:"ssid"`
	Policy  snapshotBody `json:"policy"`
}

type snapshotBody struct {
	ConnectTimeoutMs       int64 `json:"connect_timeout_ms"`
	DHCPTimeoutMs          int64 `json:"dhcp_timeout_ms"`
	PinnedDHCPTimeoutMs    int64 `json:"pinned_dhcp_timeout_ms"`
	ListenerTimeoutMs      int64 `json:"listener_timeout_ms"`
	ScanActiveMinMs        int64 `json:"scan_active_min_ms"`
	ScanActiveMaxMs        int64 `json:"scan_active_max_ms"`
	ScanPassiveMs          int64 `json:"scan_passive_ms"`
	RetrySameMax           int   `json:"retry_same_max"`
	RotateCandidateMax     int   `json:"rotate_candidate_max"`
	RotateAuthMax          int   `json:"rotate_auth_max"`
	FullScanResetMax       int   `json:"full_scan_reset_max"`
	DriverRestartMax       int   `json:"driver_restart_max"`
	CooldownMs             int64 `json:"cooldown_ms"`
	DriverRestartBackoffMs int64 `json:"driver_restart_backoff_ms"`
}

// ParseSet applies a NETCFG SET payload on top of base and returns the
// sanitized result. Absent fields keep their base values.
func ParseSet(payload []byte, base Policy) (Policy, error) {
	var w wireConfig
	if err := json.Unmarshal(payload, &w); err != nil {
		return Policy{}, errors.Wrap(errors.ErrInvalidPolicy, "parse NETCFG payload: "+err.Error())
	}

	p := base
	if w.SSID != nil {
		p.SSID = *w.SSID
	}
	if w.Password != nil {
		p.Passphrase = *w.Password
	}
	if w.Policy != nil {
		applyWire(&p, w.Policy)
	}

	if err := p.Validate(); err != nil {
		return Policy{}, errors.Wrap(err, "NETCFG SET")
	}
	return p.Sanitize(), nil
}

func applyWire(p *Policy, w *wirePolicy) {
	setDur := func(dst *time.Duration, ms *int64) {
		if ms != nil {
			*dst = time.Duration(*ms) * time.Millisecond
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}

	setDur(&p.ConnectTimeout, w.ConnectTimeoutMs)
	setDur(&p.LeaseTimeout, w.DHCPTimeoutMs)
	setDur(&p.PinnedLeaseTimeout, w.PinnedDHCPTimeoutMs)
	setDur(&p.ListenerTimeout, w.ListenerTimeoutMs)
	setDur(&p.ScanActiveMin, w.ScanActiveMinMs)
	setDur(&p.ScanActiveMax, w.ScanActiveMaxMs)
	setDur(&p.ScanPassive, w.ScanPassiveMs)
	setInt(&p.RetrySameMax, w.RetrySameMax)
	setInt(&p.RotateCandidateMax, w.RotateCandidateMax)
	setInt(&p.RotateAuthMax, w.RotateAuthMax)
	setInt(&p.FullScanResetMax, w.FullScanResetMax)
	setInt(&p.DriverRestartMax, w.DriverRestartMax)
	setDur(&p.Cooldown, w.CooldownMs)
	setDur(&p.DriverRestartBackoff, w.DriverRestartBackoffMs)
}

// FormatSnapshot renders the NETCFG GET payload for the given policy.
func FormatSnapshot(p Policy) ([]byte, error) {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }

	return json.Marshal(snapshot{
		SSIDSet: p.HasCredentials(),
		SSID:    p.SSID,
		Policy: snapshotBody{
			ConnectTimeoutMs:       ms(p.ConnectTimeout),
			DHCPTimeoutMs:          ms(p.LeaseTimeout),
			PinnedDHCPTimeoutMs:    ms(p.PinnedLeaseTimeout),
			ListenerTimeoutMs:      ms(p.ListenerTimeout),
			ScanActiveMinMs:        ms(p.ScanActiveMin),
			ScanActiveMaxMs:        ms(p.ScanActiveMax),
			ScanPassiveMs:          ms(p.ScanPassive),
			RetrySameMax:           p.RetrySameMax,
			RotateCandidateMax:     p.RotateCandidateMax,
			RotateAuthMax:          p.RotateAuthMax,
			FullScanResetMax:       p.FullScanResetMax,
			DriverRestartMax:       p.DriverRestartMax,
			CooldownMs:             ms(p.Cooldown),
			DriverRestartBackoffMs: ms(p.DriverRestartBackoff),
		},
	})
}

// MarshalPersist renders the full policy, credentials included, for durable
// storage. Never sent over the control channel.
func MarshalPersist(p Policy) ([]byte, error) {
	ssid, pass := p.SSID, p.Passphrase
	w := wireConfig{
		SSID:     &ssid,
		Password: &pass,
		Policy: &wirePolicy{
			ConnectTimeoutMs:       msPtr(p.ConnectTimeout),
			DHCPTimeoutMs:          msPtr(p.LeaseTimeout),
			PinnedDHCPTimeoutMs:    msPtr(p.PinnedLeaseTimeout),
			ListenerTimeoutMs:      msPtr(p.ListenerTimeout),
			ScanActiveMinMs:        msPtr(p.ScanActiveMin),
			ScanActiveMaxMs:        msPtr(p.ScanActiveMax),
			ScanPassiveMs:          msPtr(p.ScanPassive),
			RetrySameMax:           &p.RetrySameMax,
			RotateCandidateMax:     &p.RotateCandidateMax,
			RotateAuthMax:          &p.RotateAuthMax,
			FullScanResetMax:       &p.FullScanResetMax,
			DriverRestartMax:       &p.DriverRestartMax,
			CooldownMs:             msPtr(p.Cooldown),
			DriverRestartBackoffMs: msPtr(p.DriverRestartBackoff),
		},
	}
	return json.Marshal(w)
}

// UnmarshalPersist restores a policy persisted by MarshalPersist.
func UnmarshalPersist(data []byte) (Policy, error) {
	return ParseSet(data, Default())
}

func msPtr(d time.Duration) *int64 {
	v := d.Milliseconds()
	return &v
}
