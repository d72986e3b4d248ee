package policy

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/relink/config"
	"github.com/xtxerr/relink/internal/errors"
)

func valid() Policy {
	p := Default()
	p.SSID = "lab"
	p.Passphrase = "hunter22"
	return p
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"defaults with credentials", func(p *Policy) {}, false},
		{"no credentials is still valid", func(p *Policy) { p.SSID = "" }, false},
		{"ssid too long", func(p *Policy) { p.SSID = strings.Repeat("x", SSIDMax+1) }, true},
		{"passphrase too long", func(p *Policy) { p.Passphrase = strings.Repeat("x", PassphraseMax+1) }, true},
		{"zero connect timeout", func(p *Policy) { p.ConnectTimeout = 0 }, true},
		{"negative cooldown", func(p *Policy) { p.Cooldown = -time.Second }, true},
		{"scan min above max", func(p *Policy) { p.ScanActiveMin = p.ScanActiveMax + time.Millisecond }, true},
		{"pinned below fresh", func(p *Policy) { p.PinnedLeaseTimeout = p.LeaseTimeout - time.Millisecond }, true},
		{"negative retry limit", func(p *Policy) { p.RetrySameMax = -1 }, true},
		{"zero retry limits are allowed", func(p *Policy) {
			p.RetrySameMax = 0
			p.DriverRestartMax = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidConfig) {
				t.Errorf("error chain missing ErrInvalidConfig: %v", err)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	p := valid()
	p.ConnectTimeout = 0
	p.LeaseTimeout = 0
	p.RetrySameMax = -1

	err := p.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("not a ValidationErrors: %T", err)
	}
	if len(verrs.Errors) < 3 {
		t.Errorf("collected %d errors, want at least 3", len(verrs.Errors))
	}
}

func TestSanitizeClamps(t *testing.T) {
	p := valid()
	p.ConnectTimeout = time.Millisecond // below floor
	p.LeaseTimeout = 24 * time.Hour     // above ceiling
	p.PinnedLeaseTimeout = time.Second  // below lease after clamping
	p.RetrySameMax = 10000
	p.ScanActiveMin = 20 * time.Second
	p.ScanActiveMax = time.Millisecond

	s := p.Sanitize()
	if s.ConnectTimeout != config.MinStageTimeout {
		t.Errorf("connect timeout = %v, want floor %v", s.ConnectTimeout, config.MinStageTimeout)
	}
	if s.LeaseTimeout != config.MaxStageTimeout {
		t.Errorf("lease timeout = %v, want ceiling %v", s.LeaseTimeout, config.MaxStageTimeout)
	}
	if s.PinnedLeaseTimeout < s.LeaseTimeout {
		t.Errorf("pinned %v below fresh %v after sanitize", s.PinnedLeaseTimeout, s.LeaseTimeout)
	}
	if s.RetrySameMax != config.MaxEscalationBudget {
		t.Errorf("retry max = %d, want cap %d", s.RetrySameMax, config.MaxEscalationBudget)
	}
	if s.ScanActiveMin > s.ScanActiveMax {
		t.Errorf("scan bounds inverted after sanitize: %v > %v", s.ScanActiveMin, s.ScanActiveMax)
	}
}

func TestLeaseBudget(t *testing.T) {
	p := valid()
	if got := p.LeaseBudget(false); got != p.LeaseTimeout {
		t.Errorf("fresh budget = %v", got)
	}
	if got := p.LeaseBudget(true); got != p.PinnedLeaseTimeout {
		t.Errorf("pinned budget = %v", got)
	}
}

func TestParseSetPartialOverride(t *testing.T) {
	base := valid()
	payload := []byte(`{"ssid":"field-unit-7","password":"s3cret","policy":{"dhcp_timeout_ms":30000,"retry_same_max":4}}`)

	p, err := ParseSet(payload, base)
	if err != nil {
		t.Fatalf("ParseSet: %v", err)
	}
	if p.SSID != "field-unit-7" || p.Passphrase != "s3cret" {
		t.Errorf("credentials not applied: %q", p.SSID)
	}
	if p.LeaseTimeout != 30*time.Second {
		t.Errorf("dhcp timeout = %v", p.LeaseTimeout)
	}
	if p.RetrySameMax != 4 {
		t.Errorf("retry max = %d", p.RetrySameMax)
	}
	// Untouched fields keep base values.
	if p.ConnectTimeout != base.ConnectTimeout || p.Cooldown != base.Cooldown {
		t.Errorf("absent fields mutated: %+v", p)
	}
}

func TestParseSetRejectsGarbage(t *testing.T) {
	if _, err := ParseSet([]byte(`{not json`), valid()); !errors.Is(err, errors.ErrInvalidPolicy) {
		t.Errorf("garbage payload: %v", err)
	}
	if _, err := ParseSet([]byte(`{"policy":{"connect_timeout_ms":-5}}`), valid()); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("negative timeout: %v", err)
	}
}

// SET followed by GET must return a structurally equal policy.
func TestSetGetRoundTrip(t *testing.T) {
	payload := []byte(`{"ssid":"lab","password":"hunter22","policy":{
		"connect_timeout_ms":12000,"dhcp_timeout_ms":25000,"pinned_dhcp_timeout_ms":50000,
		"listener_timeout_ms":4000,"scan_active_min_ms":90,"scan_active_max_ms":250,
		"scan_passive_ms":400,"retry_same_max":3,"rotate_candidate_max":2,
		"rotate_auth_max":2,"full_scan_reset_max":1,"driver_restart_max":1,
		"cooldown_ms":1500,"driver_restart_backoff_ms":8000}}`)

	p, err := ParseSet(payload, Default())
	if err != nil {
		t.Fatalf("ParseSet: %v", err)
	}

	out, err := FormatSnapshot(p)
	if err != nil {
		t.Fatalf("FormatSnapshot: %v", err)
	}

	var snap struct {
		SSIDSet bool            `json:"ssid_set"`
		SSID    string          `json:"ssid"`
		Policy  json.RawMessage `json:"policy"`
	}
	if err := json.Unmarshal(out, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if !snap.SSIDSet || snap.SSID != "lab" {
		t.Errorf("snapshot identity = %+v", snap)
	}
	if strings.Contains(string(out), "hunter22") {
		t.Fatal("snapshot leaked the passphrase")
	}

	// Applying the snapshot's policy body on a fresh base reproduces the
	// same policy values.
	back, err := ParseSet([]byte(`{"policy":`+string(snap.Policy)+`}`), Default())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	back.SSID, back.Passphrase = p.SSID, p.Passphrase
	if back != p {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, p)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	p := valid()
	p.ConnectTimeout = 9 * time.Second
	p.RetrySameMax = 5

	data, err := MarshalPersist(p)
	if err != nil {
		t.Fatalf("MarshalPersist: %v", err)
	}
	if !strings.Contains(string(data), "hunter22") {
		t.Fatal("persisted form must carry credentials")
	}

	got, err := UnmarshalPersist(data)
	if err != nil {
		t.Fatalf("UnmarshalPersist: %v", err)
	}
	if got != p {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, p)
	}
}
