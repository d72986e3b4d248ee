package conn

import (
	"testing"

	"github.com/xtxerr/relink/internal/discovery"
	"github.com/xtxerr/relink/internal/driver"
	"github.com/xtxerr/relink/internal/policy"
)

func limits(retry, rotate, auth, scan, restart int) policy.Policy {
	p := policy.Default()
	p.RetrySameMax = retry
	p.RotateCandidateMax = rotate
	p.RotateAuthMax = auth
	p.FullScanResetMax = scan
	p.DriverRestartMax = restart
	return p
}

func withCandidates(a *Attempt, n int) *Attempt {
	for i := 0; i < n; i++ {
		a.Candidates = append(a.Candidates, discovery.Candidate{BSSID: string(rune('a' + i))})
	}
	return a
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		class   FailureClass
		attempt *Attempt
		policy  policy.Policy
		want    Step
	}{
		{
			name:    "fresh rejection retries in place",
			class:   FailureAssocRejected,
			attempt: withCandidates(&Attempt{RetrySame: 1}, 2),
			policy:  limits(2, 1, 1, 1, 1),
			want:    StepRetrySame,
		},
		{
			name:    "retry budget gone rotates candidate",
			class:   FailureAssocRejected,
			attempt: withCandidates(&Attempt{RetrySame: 2}, 2),
			policy:  limits(2, 1, 1, 1, 1),
			want:    StepRotateCandidate,
		},
		{
			name:    "single candidate skips rotation",
			class:   FailureAssocRejected,
			attempt: withCandidates(&Attempt{RetrySame: 2}, 1),
			policy:  limits(2, 3, 1, 1, 1),
			want:    StepRotateAuth,
		},
		{
			name:    "rotations gone rotates auth",
			class:   FailureAssocRejected,
			attempt: withCandidates(&Attempt{RetrySame: 2, RotateCandidate: 1, CandidateIdx: 0}, 2),
			policy:  limits(2, 1, 1, 1, 1),
			want:    StepRotateAuth,
		},
		{
			name:    "no candidate skips straight to full scan",
			class:   FailureNoCandidate,
			attempt: &Attempt{},
			policy:  limits(2, 3, 3, 1, 1),
			want:    StepFullScanReset,
		},
		{
			name:    "no candidate with scan budget gone restarts driver",
			class:   FailureNoCandidate,
			attempt: &Attempt{FullScanReset: 1},
			policy:  limits(2, 3, 3, 1, 1),
			want:    StepDriverRestart,
		},
		{
			name:    "no candidate everything gone is terminal",
			class:   FailureNoCandidate,
			attempt: &Attempt{FullScanReset: 1, DriverRestart: 1},
			policy:  limits(2, 3, 3, 1, 1),
			want:    StepTerminalFail,
		},
		{
			name:    "lease timeout never rotates auth",
			class:   FailureLeaseTimeout,
			attempt: withCandidates(&Attempt{RetrySame: 2, RotateCandidate: 1}, 2),
			policy:  limits(2, 1, 3, 1, 1),
			want:    StepFullScanReset,
		},
		{
			name:    "listener failure skips scan tiers",
			class:   FailureListenerStart,
			attempt: withCandidates(&Attempt{RetrySame: 2}, 3),
			policy:  limits(2, 3, 3, 3, 1),
			want:    StepDriverRestart,
		},
		{
			name:    "driver fault goes to full scan first",
			class:   FailureDriverFault,
			attempt: &Attempt{},
			policy:  limits(2, 3, 3, 1, 1),
			want:    StepFullScanReset,
		},
		{
			name:    "zero budgets everywhere is terminal immediately",
			class:   FailureAssocRejected,
			attempt: withCandidates(&Attempt{RetrySame: 1}, 2),
			policy:  limits(0, 0, 0, 0, 0),
			want:    StepTerminalFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.class, tt.attempt, tt.policy); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyResetsLowerTiersOnly(t *testing.T) {
	a := withCandidates(&Attempt{
		RetrySame:       2,
		RotateCandidate: 1,
		RotateAuth:      1,
		FullScanReset:   1,
		DriverRestart:   1,
	}, 3)

	a.Apply(StepRotateCandidate)
	if a.RetrySame != 0 {
		t.Errorf("rotate_candidate kept RetrySame = %d", a.RetrySame)
	}
	if a.RotateCandidate != 2 || a.RotateAuth != 1 || a.FullScanReset != 1 || a.DriverRestart != 1 {
		t.Errorf("rotate_candidate touched higher tiers: %+v", a)
	}
	if a.CandidateIdx != 1 {
		t.Errorf("rotation did not advance candidate: idx=%d", a.CandidateIdx)
	}

	a.Apply(StepRotateAuth)
	if a.RetrySame != 0 || a.RotateCandidate != 0 {
		t.Errorf("rotate_auth kept lower tiers: %+v", a)
	}
	if !a.AuthRotated {
		t.Error("rotate_auth did not enter the rotation ladder")
	}

	a.Apply(StepFullScanReset)
	if a.RotateAuth != 0 || len(a.Candidates) != 0 {
		t.Errorf("full_scan_reset kept ranking state: %+v", a)
	}
	if a.DriverRestart != 1 {
		t.Errorf("full_scan_reset touched driver restarts: %d", a.DriverRestart)
	}

	before := a.FullScanReset
	a.Apply(StepDriverRestart)
	if a.FullScanReset != before {
		t.Errorf("driver_restart renewed full-scan budget: %d -> %d", before, a.FullScanReset)
	}
	if a.DriverRestart != 2 {
		t.Errorf("driver_restart count = %d, want 2", a.DriverRestart)
	}
}

func TestAuthLadder(t *testing.T) {
	a := withCandidates(&Attempt{}, 1)
	cand := discovery.Candidate{Auth: driver.AuthWPA2WPA3}

	if got := a.Auth(cand); got != driver.AuthWPA2WPA3 {
		t.Fatalf("initial auth = %v, want the candidate's advertised mode", got)
	}

	a.Apply(StepRotateAuth)
	if got := a.Auth(cand); got != driver.RotationOrder[0] {
		t.Errorf("first rotation = %v, want %v", got, driver.RotationOrder[0])
	}
	a.Apply(StepRotateAuth)
	if got := a.Auth(cand); got != driver.RotationOrder[1] {
		t.Errorf("second rotation = %v, want %v", got, driver.RotationOrder[1])
	}
}

// Every failure sequence must exhaust within bounded steps, and no tier
// counter may ever exceed its configured maximum along the way.
func TestEscalationBounded(t *testing.T) {
	classes := []FailureClass{
		FailureNoCandidate,
		FailureAssocRejected,
		FailureLeaseTimeout,
		FailureListenerStart,
		FailureDriverFault,
	}
	policies := []policy.Policy{
		limits(0, 0, 0, 0, 0),
		limits(1, 0, 0, 0, 0),
		limits(2, 1, 1, 1, 1),
		limits(2, 3, 3, 2, 2),
		limits(5, 5, 5, 5, 5),
	}

	for _, p := range policies {
		for _, class := range classes {
			a := withCandidates(&Attempt{}, 4)
			steps := 0
			for {
				a.NoteFailure(class)
				step := Decide(class, a, p)
				if step == StepTerminalFail {
					break
				}
				a.Apply(step)

				if a.RetrySame > p.RetrySameMax ||
					a.RotateCandidate > p.RotateCandidateMax ||
					a.RotateAuth > p.RotateAuthMax ||
					a.FullScanReset > p.FullScanResetMax ||
					a.DriverRestart > p.DriverRestartMax {
					t.Fatalf("class %v policy %+v: counter over budget after %v: %+v",
						class, p, step, a)
				}

				// Recovery steps that discard ranking run discovery again;
				// model it finding the same candidates.
				if len(a.Candidates) == 0 && class != FailureNoCandidate {
					withCandidates(a, 4)
				}

				steps++
				if steps > 10000 {
					t.Fatalf("class %v policy %+v: escalation did not terminate", class, p)
				}
			}
		}
	}
}
