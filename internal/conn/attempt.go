package conn

import (
	"github.com/xtxerr/relink/internal/discovery"
	"github.com/xtxerr/relink/internal/driver"
	"github.com/xtxerr/relink/internal/telemetry"
)

// Attempt is the per-cycle mutable state: the tiered retry counters, the
// ranked candidate list from the last discovery pass, and the selection
// cursors. Created fresh when a cycle starts from Idle/Stopped/Faulted or
// after a disconnect from Ready; owned exclusively by the state machine
// goroutine, so no locking.
type Attempt struct {
	// Tier budget consumed so far. RetrySame counts failures charged to
	// the current candidate (it resets when the candidate changes); the
	// other four count times the tier's action was taken.
	RetrySame       int
	RotateCandidate int
	RotateAuth      int
	FullScanReset   int
	DriverRestart   int

	Candidates   []discovery.Candidate
	CandidateIdx int

	// AuthRotated flips once tier 3 has fired; until then association
	// uses the candidate's advertised mode.
	AuthIdx     int
	AuthRotated bool

	// LeaseAttempted marks that a lease negotiation already ran against
	// the current candidate, which switches the retry to the pinned
	// budget. Resets when the candidate changes.
	LeaseAttempted bool
}

// Candidate returns the currently selected candidate.
func (a *Attempt) Candidate() (discovery.Candidate, bool) {
	if a.CandidateIdx < 0 || a.CandidateIdx >= len(a.Candidates) {
		return discovery.Candidate{}, false
	}
	return a.Candidates[a.CandidateIdx], true
}

// Auth returns the authentication mode for the next association attempt:
// the candidate's advertised mode until tier 3 starts walking the
// rotation ladder.
func (a *Attempt) Auth(cand discovery.Candidate) driver.AuthMode {
	if a.AuthRotated {
		return driver.RotationOrder[a.AuthIdx]
	}
	return cand.Auth
}

// NoteFailure charges a candidate-scoped failure against the current
// candidate's retry budget. Called once per classified failure, before
// the escalation decision.
func (a *Attempt) NoteFailure(class FailureClass) {
	if class.candidateScoped() {
		a.RetrySame++
	}
}

// Counters snapshots the tier counters for status records.
func (a *Attempt) Counters() telemetry.EscalationCounters {
	return telemetry.EscalationCounters{
		RetrySame:       a.RetrySame,
		RotateCandidate: a.RotateCandidate,
		RotateAuth:      a.RotateAuth,
		FullScanReset:   a.FullScanReset,
		DriverRestart:   a.DriverRestart,
	}
}
