package conn

import (
	"github.com/xtxerr/relink/internal/driver"
	"github.com/xtxerr/relink/internal/policy"
)

// Step is one recovery action on the escalation ladder.
type Step uint8

const (
	StepRetrySame Step = iota
	StepRotateCandidate
	StepRotateAuth
	StepFullScanReset
	StepDriverRestart
	StepTerminalFail
)

// String returns the wire label carried in status records.
func (s Step) String() string {
	switch s {
	case StepRetrySame:
		return "retry_same"
	case StepRotateCandidate:
		return "rotate_candidate"
	case StepRotateAuth:
		return "rotate_auth"
	case StepFullScanReset:
		return "full_scan_reset"
	case StepDriverRestart:
		return "driver_restart"
	case StepTerminalFail:
		return "terminal_fail"
	default:
		return "unknown"
	}
}

// applicable reports whether a tier can plausibly address failures of the
// given class. Tiers that cannot are skipped without consuming budget:
// there is no candidate to retry or rotate when discovery found nothing,
// rotating the security mode cannot fix a DHCP stall, and no amount of
// re-scanning fixes a listener bind failure.
func applicable(s Step, class FailureClass, a *Attempt) bool {
	switch s {
	case StepRetrySame:
		return class.candidateScoped()
	case StepRotateCandidate:
		if class != FailureAssocRejected && class != FailureLeaseTimeout {
			return false
		}
		return a.CandidateIdx+1 < len(a.Candidates)
	case StepRotateAuth:
		return class == FailureAssocRejected
	case StepFullScanReset:
		return class != FailureListenerStart
	case StepDriverRestart:
		return true
	default:
		return false
	}
}

// Decide maps (classification, attempt counters, policy limits) to the
// next recovery action. Pure: it never mutates the attempt, so the whole
// escalation ladder is testable as a table of inputs.
//
// Tiers are consulted in fixed order, each only while its budget lasts.
// Tier 1's budget is consumed by the failure itself (NoteFailure runs
// before Decide), so retry_same_max bounds the failures tolerated per
// candidate; tiers 2-5 consume budget when their action is applied. When
// every applicable tier is exhausted the result is StepTerminalFail.
func Decide(class FailureClass, a *Attempt, p policy.Policy) Step {
	tiers := []struct {
		step Step
		used int
		max  int
	}{
		{StepRetrySame, a.RetrySame, p.RetrySameMax},
		{StepRotateCandidate, a.RotateCandidate, p.RotateCandidateMax},
		{StepRotateAuth, a.RotateAuth, p.RotateAuthMax},
		{StepFullScanReset, a.FullScanReset, p.FullScanResetMax},
		{StepDriverRestart, a.DriverRestart, p.DriverRestartMax},
	}
	for _, t := range tiers {
		if !applicable(t.step, class, a) {
			continue
		}
		if t.used < t.max {
			return t.step
		}
	}
	return StepTerminalFail
}

// Apply consumes the chosen step's budget and resets the lower tiers
// whose context it invalidates. Escalating means the cheaper recoveries
// start over in the new context; a higher tier's counter is never reset
// by a lower one.
func (a *Attempt) Apply(step Step) {
	switch step {
	case StepRetrySame:
		// Budget already consumed by NoteFailure.
	case StepRotateCandidate:
		a.RotateCandidate++
		a.RetrySame = 0
		a.CandidateIdx++
		a.AuthIdx = 0
		a.AuthRotated = false
		a.LeaseAttempted = false
	case StepRotateAuth:
		a.RotateAuth++
		a.RetrySame = 0
		a.RotateCandidate = 0
		if a.AuthRotated {
			a.AuthIdx = (a.AuthIdx + 1) % len(driver.RotationOrder)
		} else {
			a.AuthRotated = true
		}
	case StepFullScanReset:
		a.FullScanReset++
		a.RetrySame = 0
		a.RotateCandidate = 0
		a.RotateAuth = 0
		a.discardRanking()
	case StepDriverRestart:
		// Restarting discards candidate and auth context (tiers 1-3)
		// but not the full-scan budget: a restart does not make stale
		// scan caches any more likely, and renewing tier 4 here would
		// let tiers 4 and 5 ping-pong past their combined budgets.
		a.DriverRestart++
		a.RetrySame = 0
		a.RotateCandidate = 0
		a.RotateAuth = 0
		a.discardRanking()
	}
}

func (a *Attempt) discardRanking() {
	a.Candidates = nil
	a.CandidateIdx = 0
	a.AuthIdx = 0
	a.AuthRotated = false
	a.LeaseAttempted = false
}
