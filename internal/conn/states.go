package conn

// State is the controller lifecycle value. Exactly one instance exists;
// the state machine goroutine is its single writer.
type State uint8

const (
	StateIdle State = iota
	StateDiscovering
	StateAssociating
	StateAcquiringLease
	StateStartingListener
	StateReady
	StateRecovering
	StateCooldown
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateAssociating:
		return "associating"
	case StateAcquiringLease:
		return "acquiring_lease"
	case StateStartingListener:
		return "starting_listener"
	case StateReady:
		return "ready"
	case StateRecovering:
		return "recovering"
	case StateCooldown:
		return "cooldown"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// FailureClass tags every failed stage outcome. Unexpected stage errors
// are mapped to the nearest class at the stage boundary, so no record
// ever carries an empty classification.
type FailureClass uint8

const (
	FailureNone FailureClass = iota
	FailureNoCandidate
	FailureAssocRejected
	FailureLeaseTimeout
	FailureListenerStart
	FailureDriverFault
)

func (c FailureClass) String() string {
	switch c {
	case FailureNoCandidate:
		return "no-candidate-found"
	case FailureAssocRejected:
		return "association-rejected"
	case FailureLeaseTimeout:
		return "lease-timeout-no-address"
	case FailureListenerStart:
		return "listener-start-failed"
	case FailureDriverFault:
		return "driver-fault"
	default:
		return ""
	}
}

// Code is the short machine code carried in status records.
func (c FailureClass) Code() uint8 {
	return uint8(c)
}

// candidateScoped reports whether the failure is attributable to the
// currently selected candidate. Candidate-scoped failures consume
// same-candidate retry budget; the others cannot, because no candidate
// is at fault.
func (c FailureClass) candidateScoped() bool {
	switch c {
	case FailureAssocRejected, FailureLeaseTimeout, FailureListenerStart:
		return true
	default:
		return false
	}
}
