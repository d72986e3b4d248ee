package driver

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/xtxerr/relink/internal/errors"
)

// =============================================================================
// Scripted Simulator
// =============================================================================
//
// The simulator replays fixed outcome sequences for each primitive, so a
// regression run produces the same ordered failure sequence every time.
// Outcomes are consumed in order; when a sequence is exhausted the last
// outcome repeats. A blocking outcome parks until the stage deadline,
// which is how scan/association/lease timeouts are simulated.

// ScanOutcome is one scripted scan result.
type ScanOutcome struct {
	Results []ScanResult
	Err     error
}

// AssocOutcome is one scripted association result.
type AssocOutcome struct {
	Err   error
	Block bool // park until the stage deadline
}

// LeaseOutcome is one scripted lease result.
type LeaseOutcome struct {
	Lease Lease
	Err   error
	Block bool
}

// Script holds the outcome sequences for one simulated run.
type Script struct {
	Scans   []ScanOutcome
	Assocs  []AssocOutcome
	Leases  []LeaseOutcome
	Listens []error
}

// LeaseCall records one observed lease request for test assertions.
type LeaseCall struct {
	Req    LeaseRequest
	Budget time.Duration // remaining context budget at call time
}

// Simulator is a scripted Radio for tests and relinkd -sim.
//
// Unlike hardware implementations it is safe for concurrent use, because
// tests inspect recorded calls while the controller goroutine runs.
type Simulator struct {
	mu     sync.Mutex
	script Script

	scanIdx   int
	assocIdx  int
	leaseIdx  int
	listenIdx int

	started    bool
	associated string // BSSID, empty when not associated

	events chan Event

	startCalls   int
	stopCalls    int
	restartCalls int

	scanReqs   []ScanRequest
	assocReqs  []AssociateRequest
	leaseCalls []LeaseCall
}

// NewSimulator creates a simulator replaying the given script.
func NewSimulator(script Script) *Simulator {
	return &Simulator{
		script: script,
		events: make(chan Event, 8),
	}
}

// Start implements Radio.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.startCalls++
	return nil
}

// Stop implements Radio.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.associated = ""
	s.stopCalls++
	return nil
}

// Restart implements Radio.
func (s *Simulator) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.associated = ""
	s.restartCalls++
	return nil
}

// Scan implements Radio.
func (s *Simulator) Scan(ctx context.Context, req ScanRequest) ([]ScanResult, error) {
	s.mu.Lock()
	s.scanReqs = append(s.scanReqs, req)
	out := takeOutcome(s.script.Scans, &s.scanIdx, ScanOutcome{})
	s.mu.Unlock()

	if out.Err != nil {
		return nil, out.Err
	}
	return out.Results, nil
}

// Associate implements Radio.
func (s *Simulator) Associate(ctx context.Context, req AssociateRequest) error {
	s.mu.Lock()
	s.assocReqs = append(s.assocReqs, req)
	out := takeOutcome(s.script.Assocs, &s.assocIdx, AssocOutcome{})
	s.mu.Unlock()

	if out.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if out.Err != nil {
		return out.Err
	}

	s.mu.Lock()
	s.associated = req.BSSID
	s.mu.Unlock()
	return nil
}

// Disassociate implements Radio.
func (s *Simulator) Disassociate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.associated = ""
	return nil
}

// Lease implements Radio.
func (s *Simulator) Lease(ctx context.Context, req LeaseRequest) (Lease, error) {
	budget := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}

	s.mu.Lock()
	s.leaseCalls = append(s.leaseCalls, LeaseCall{Req: req, Budget: budget})
	out := takeOutcome(s.script.Leases, &s.leaseIdx, LeaseOutcome{})
	s.mu.Unlock()

	if out.Block {
		<-ctx.Done()
		return Lease{}, ctx.Err()
	}
	if out.Err != nil {
		return Lease{}, out.Err
	}
	return out.Lease, nil
}

// Listen implements Radio. On success it binds a real loopback listener so
// supervisor tests exercise actual accept semantics.
func (s *Simulator) Listen(ctx context.Context, port uint16) (net.Listener, error) {
	s.mu.Lock()
	var err error
	if len(s.script.Listens) > 0 {
		err = takeOutcome(s.script.Listens, &s.listenIdx, nil)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return net.Listen("tcp", "127.0.0.1:0")
}

// Events implements Radio.
func (s *Simulator) Events() <-chan Event {
	return s.events
}

// InjectDisconnect delivers an asynchronous disconnect notification, as a
// wedged access point would.
func (s *Simulator) InjectDisconnect(reason DisconnectReason) {
	s.events <- Event{Disconnect: true, Reason: reason}
}

// =============================================================================
// Recorded-call accessors
// =============================================================================

// Calls returns the start/stop/restart call counts.
func (s *Simulator) Calls() (starts, stops, restarts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.stopCalls, s.restartCalls
}

// ScanRequests returns a copy of the observed scan requests.
func (s *Simulator) ScanRequests() []ScanRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScanRequest(nil), s.scanReqs...)
}

// AssocRequests returns a copy of the observed association requests.
func (s *Simulator) AssocRequests() []AssociateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AssociateRequest(nil), s.assocReqs...)
}

// LeaseCalls returns a copy of the observed lease calls.
func (s *Simulator) LeaseCalls() []LeaseCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LeaseCall(nil), s.leaseCalls...)
}

// takeOutcome consumes outcomes in order, repeating the last one when the
// sequence is exhausted.
func takeOutcome[T any](seq []T, idx *int, zero T) T {
	if len(seq) == 0 {
		return zero
	}
	i := *idx
	if i >= len(seq) {
		i = len(seq) - 1
	} else {
		*idx++
	}
	return seq[i]
}

// =============================================================================
// Script helpers
// =============================================================================

// ScanOK returns a scan outcome with the given results.
func ScanOK(results ...ScanResult) ScanOutcome {
	return ScanOutcome{Results: results}
}

// ScanEmpty returns a scan outcome with zero results.
func ScanEmpty() ScanOutcome {
	return ScanOutcome{}
}

// AssocOK returns a successful association outcome.
func AssocOK() AssocOutcome {
	return AssocOutcome{}
}

// AssocReject returns an authentication-rejection outcome.
func AssocReject() AssocOutcome {
	return AssocOutcome{Err: errors.ErrAssocRejected}
}

// AssocTimeout returns an outcome that parks until the stage deadline.
func AssocTimeout() AssocOutcome {
	return AssocOutcome{Block: true}
}

// LeaseOK returns a granted lease for the given address.
func LeaseOK(addr string) LeaseOutcome {
	a, err := parseAddr(addr)
	if err != nil {
		return LeaseOutcome{Err: err}
	}
	return LeaseOutcome{Lease: Lease{Addr: a, CIDRBits: 24, Duration: time.Hour}}
}

// LeaseTimeout returns an outcome that parks until the stage deadline,
// simulating a DHCP server that never answers.
func LeaseTimeout() LeaseOutcome {
	return LeaseOutcome{Block: true}
}

func parseAddr(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "parse lease addr")
	}
	return a, nil
}
