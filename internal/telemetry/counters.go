// Package telemetry publishes structured status and event records plus
// monotonic counters for the relink controller.
//
// The frame stream is the only sanctioned way external tooling discovers
// controller state; free-text log scraping is explicitly disallowed. Records
// are emitted synchronously from the controller goroutine, so consumers see
// them in causal order and a replay of a fixed failure sequence reproduces
// the same ordered stream.
package telemetry

import "sync/atomic"

// Counters are process-lifetime monotonic totals. They are written from the
// controller and read from the metrics command path; each is an independent
// atomic with no compound invariants, so plain atomic increments are the
// only synchronization needed. They reset only at process restart.
type Counters struct {
	ConnectAttempts  atomic.Uint64
	ConnectSuccesses atomic.Uint64
	ConnectFailures  atomic.Uint64
	NoCandidate      atomic.Uint64

	ScanRuns  atomic.Uint64
	ScanEmpty atomic.Uint64
	ScanHits  atomic.Uint64

	Disconnects      atomic.Uint64
	LeaseTimeouts    atomic.Uint64
	ListenerFailures atomic.Uint64
	Escalations      atomic.Uint64
	DriverRestarts   atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of the counters.
type CounterSnapshot struct {
	ConnectAttempts  uint64 `json:"connect_attempts"`
	ConnectSuccesses uint64 `json:"connect_successes"`
	ConnectFailures  uint64 `json:"connect_failures"`
	NoCandidate      uint64 `json:"no_candidate"`

	ScanRuns  uint64 `json:"scan_runs"`
	ScanEmpty uint64 `json:"scan_empty"`
	ScanHits  uint64 `json:"scan_hits"`

	Disconnects      uint64 `json:"disconnects"`
	LeaseTimeouts    uint64 `json:"lease_timeouts"`
	ListenerFailures uint64 `json:"listener_failures"`
	Escalations      uint64 `json:"escalations"`
	DriverRestarts   uint64 `json:"driver_restarts"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		ConnectAttempts:  c.ConnectAttempts.Load(),
		ConnectSuccesses: c.ConnectSuccesses.Load(),
		ConnectFailures:  c.ConnectFailures.Load(),
		NoCandidate:      c.NoCandidate.Load(),
		ScanRuns:         c.ScanRuns.Load(),
		ScanEmpty:        c.ScanEmpty.Load(),
		ScanHits:         c.ScanHits.Load(),
		Disconnects:      c.Disconnects.Load(),
		LeaseTimeouts:    c.LeaseTimeouts.Load(),
		ListenerFailures: c.ListenerFailures.Load(),
		Escalations:      c.Escalations.Load(),
		DriverRestarts:   c.DriverRestarts.Load(),
	}
}
