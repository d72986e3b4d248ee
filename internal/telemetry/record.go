package telemetry

import (
	"encoding/json"
)

// Frame tags. One NET_STATUS per state transition; one NET_EVENT per
// discrete sub-event. Consumers parse the JSON payload after the tag.
const (
	StatusTag = "NET_STATUS"
	EventTag  = "NET_EVENT"
)

// EscalationCounters mirrors the per-cycle attempt counters into status
// records so consumers can diagnose which tier a recovery is sitting at.
type EscalationCounters struct {
	RetrySame       int `json:"retry_same"`
	RotateCandidate int `json:"rotate_candidate"`
	RotateAuth      int `json:"rotate_auth"`
	FullScanReset   int `json:"full_scan_reset"`
	DriverRestart   int `json:"driver_restart"`
}

// StatusRecord is emitted on every state transition.
type StatusRecord struct {
	State     string `json:"state"`
	Candidate string `json:"candidate,omitempty"`
	Link      bool   `json:"link"`
	IPv4      string `json:"ipv4,omitempty"`
	Listener  bool   `json:"listener"`

	// Failure fields are set when entering Recovering or Faulted.
	FailureClass string `json:"failure_class,omitempty"`
	FailureCode  uint8  `json:"failure_code,omitempty"`
	LadderStep   string `json:"ladder_step,omitempty"`

	Attempt  uint64             `json:"attempt"`
	Retries  EscalationCounters `json:"retries"`
	UptimeMs int64              `json:"uptime_ms"`
}

// Event kinds.
const (
	EventScanDone      = "scan_done"
	EventDisconnect    = "disconnect"
	EventLeaseTimeout  = "lease_timeout"
	EventDriverRestart = "driver_restart"
	EventListener      = "listener"
)

// EventRecord is emitted for discrete sub-events, separate from status
// records so causal ordering survives for replay-based debugging.
type EventRecord struct {
	Kind string `json:"event"`

	// scan_done
	Phase string `json:"phase,omitempty"` // active | passive
	Found int    `json:"found,omitempty"`

	// disconnect
	Reason string `json:"reason,omitempty"`

	// lease_timeout
	Pinned bool `json:"pinned,omitempty"`

	// listener
	Action string `json:"action,omitempty"` // started | stopped

	Candidate  string `json:"candidate,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	AtMs       int64  `json:"at_ms"`
}

// EncodeStatus renders one NET_STATUS line (no trailing newline).
func EncodeStatus(rec StatusRecord) ([]byte, error) {
	return encodeFrame(StatusTag, rec)
}

// EncodeEvent renders one NET_EVENT line (no trailing newline).
func EncodeEvent(rec EventRecord) ([]byte, error) {
	return encodeFrame(EventTag, rec)
}

func encodeFrame(tag string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(tag)+1+len(body))
	line = append(line, tag...)
	line = append(line, ' ')
	line = append(line, body...)
	return line, nil
}

// DecodeStatus parses a NET_STATUS line produced by EncodeStatus.
// Used by the console client and by replay tooling.
func DecodeStatus(line []byte) (StatusRecord, bool) {
	payload, ok := framePayload(line, StatusTag)
	if !ok {
		return StatusRecord{}, false
	}
	var rec StatusRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return StatusRecord{}, false
	}
	return rec, true
}

// DecodeEvent parses a NET_EVENT line produced by EncodeEvent.
func DecodeEvent(line []byte) (EventRecord, bool) {
	payload, ok := framePayload(line, EventTag)
	if !ok {
		return EventRecord{}, false
	}
	var rec EventRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return EventRecord{}, false
	}
	return rec, true
}

func framePayload(line []byte, tag string) ([]byte, bool) {
	if len(line) <= len(tag)+1 {
		return nil, false
	}
	if string(line[:len(tag)]) != tag || line[len(tag)] != ' ' {
		return nil, false
	}
	return line[len(tag)+1:], true
}
