// Package driver defines the black-box radio interface the controller
// drives, plus the available implementations.
//
// The controller treats the radio as an opaque device with start/stop/scan/
// associate/lease primitives. Every blocking primitive takes a context; the
// caller bounds it with the applicable stage timeout, and cancellation is
// how an operator stop interrupts an in-flight stage.
//
// Implementations:
//   - Simulator (sim.go): scripted outcomes for tests and relinkd -sim.
//   - Pico 2 W (pico.go, build tag rp2350): cyw43439 device with the seqs
//     port stack.
package driver

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// =============================================================================
// Auth Modes
// =============================================================================

// AuthMode is a link-layer authentication mode.
type AuthMode uint8

const (
	AuthWPA2 AuthMode = iota
	AuthWPAWPA2Mixed
	AuthWPA2WPA3
	AuthWPA
	AuthOpen
)

// RotationOrder is the ladder walked by escalation tier 3. Ambiguous
// security-mode negotiation on consumer access points is covered by trying
// the mixed modes after plain WPA2.
var RotationOrder = [...]AuthMode{AuthWPA2, AuthWPAWPA2Mixed, AuthWPA2WPA3, AuthWPA}

// String returns the wire label for the auth mode.
func (m AuthMode) String() string {
	switch m {
	case AuthWPA2:
		return "wpa2"
	case AuthWPAWPA2Mixed:
		return "wpa_wpa2"
	case AuthWPA2WPA3:
		return "wpa2_wpa3"
	case AuthWPA:
		return "wpa"
	case AuthOpen:
		return "open"
	default:
		return "unknown"
	}
}

// =============================================================================
// Requests and Results
// =============================================================================

// ScanKind selects active probing or passive beacon listening.
type ScanKind uint8

const (
	ScanActive ScanKind = iota
	ScanPassive
)

// ScanRequest describes one scan pass.
type ScanRequest struct {
	// SSID filters results to the target identity. Empty scans all.
	SSID string

	Kind ScanKind

	// Active scans dwell between MinDwell and MaxDwell per pass; the
	// device may return early after MinDwell once a strong match for SSID
	// is seen. Passive scans dwell exactly MaxDwell.
	MinDwell time.Duration
	MaxDwell time.Duration
}

// ScanResult is one discovered access point.
type ScanResult struct {
	// BSSID identifies the physical access point, distinct from the
	// shared SSID.
	BSSID   string
	SSID    string
	Channel uint8
	RSSI    int8 // dBm, higher is stronger
	Auth    AuthMode
}

// AssociateRequest drives link-layer association and authentication
// against one candidate.
type AssociateRequest struct {
	BSSID      string
	SSID       string
	Passphrase string
	Auth       AuthMode
	Channel    uint8
}

// LeaseRequest asks for an address lease after association.
type LeaseRequest struct {
	Hostname string

	// Requested, when valid, reuses a previously granted binding
	// (pinned retry).
	Requested netip.Addr
}

// Lease is a granted address binding.
type Lease struct {
	Addr     netip.Addr
	Gateway  netip.Addr
	CIDRBits uint8
	Duration time.Duration
}

// Valid reports whether the lease carries a usable address.
func (l Lease) Valid() bool {
	return l.Addr.IsValid() && !l.Addr.IsUnspecified()
}

// =============================================================================
// Disconnect Reasons
// =============================================================================

// DisconnectReason is the device-reported reason for a lost link.
type DisconnectReason uint8

const (
	ReasonUnknown           DisconnectReason = 0
	ReasonBeaconTimeout     DisconnectReason = 200
	ReasonNoAPFound         DisconnectReason = 201
	ReasonAuthFail          DisconnectReason = 202
	ReasonAssocFail         DisconnectReason = 203
	ReasonHandshakeTimeout  DisconnectReason = 204
	ReasonConnectionFail    DisconnectReason = 205
	ReasonNoAPSecurityMatch DisconnectReason = 210
)

// String returns the wire label for the reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonBeaconTimeout:
		return "beacon_timeout"
	case ReasonNoAPFound:
		return "no_ap_found"
	case ReasonAuthFail:
		return "auth_fail"
	case ReasonAssocFail:
		return "assoc_fail"
	case ReasonHandshakeTimeout:
		return "handshake_timeout"
	case ReasonConnectionFail:
		return "connection_fail"
	case ReasonNoAPSecurityMatch:
		return "no_ap_found_compatible_security"
	default:
		return "other"
	}
}

// Event is an asynchronous device notification. The only event the
// controller acts on today is a disconnect while the link is up.
type Event struct {
	Disconnect bool
	Reason     DisconnectReason
}

// =============================================================================
// Radio Interface
// =============================================================================

// Radio is the black-box device the connection state machine drives.
//
// Implementations are not required to be safe for concurrent use: the state
// machine is the single caller, and that single-ownership is what removes
// the need for locks around attempt state.
type Radio interface {
	// Start powers the device and brings up station mode.
	Start(ctx context.Context) error

	// Stop powers the device down, dropping any association.
	Stop(ctx context.Context) error

	// Restart is the tier-5 recovery: a full driver teardown and
	// re-initialization, discarding all internal device state.
	Restart(ctx context.Context) error

	// Scan performs one scan pass and returns raw, unranked results.
	Scan(ctx context.Context, req ScanRequest) ([]ScanResult, error)

	// Associate drives association plus authentication against one
	// candidate. A rejection is reported as errors.ErrAssocRejected in the
	// error chain; a context deadline means the attempt timed out.
	Associate(ctx context.Context, req AssociateRequest) error

	// Disassociate drops the current association, if any.
	Disassociate(ctx context.Context) error

	// Lease negotiates an address lease on the associated link. A context
	// deadline with no address is the lease-timeout failure.
	Lease(ctx context.Context, req LeaseRequest) (Lease, error)

	// Listen binds a TCP listener on the leased address. The listener
	// shares the radio's buffer memory, which is why the supervisor can
	// suspend it during discovery probing.
	Listen(ctx context.Context, port uint16) (net.Listener, error)

	// Events delivers asynchronous device notifications. The channel is
	// closed when the device stops permanently.
	Events() <-chan Event
}
