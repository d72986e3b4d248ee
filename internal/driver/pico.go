//go:build rp2350

package driver

import (
	"context"
	"net"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/stacks"

	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/logging"
)

var piclog = logging.Component("pico")

const mtu = cyw43439.MTU

// PicoRadio drives the cyw43439 device on a Raspberry Pi Pico 2 W with the
// seqs userspace port stack.
//
// Device limitations surface here rather than in the state machine:
//   - JoinWPA2 joins by SSID only, so a BSSID-directed association and an
//     explicit auth-mode selection degrade to an SSID join. Candidate and
//     auth rotation still advance the escalation counters; the device just
//     cannot honor the narrower request.
//   - No scan primitive is exposed, so Scan synthesizes one candidate for
//     the target identity. Discovery-empty recovery therefore never fires
//     on this target; association failures carry the escalation instead.
//   - No disconnect notification is exposed; Events never fires.
type PicoRadio struct {
	dev      *cyw43439.Device
	stack    *stacks.PortStack
	dhcpc    *stacks.DHCPClient
	hostname string

	nicStarted bool
	events     chan Event
}

// NewPicoRadio creates the hardware radio. Call Start before any other
// primitive.
func NewPicoRadio(hostname string) *PicoRadio {
	return &PicoRadio{
		dev:      cyw43439.NewPicoWDevice(),
		hostname: hostname,
		events:   make(chan Event),
	}
}

// Start implements Radio.
func (r *PicoRadio) Start(ctx context.Context) error {
	cfg := cyw43439.DefaultWifiConfig()
	cfg.Logger = piclog
	began := time.Now()
	if err := r.dev.Init(cfg); err != nil {
		return errors.Wrap(errors.ErrDriverFault, "cyw43439 init: "+err.Error())
	}
	piclog.Info("device initialized", "duration", time.Since(began))
	return nil
}

// Stop implements Radio.
func (r *PicoRadio) Stop(ctx context.Context) error {
	// The cyw43439 driver has no power-down primitive; dropping the
	// association is the closest available teardown.
	return r.Disassociate(ctx)
}

// Restart implements Radio. Re-running Init resets firmware state on the
// device, which is the tier-5 recovery for a wedged radio.
func (r *PicoRadio) Restart(ctx context.Context) error {
	r.stack = nil
	r.dhcpc = nil
	r.nicStarted = false
	return r.Start(ctx)
}

// Scan implements Radio. See the type comment for why this synthesizes.
func (r *PicoRadio) Scan(ctx context.Context, req ScanRequest) ([]ScanResult, error) {
	if req.SSID == "" {
		return nil, nil
	}
	return []ScanResult{{
		BSSID: "cyw43439/" + req.SSID,
		SSID:  req.SSID,
		Auth:  AuthWPA2,
	}}, nil
}

// Associate implements Radio.
func (r *PicoRadio) Associate(ctx context.Context, req AssociateRequest) error {
	if err := r.dev.JoinWPA2(req.SSID, req.Passphrase); err != nil {
		return errors.Wrap(errors.ErrAssocRejected, err.Error())
	}
	mac, _ := r.dev.HardwareAddr6()
	piclog.Info("joined network", "ssid", req.SSID, "mac", net.HardwareAddr(mac[:]).String())
	return nil
}

// Disassociate implements Radio.
func (r *PicoRadio) Disassociate(ctx context.Context) error {
	// Join state is dropped implicitly on the next Init/Join cycle.
	return nil
}

// Lease implements Radio.
func (r *PicoRadio) Lease(ctx context.Context, req LeaseRequest) (Lease, error) {
	if err := r.ensureStack(); err != nil {
		return Lease{}, err
	}

	if r.dhcpc == nil {
		r.dhcpc = stacks.NewDHCPClient(r.stack, dhcp.DefaultClientPort)
	}
	err := r.dhcpc.BeginRequest(stacks.DHCPRequestConfig{
		RequestedAddr: req.Requested,
		Xid:           uint32(time.Now().Nanosecond()),
		Hostname:      r.hostname,
	})
	if err != nil {
		return Lease{}, errors.Wrap(errors.ErrNoLease, "dhcp begin: "+err.Error())
	}

	for r.dhcpc.State() != dhcp.StateBound {
		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-time.After(time.Second / 2):
		}
	}

	ip := r.dhcpc.Offer()
	r.stack.SetAddr(ip) // stack address must follow the bound lease
	piclog.Info("lease bound",
		"ip", ip.String(),
		"gateway", r.dhcpc.Gateway().String(),
		"lease", r.dhcpc.IPLeaseTime(),
	)
	return Lease{
		Addr:     ip,
		Gateway:  r.dhcpc.Gateway(),
		CIDRBits: r.dhcpc.CIDRBits(),
		Duration: r.dhcpc.IPLeaseTime(),
	}, nil
}

// Listen implements Radio.
func (r *PicoRadio) Listen(ctx context.Context, port uint16) (net.Listener, error) {
	if err := r.ensureStack(); err != nil {
		return nil, err
	}
	listener, err := stacks.NewTCPListener(r.stack, stacks.TCPListenerConfig{
		MaxConnections: 3,
		ConnTxBufSize:  512,
		ConnRxBufSize:  512,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrListenerBind, err.Error())
	}
	if err := listener.StartListening(port); err != nil {
		return nil, errors.Wrap(errors.ErrListenerBind, err.Error())
	}
	return listener, nil
}

// Events implements Radio. The device exposes no disconnect notification;
// the supervisor relies on lease expiry and stage failures instead.
func (r *PicoRadio) Events() <-chan Event {
	return r.events
}

// ensureStack builds the port stack and starts the NIC pump after the MAC
// is known (post-join).
func (r *PicoRadio) ensureStack() error {
	if r.stack != nil {
		return nil
	}
	mac, err := r.dev.HardwareAddr6()
	if err != nil {
		return errors.Wrap(errors.ErrDriverFault, "read mac: "+err.Error())
	}
	r.stack = stacks.NewPortStack(stacks.PortStackConfig{
		MAC:             mac,
		MaxOpenPortsUDP: 2, // DHCP plus one spare
		MaxOpenPortsTCP: 2, // upload listener plus one spare
		MTU:             mtu,
		Logger:          piclog,
	})
	r.dev.RecvEthHandle(r.stack.RecvEth)
	if !r.nicStarted {
		r.nicStarted = true
		go r.nicLoop()
	}
	return nil
}

// nicLoop pumps frames between the device and the port stack.
func (r *PicoRadio) nicLoop() {
	const (
		queueSize                = 3
		maxRetriesBeforeDropping = 3
	)
	var queue [queueSize][mtu]byte
	var lenBuf [queueSize]int
	var retries [queueSize]int
	markSent := func(i int) {
		lenBuf[i] = 0
		retries[i] = 0
	}
	for {
		stallRx := true
		gotPacket, err := r.dev.PollOne()
		if err != nil {
			piclog.Error("poll", "err", err.Error())
		}
		if gotPacket {
			stallRx = false
		}

		for i := range queue {
			if retries[i] != 0 {
				continue // queued for retransmission
			}
			buf := queue[i][:]
			lenBuf[i], err = r.stack.HandleEth(buf[:])
			if err != nil {
				lenBuf[i] = 0
				continue
			}
			if lenBuf[i] == 0 {
				break
			}
		}
		stallTx := lenBuf == [queueSize]int{}
		if stallTx {
			if stallRx {
				// Avoid busy waiting when both Rx and Tx stall.
				time.Sleep(51 * time.Millisecond)
			}
			continue
		}

		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			if err := r.dev.SendEth(queue[i][:n]); err != nil {
				retries[i]++
				if retries[i] > maxRetriesBeforeDropping {
					markSent(i)
					piclog.Error("dropped outgoing packet", "err", err.Error())
				}
			} else {
				markSent(i)
			}
		}
	}
}
