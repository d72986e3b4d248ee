// Package conn implements the connection state machine and its tiered
// escalation policy.
//
// The machine runs as one goroutine that is the sole owner of the attempt
// state and the active candidate, so no locks guard them. Every blocking
// stage call takes a context bounded by that stage's timeout and derived
// from the cycle context; an operator stop cancels the cycle context, which
// is how cancellation is honored at the next suspension point. Externally
// visible state is an immutable snapshot published per transition, never
// the live struct.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/relink/config"
	"github.com/xtxerr/relink/internal/discovery"
	"github.com/xtxerr/relink/internal/driver"
	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/listener"
	"github.com/xtxerr/relink/internal/logging"
	"github.com/xtxerr/relink/internal/policy"
	"github.com/xtxerr/relink/internal/telemetry"
)

var log = logging.Component("conn")

// Snapshot is the externally visible controller state.
type Snapshot struct {
	State     State
	Candidate string
	Link      bool
	IPv4      string
	Listener  bool

	Failure    FailureClass
	LadderStep string

	Attempt uint64
	Retries telemetry.EscalationCounters
}

// Options configures a Machine.
type Options struct {
	Radio      driver.Radio
	Emitter    *telemetry.Emitter
	Supervisor *listener.Supervisor

	// UploadPort is the port the upload listener binds on the leased
	// address.
	UploadPort uint16

	// UploadEnabled is the administrative feature gate; NET LISTENER
	// ON/OFF overrides it at runtime.
	UploadEnabled bool

	// Hostname is sent with lease requests.
	Hostname string

	// InitialPolicy seeds the active policy, normally the last accepted
	// one from the metastore. Zero value falls back to policy.Default.
	InitialPolicy policy.Policy
}

type cmdKind uint8

const (
	cmdStart cmdKind = iota
	cmdNudge
)

type command struct {
	kind cmdKind
}

type outcome uint8

const (
	outcomeStopped outcome = iota
	outcomeFaulted
	outcomeAgain // disconnect from Ready, start a fresh cycle
	outcomeCanceled
)

type stage uint8

const (
	stageDiscover stage = iota
	stageAssociate
	stageLease
	stageListener
	stageReady
	stageRecover
)

// Machine is the connection state machine.
type Machine struct {
	radio    driver.Radio
	disc     *discovery.Discoverer
	sup      *listener.Supervisor
	emit     *telemetry.Emitter
	counters *telemetry.Counters

	uploadPort uint16
	hostname   string

	cmds           chan command
	listenerWanted atomic.Bool

	mu          sync.Mutex
	activePol   policy.Policy
	cycleCancel context.CancelFunc
	stopReq     bool

	snap       atomic.Pointer[Snapshot]
	attemptSeq atomic.Uint64

	// Machine-goroutine state, never touched elsewhere.
	radioUp bool
	link    bool
	lease   driver.Lease
}

// NewMachine creates a machine in Idle.
func NewMachine(opts Options) *Machine {
	pol := opts.InitialPolicy
	if pol.ConnectTimeout == 0 {
		pol = policy.Default()
	}
	port := opts.UploadPort
	if port == 0 {
		port = config.DefaultUploadPort
	}
	hostname := opts.Hostname
	if hostname == "" {
		hostname = "relink"
	}

	m := &Machine{
		radio:      opts.Radio,
		disc:       discovery.New(opts.Radio, opts.Emitter.Counters()),
		sup:        opts.Supervisor,
		emit:       opts.Emitter,
		counters:   opts.Emitter.Counters(),
		uploadPort: port,
		hostname:   hostname,
		cmds:       make(chan command, 16),
		activePol:  pol,
	}
	m.listenerWanted.Store(opts.UploadEnabled)
	m.snap.Store(&Snapshot{State: StateIdle})
	return m
}

// =============================================================================
// External control surface
// =============================================================================
//
// Called from server goroutines. Lifecycle gating uses the published
// snapshot; the start/recover commands themselves are processed by the
// machine goroutine, which is the only state writer.

// Start begins connection cycles. Accepted from Idle and Stopped.
func (m *Machine) Start() error {
	switch m.Status().State {
	case StateIdle, StateStopped:
	case StateFaulted:
		return errors.Wrap(errors.ErrInvalidState, "faulted, recover required")
	default:
		return errors.ErrAlreadyRunning
	}
	if !m.ActivePolicy().HasCredentials() {
		return errors.ErrCredentialsUnset
	}
	m.mu.Lock()
	m.stopReq = false
	m.mu.Unlock()
	m.send(command{kind: cmdStart})
	return nil
}

// Stop requests a halt. The in-flight stage (if any) is canceled and its
// outcome discarded; the link and listener are torn down before the
// machine reports Stopped. Accepted from any state except Idle/Faulted.
func (m *Machine) Stop() error {
	switch m.Status().State {
	case StateIdle, StateFaulted:
		return errors.ErrInvalidState
	}
	m.mu.Lock()
	m.stopReq = true
	if m.cycleCancel != nil {
		m.cycleCancel()
	}
	m.mu.Unlock()
	m.send(command{kind: cmdNudge})
	return nil
}

// Recover leaves Faulted and re-enters discovery with fresh attempt state.
func (m *Machine) Recover() error {
	if m.Status().State != StateFaulted {
		return errors.ErrNotFaulted
	}
	m.mu.Lock()
	m.stopReq = false
	m.mu.Unlock()
	m.send(command{kind: cmdStart})
	return nil
}

// SetPolicy replaces the active policy. Only accepted while no connection
// cycle is in flight; a running cycle keeps the policy copy it captured at
// start regardless.
func (m *Machine) SetPolicy(p policy.Policy) error {
	switch m.Status().State {
	case StateIdle, StateStopped, StateFaulted:
	default:
		return errors.ErrBusy
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.activePol = p
	m.mu.Unlock()
	return nil
}

// ActivePolicy returns the currently applied policy.
func (m *Machine) ActivePolicy() policy.Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePol
}

// SetListener flips the upload listener request. While Ready the listener
// is started or stopped in place with no state transition; in any other
// state only the desired flag changes and Ready reconciles it later.
func (m *Machine) SetListener(on bool) error {
	m.listenerWanted.Store(on)
	m.send(command{kind: cmdNudge})
	return nil
}

// Status returns the last published snapshot with the live listener flag
// overlaid, so NET LISTENER toggles are visible without a state
// transition.
func (m *Machine) Status() Snapshot {
	s := *m.snap.Load()
	s.Listener = m.sup.Running()
	return s
}

func (m *Machine) send(c command) {
	select {
	case m.cmds <- c:
	default:
		// Channel full means the machine has unprocessed nudges queued
		// already; dropping a duplicate is harmless.
	}
}

func (m *Machine) stopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopReq
}

// =============================================================================
// Run loop
// =============================================================================

// Run executes the machine until ctx is canceled. It owns all mutable
// attempt state; everything else observes snapshots.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case c := <-m.cmds:
			if c.kind != cmdStart {
				continue
			}
			m.runCycles(ctx)
		}
	}
}

// runCycles drives connection cycles until stop, fault, or cancellation.
// A disconnect from Ready loops into a fresh cycle with fresh attempt
// state.
func (m *Machine) runCycles(ctx context.Context) {
	if !m.radioUp {
		if err := m.radio.Start(ctx); err != nil {
			log.Error("radio start failed", "err", err)
			m.publish(StateFaulted, nil, m.attemptSeq.Load(), FailureDriverFault, StepTerminalFail.String())
			return
		}
		m.radioUp = true
	}

	for {
		switch m.runCycle(ctx) {
		case outcomeAgain:
			continue
		case outcomeStopped:
			m.teardownLink()
			m.publish(StateStopped, nil, m.attemptSeq.Load(), FailureNone, "")
			return
		case outcomeFaulted:
			return
		case outcomeCanceled:
			return
		}
	}
}

// runCycle is one full connection cycle: discovery through Ready, with
// recovery loops in between. The policy is copied once at cycle start.
func (m *Machine) runCycle(ctx context.Context) outcome {
	cycleCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cycleCancel = cancel
	p := m.activePol
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		m.cycleCancel = nil
		m.mu.Unlock()
	}()

	attempt := &Attempt{}
	seq := m.attemptSeq.Add(1)
	st := stageDiscover
	var class FailureClass

	for {
		if m.stopRequested() {
			return outcomeStopped
		}
		if ctx.Err() != nil {
			return outcomeCanceled
		}

		switch st {
		case stageDiscover:
			m.counters.ConnectAttempts.Add(1)
			m.publish(StateDiscovering, attempt, seq, FailureNone, "")

			start := time.Now()
			res, err := m.disc.Discover(cycleCtx, p)
			m.emit.Latency().Observe(telemetry.StageScan, time.Since(start))
			if cycleCtx.Err() != nil {
				continue
			}
			if err != nil {
				log.Warn("discovery failed", "err", err)
				class = FailureDriverFault
				st = stageRecover
				continue
			}
			m.emit.Event(telemetry.EventRecord{
				Kind:       telemetry.EventScanDone,
				Phase:      res.Phase,
				Found:      len(res.Candidates),
				DurationMs: res.Duration.Milliseconds(),
			})
			if len(res.Candidates) == 0 {
				m.counters.NoCandidate.Add(1)
				class = FailureNoCandidate
				st = stageRecover
				continue
			}
			attempt.Candidates = res.Candidates
			attempt.CandidateIdx = 0
			st = stageAssociate

		case stageAssociate:
			cand, ok := attempt.Candidate()
			if !ok {
				// Ranking state was discarded; re-discover.
				st = stageDiscover
				continue
			}
			m.publish(StateAssociating, attempt, seq, FailureNone, "")

			actx, acancel := context.WithTimeout(cycleCtx, p.ConnectTimeout)
			start := time.Now()
			err := m.radio.Associate(actx, driver.AssociateRequest{
				BSSID:      cand.BSSID,
				SSID:       cand.SSID,
				Passphrase: p.Passphrase,
				Auth:       attempt.Auth(cand),
				Channel:    cand.Channel,
			})
			acancel()
			m.emit.Latency().Observe(telemetry.StageAssociate, time.Since(start))
			if err != nil {
				if cycleCtx.Err() != nil {
					continue
				}
				m.link = false
				log.Info("association failed", "candidate", cand.BSSID, "err", err)
				class = FailureAssocRejected
				st = stageRecover
				continue
			}
			m.link = true
			st = stageLease

		case stageLease:
			cand, _ := attempt.Candidate()
			m.publish(StateAcquiringLease, attempt, seq, FailureNone, "")

			pinned := attempt.LeaseAttempted
			budget := p.LeaseBudget(pinned)
			req := driver.LeaseRequest{Hostname: m.hostname}
			if pinned && m.lease.Valid() {
				req.Requested = m.lease.Addr
			}

			lctx, lcancel := context.WithTimeout(cycleCtx, budget)
			start := time.Now()
			lease, err := m.radio.Lease(lctx, req)
			lcancel()
			m.emit.Latency().Observe(telemetry.StageLease, time.Since(start))
			attempt.LeaseAttempted = true
			if cycleCtx.Err() != nil {
				continue
			}
			if err != nil || !lease.Valid() {
				m.counters.LeaseTimeouts.Add(1)
				m.emit.Event(telemetry.EventRecord{
					Kind:       telemetry.EventLeaseTimeout,
					Pinned:     pinned,
					Candidate:  cand.BSSID,
					DurationMs: budget.Milliseconds(),
				})
				class = FailureLeaseTimeout
				st = stageRecover
				continue
			}
			m.lease = lease
			log.Info("lease acquired", "addr", lease.Addr, "candidate", cand.BSSID)
			if m.listenerWanted.Load() {
				st = stageListener
			} else {
				st = stageReady
			}

		case stageListener:
			m.publish(StateStartingListener, attempt, seq, FailureNone, "")
			if err := m.startListener(cycleCtx, p); err != nil {
				if cycleCtx.Err() != nil {
					continue
				}
				m.counters.ListenerFailures.Add(1)
				log.Warn("listener start failed", "err", err)
				// The lease stays held: the link is still usable for
				// diagnostics without the upload service.
				class = FailureListenerStart
				st = stageRecover
				continue
			}
			st = stageReady

		case stageReady:
			m.counters.ConnectSuccesses.Add(1)
			m.publish(StateReady, attempt, seq, FailureNone, "")
			return m.readyWait(ctx, cycleCtx, p)

		case stageRecover:
			m.counters.ConnectFailures.Add(1)
			attempt.NoteFailure(class)
			step := Decide(class, attempt, p)
			m.publish(StateRecovering, attempt, seq, class, step.String())

			if step == StepTerminalFail {
				m.publish(StateFaulted, attempt, seq, class, step.String())
				return outcomeFaulted
			}

			m.counters.Escalations.Add(1)
			attempt.Apply(step)

			if step == StepDriverRestart {
				m.teardownLink()
				if err := m.radio.Restart(cycleCtx); err != nil {
					if cycleCtx.Err() != nil {
						continue
					}
					log.Error("driver restart failed", "err", err)
					class = FailureDriverFault
					st = stageRecover
					continue
				}
				m.counters.DriverRestarts.Add(1)
				m.emit.Event(telemetry.EventRecord{Kind: telemetry.EventDriverRestart})
				m.pause(cycleCtx, p.DriverRestartBackoff)
				st = stageDiscover
			} else {
				m.publish(StateCooldown, attempt, seq, FailureNone, "")
				m.pause(cycleCtx, p.Cooldown)
				st = resumeStage(step, class)
			}
			class = FailureNone
		}
	}
}

// resumeStage maps a recovery step to the stage it retries. Same-candidate
// retries resume at the failed stage; rotations re-associate; resets
// re-discover.
func resumeStage(step Step, class FailureClass) stage {
	switch step {
	case StepRetrySame:
		switch class {
		case FailureLeaseTimeout:
			return stageLease
		case FailureListenerStart:
			return stageListener
		default:
			return stageAssociate
		}
	case StepRotateCandidate, StepRotateAuth:
		return stageAssociate
	default:
		return stageDiscover
	}
}

// readyWait holds the machine in Ready until a stop, a disconnect, or
// cancellation. Listener toggles are reconciled here without a state
// transition.
func (m *Machine) readyWait(ctx context.Context, cycleCtx context.Context, p policy.Policy) outcome {
	for {
		select {
		case <-cycleCtx.Done():
			if ctx.Err() != nil {
				return outcomeCanceled
			}
			return outcomeStopped
		case ev := <-m.radio.Events():
			if !ev.Disconnect {
				continue
			}
			m.counters.Disconnects.Add(1)
			m.emit.Event(telemetry.EventRecord{
				Kind:   telemetry.EventDisconnect,
				Reason: ev.Reason.String(),
			})
			m.link = false
			log.Warn("link lost", "reason", ev.Reason)
			return outcomeAgain
		case <-m.cmds:
			if m.stopRequested() {
				return outcomeStopped
			}
			m.reconcileListener(cycleCtx, p)
		}
	}
}

// reconcileListener applies a listener toggle while Ready. Toggles are
// not state transitions, so the frame stream carries them as listener
// events instead of status records.
func (m *Machine) reconcileListener(ctx context.Context, p policy.Policy) {
	want := m.listenerWanted.Load()
	switch {
	case want && !m.sup.Running():
		if err := m.startListener(ctx, p); err != nil {
			log.Warn("listener restart failed", "err", err)
			return
		}
		m.emit.Event(telemetry.EventRecord{
			Kind:   telemetry.EventListener,
			Action: "started",
		})
	case !want && m.sup.Running():
		if err := m.sup.Stop(ctx); err != nil {
			log.Warn("listener stop failed", "err", err)
			return
		}
		m.emit.Event(telemetry.EventRecord{
			Kind:   telemetry.EventListener,
			Action: "stopped",
		})
	}
}

func (m *Machine) startListener(ctx context.Context, p policy.Policy) error {
	if m.sup.Running() {
		return nil
	}
	bctx, cancel := context.WithTimeout(ctx, p.ListenerTimeout)
	defer cancel()
	ln, err := m.radio.Listen(bctx, m.uploadPort)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrListenerBind, err)
	}
	return m.sup.Start(ln)
}

// pause waits for d or for cancellation, whichever is first.
func (m *Machine) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// teardownLink stops the listener and drops the association. The radio
// stays powered for a fast restart.
func (m *Machine) teardownLink() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if m.sup.Running() {
		if err := m.sup.Stop(ctx); err != nil {
			log.Warn("listener stop failed", "err", err)
		}
	}
	if m.link {
		if err := m.radio.Disassociate(ctx); err != nil {
			log.Warn("disassociate failed", "err", err)
		}
		m.link = false
	}
	m.lease = driver.Lease{}
}

// shutdown is the full teardown on daemon exit.
func (m *Machine) shutdown() {
	m.teardownLink()
	if m.radioUp {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.radio.Stop(ctx); err != nil {
			log.Warn("radio stop failed", "err", err)
		}
		m.radioUp = false
	}
}

// publish stores a new snapshot and emits the NET_STATUS record for the
// transition. Machine goroutine only.
func (m *Machine) publish(st State, attempt *Attempt, seq uint64, class FailureClass, step string) {
	snap := Snapshot{
		State:      st,
		Link:       m.link,
		Listener:   m.sup.Running(),
		Failure:    class,
		LadderStep: step,
		Attempt:    seq,
	}
	if attempt != nil {
		if c, ok := attempt.Candidate(); ok {
			snap.Candidate = c.BSSID
		}
		snap.Retries = attempt.Counters()
	}
	if m.lease.Valid() {
		snap.IPv4 = m.lease.Addr.String()
	}
	m.snap.Store(&snap)

	m.emit.Status(telemetry.StatusRecord{
		State:        st.String(),
		Candidate:    snap.Candidate,
		Link:         snap.Link,
		IPv4:         snap.IPv4,
		Listener:     snap.Listener,
		FailureClass: class.String(),
		FailureCode:  class.Code(),
		LadderStep:   step,
		Attempt:      seq,
		Retries:      snap.Retries,
	})
}
