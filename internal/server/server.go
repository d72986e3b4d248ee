// Package server exposes the controller's text command channel.
//
// The server accepts TCP connections, reads newline-delimited commands,
// and answers each with `NET OK op=<op>` or `NET ERR reason=<reason>`.
// Every connected session also receives the NET_STATUS/NET_EVENT frame
// stream, interleaved with its command responses in emission order.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/relink/config"
	"github.com/xtxerr/relink/internal/conn"
	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/logging"
	"github.com/xtxerr/relink/internal/policy"
	"github.com/xtxerr/relink/internal/store"
	"github.com/xtxerr/relink/internal/telemetry"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Machine is the connection controller (required).
	Machine *conn.Machine

	// Emitter is the frame source (required).
	Emitter *telemetry.Emitter

	// Store persists accepted policies. Optional; nil skips persistence.
	Store *store.Store

	// Listen is the address to listen on (e.g. "127.0.0.1:9417").
	Listen string

	// MaxCommandLine limits one command line in bytes.
	MaxCommandLine int

	// Session settings.
	SendBufferSize int
	SendTimeout    time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the command channel listener.
type Server struct {
	cfg      Config
	machine  *conn.Machine
	emit     *telemetry.Emitter
	store    *store.Store
	sessions *registry

	mu       sync.Mutex
	listener net.Listener

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a new server and attaches it to the emitter's frame stream.
func New(cfg Config) *Server {
	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.MaxCommandLine <= 0 {
		cfg.MaxCommandLine = config.DefaultMaxCommandLine
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = config.DefaultSessionSendBufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = config.DefaultSessionSendTimeout
	}

	s := &Server{
		cfg:      cfg,
		machine:  cfg.Machine,
		emit:     cfg.Emitter,
		store:    cfg.Store,
		sessions: newRegistry(),
		shutdown: make(chan struct{}),
	}
	s.emit.Attach(telemetry.SinkFunc(s.sessions.broadcast))
	return s
}

// Addr returns the bound listen address, once Run has opened it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// Run listens and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info("command channel listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		ln.Close()
		s.sessions.closeAll()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			case <-s.shutdown:
				s.wg.Wait()
				return nil
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// Shutdown stops the server. Run returns after in-flight sessions close.
func (s *Server) Shutdown() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(c net.Conn) {
	remote := c.RemoteAddr().String()
	sess := newSession(c, s.cfg.SendBufferSize, s.cfg.SendTimeout)
	s.sessions.add(sess)
	log.Info("session connected", "session_id", sess.ID, "remote", remote)

	defer func() {
		sess.Close()
		s.sessions.remove(sess.ID)
		log.Info("session disconnected",
			"session_id", sess.ID,
			"remote", remote,
			"dropped_frames", sess.Dropped())
	}()

	// Writer goroutine: sole owner of the connection's write side.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case line := <-sess.out:
				// Frames are shared across sessions; never append in place.
				buf := make([]byte, 0, len(line)+1)
				buf = append(buf, line...)
				buf = append(buf, '\n')
				if _, err := c.Write(buf); err != nil {
					sess.Close()
					return
				}
			case <-sess.done:
				return
			}
		}
	}()

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxCommandLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, resp := range s.dispatch(line) {
			sess.Send([]byte(resp))
		}
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			sess.Send([]byte(errResponse("line_too_long")))
		}
		log.Debug("session read error", "session_id", sess.ID, "error", err)
	}

	sess.Close()
	<-writerDone
}

// =============================================================================
// Command Dispatch
// =============================================================================

func okResponse(op string) string {
	return "NET OK op=" + op
}

func errResponse(reason string) string {
	return "NET ERR reason=" + reason
}

// dispatch parses one command line and returns the response lines.
func (s *Server) dispatch(line string) []string {
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToUpper(verb) {
	case "NETCFG":
		return s.dispatchNetcfg(rest)
	case "NET":
		return s.dispatchNet(rest)
	default:
		return []string{errResponse("unknown_command")}
	}
}

func (s *Server) dispatchNetcfg(rest string) []string {
	sub, payload, _ := strings.Cut(rest, " ")
	switch strings.ToUpper(sub) {
	case "SET":
		return s.cmdPolicySet(strings.TrimSpace(payload))
	case "GET":
		return s.cmdPolicyGet()
	default:
		return []string{errResponse("unknown_command")}
	}
}

func (s *Server) dispatchNet(rest string) []string {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(sub) {
	case "START":
		return s.lifecycle("start", s.machine.Start)
	case "STOP":
		return s.lifecycle("stop", s.machine.Stop)
	case "RECOVER":
		return s.lifecycle("recover", s.machine.Recover)
	case "STATUS":
		return s.cmdStatus()
	case "LISTENER":
		return s.cmdListener(arg)
	case "METRICS":
		return s.cmdMetrics()
	case "STATS":
		return s.cmdStats()
	default:
		return []string{errResponse("unknown_command")}
	}
}

func (s *Server) lifecycle(op string, fn func() error) []string {
	if err := fn(); err != nil {
		return []string{errResponse(reasonFor(err))}
	}
	return []string{okResponse(op)}
}

// reasonFor maps controller errors to single-token reasons.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, errors.ErrBusy):
		return "busy"
	case errors.Is(err, errors.ErrCredentialsUnset):
		return "credentials_unset"
	case errors.Is(err, errors.ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, errors.ErrNotFaulted):
		return "not_faulted"
	case errors.Is(err, errors.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, errors.ErrInvalidPolicy), errors.Is(err, errors.ErrInvalidConfig):
		return "invalid_policy"
	default:
		return "internal"
	}
}

// =============================================================================
// NETCFG
// =============================================================================

func (s *Server) cmdPolicySet(payload string) []string {
	if payload == "" {
		return []string{errResponse("invalid_policy")}
	}

	p, err := policy.ParseSet([]byte(payload), s.machine.ActivePolicy())
	if err != nil {
		log.Warn("policy rejected", "error", err)
		return []string{errResponse("invalid_policy")}
	}
	if err := s.machine.SetPolicy(p); err != nil {
		return []string{errResponse(reasonFor(err))}
	}

	// Persist after acceptance so a restart reapplies the last known-good
	// configuration. A storage failure does not undo the accepted policy.
	if s.store != nil {
		if err := s.store.SavePolicy(context.Background(), p); err != nil {
			log.Error("policy persist failed", "error", err)
		}
	}

	log.Info("policy replaced", "ssid_set", p.HasCredentials())
	return []string{okResponse("netcfg_set")}
}

func (s *Server) cmdPolicyGet() []string {
	snap, err := policy.FormatSnapshot(s.machine.ActivePolicy())
	if err != nil {
		return []string{errResponse("internal")}
	}
	return []string{okResponse("netcfg_get") + " " + string(snap)}
}

// =============================================================================
// NET STATUS / LISTENER / METRICS / STATS
// =============================================================================

// cmdStatus returns an on-demand status record, same shape as the
// asynchronous stream.
func (s *Server) cmdStatus() []string {
	snap := s.machine.Status()
	line, err := telemetry.EncodeStatus(telemetry.StatusRecord{
		State:        snap.State.String(),
		Candidate:    snap.Candidate,
		Link:         snap.Link,
		IPv4:         snap.IPv4,
		Listener:     snap.Listener,
		FailureClass: snap.Failure.String(),
		FailureCode:  snap.Failure.Code(),
		LadderStep:   snap.LadderStep,
		Attempt:      snap.Attempt,
		Retries:      snap.Retries,
		UptimeMs:     s.emit.UptimeMs(),
	})
	if err != nil {
		return []string{errResponse("internal")}
	}
	return []string{okResponse("status"), string(line)}
}

func (s *Server) cmdListener(arg string) []string {
	var on bool
	switch strings.ToUpper(arg) {
	case "ON":
		on = true
	case "OFF":
		on = false
	default:
		return []string{errResponse("unknown_command")}
	}
	if err := s.machine.SetListener(on); err != nil {
		return []string{errResponse(reasonFor(err))}
	}
	return []string{okResponse("listener")}
}

// cmdMetrics returns the three-line counter snapshot.
func (s *Server) cmdMetrics() []string {
	c := s.emit.Counters().Snapshot()
	snap := s.machine.Status()

	return []string{
		okResponse("metrics"),
		fmt.Sprintf("attempts=%d successes=%d failures=%d no_candidate=%d escalations=%d",
			c.ConnectAttempts, c.ConnectSuccesses, c.ConnectFailures, c.NoCandidate, c.Escalations),
		fmt.Sprintf("scan_runs=%d scan_empty=%d scan_hits=%d disconnects=%d lease_timeouts=%d listener_failures=%d driver_restarts=%d",
			c.ScanRuns, c.ScanEmpty, c.ScanHits, c.Disconnects, c.LeaseTimeouts, c.ListenerFailures, c.DriverRestarts),
		fmt.Sprintf("state=%s link=%t listener=%t addr=%s uptime_ms=%d",
			snap.State, snap.Link, snap.Listener, snap.IPv4, s.emit.UptimeMs()),
	}
}

// cmdStats returns per-stage latency summaries, one JSON line per stage.
func (s *Server) cmdStats() []string {
	out := []string{okResponse("stats")}
	for _, sum := range s.emit.Latency().Summaries() {
		body, err := json.Marshal(sum)
		if err != nil {
			return []string{errResponse("internal")}
		}
		out = append(out, string(body))
	}
	return out
}
