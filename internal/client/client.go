// Package client provides a client for the relink command channel.
//
// One TCP connection carries both command responses and the asynchronous
// NET_STATUS/NET_EVENT frame stream; a single read loop routes each line
// to the pending request or the frame callback.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	relinkSync "github.com/xtxerr/relink/internal/sync"
	"github.com/xtxerr/relink/internal/telemetry"
)

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from ClientState
	to   ClientState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed      = errors.New("client is closed")
	ErrClientClosing     = errors.New("client is closing")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrTimeout           = errors.New("request timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// CommandError is a NET ERR response.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return "server rejected command: " + e.Reason
}

// =============================================================================
// Response
// =============================================================================

// Response is one parsed command response.
type Response struct {
	// Op is the acknowledged operation, e.g. "start" or "netcfg_get".
	Op string

	// Inline is the rest of the NET OK line after the op, if any
	// (the NETCFG GET snapshot travels inline).
	Inline string

	// Body holds the trailing response lines for multi-line operations
	// (status, metrics, stats).
	Body []string
}

// bodyLines maps an op to how many lines follow its NET OK line.
func bodyLines(op string) int {
	switch op {
	case "status":
		return 1
	case "metrics", "stats":
		return 3
	default:
		return 0
	}
}

// =============================================================================
// Client
// =============================================================================

// Client connects to a relinkd command channel.
type Client struct {
	addr string

	// Connection - protected by mu
	mu   sync.Mutex
	conn net.Conn

	state atomic.Int32

	closeOnce relinkSync.ResettableOnce

	// One outstanding command at a time.
	reqMu   sync.Mutex
	pending chan result

	// Callbacks
	cbMu         sync.RWMutex
	onFrame      func(line string)
	onDisconnect func(error)

	shutdown chan struct{}

	connectTimeout time.Duration
	requestTimeout time.Duration
}

type result struct {
	resp Response
	err  error
}

// Config holds client configuration.
type Config struct {
	Addr           string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:9417",
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		addr:           cfg.Addr,
		shutdown:       make(chan struct{}),
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
	}
}

// =============================================================================
// State Transition Methods
// =============================================================================

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) transitionTo(newState ClientState) error {
	for {
		oldState := c.getState()
		transition := stateTransition{from: oldState, to: newState}

		if !validTransitions[transition] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldState, newState)
		}

		if c.state.CompareAndSwap(int32(oldState), int32(newState)) {
			return nil
		}
	}
}

func (c *Client) transitionFrom(from, to ClientState) bool {
	transition := stateTransition{from: from, to: to}
	if !validTransitions[transition] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Callbacks
// =============================================================================

// OnFrame sets the handler for asynchronous NET_STATUS/NET_EVENT lines.
// Set before Connect.
func (c *Client) OnFrame(fn func(line string)) {
	c.cbMu.Lock()
	c.onFrame = fn
	c.cbMu.Unlock()
}

// OnDisconnect sets the handler for disconnection.
func (c *Client) OnDisconnect(fn func(error)) {
	c.cbMu.Lock()
	c.onDisconnect = fn
	c.cbMu.Unlock()
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect connects to the server.
func (c *Client) Connect() error {
	return c.ConnectWithContext(context.Background())
}

// ConnectWithContext connects with a context for timeout/cancellation.
func (c *Client) ConnectWithContext(ctx context.Context) error {
	switch c.getState() {
	case StateClosed:
		return ErrClientClosed
	case StateClosing:
		return ErrClientClosing
	case StateConnected:
		return ErrAlreadyConnected
	case StateConnecting:
		return fmt.Errorf("connection already in progress")
	}

	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.transitionTo(StateConnected); err != nil {
		conn.Close()
		return err
	}

	success = true
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		currentState := c.getState()
		if currentState == StateClosed || currentState == StateClosing {
			return
		}

		if currentState == StateConnected {
			c.transitionFrom(StateConnected, StateClosing)
		} else if currentState == StateDisconnected {
			c.transitionFrom(StateDisconnected, StateClosed)
			return
		}

		close(c.shutdown)

		c.mu.Lock()
		if c.conn != nil {
			closeErr = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.transitionFrom(StateClosing, StateClosed)
	})

	return closeErr
}

// Reconnect drops any existing connection and connects again. Safe to
// call after a disconnect; a closed client stays closed.
func (c *Client) Reconnect() error {
	return c.ReconnectWithContext(context.Background())
}

// ReconnectWithContext attempts to reconnect with context.
func (c *Client) ReconnectWithContext(ctx context.Context) error {
	if c.getState() == StateClosed {
		return ErrClientClosed
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))
	c.shutdown = make(chan struct{})
	c.closeOnce.Reset()

	return c.ConnectWithContext(ctx)
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// =============================================================================
// Read Loop
// =============================================================================

func isFrame(line string) bool {
	return strings.HasPrefix(line, telemetry.StatusTag+" ") ||
		strings.HasPrefix(line, telemetry.EventTag+" ")
}

// readLoop routes incoming lines. Responses go to the pending request;
// everything tagged NET_STATUS/NET_EVENT goes to the frame callback.
// Body lines of a multi-line response are collected before routing
// resumes, so a response is delivered as one unit.
func (c *Client) readLoop(conn net.Conn) {
	var disconnectErr error

	defer func() {
		c.cbMu.RLock()
		fn := c.onDisconnect
		c.cbMu.RUnlock()

		c.transitionFrom(StateConnected, StateDisconnected)
		c.failPending(ErrNotConnected)

		if fn != nil && disconnectErr != nil {
			fn(disconnectErr)
		}
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if c.getState() == StateConnected {
				disconnectErr = err
			}
			return
		}
		line = strings.TrimRight(line, "\n")

		switch {
		case isFrame(line):
			c.deliverFrame(line)

		case strings.HasPrefix(line, "NET OK"):
			resp, err := c.collectResponse(r, line)
			if err != nil {
				disconnectErr = err
				return
			}
			c.deliver(result{resp: resp})

		case strings.HasPrefix(line, "NET ERR"):
			reason := strings.TrimPrefix(line, "NET ERR reason=")
			c.deliver(result{err: &CommandError{Reason: reason}})
		}
	}
}

// collectResponse reads the trailing body lines of a multi-line response.
func (c *Client) collectResponse(r *bufio.Reader, okLine string) (Response, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(okLine, "NET OK"))
	op, inline, _ := strings.Cut(strings.TrimPrefix(rest, "op="), " ")

	resp := Response{Op: op, Inline: strings.TrimSpace(inline)}
	for i := 0; i < bodyLines(op); i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return Response{}, err
		}
		resp.Body = append(resp.Body, strings.TrimRight(line, "\n"))
	}
	return resp, nil
}

func (c *Client) deliverFrame(line string) {
	c.cbMu.RLock()
	fn := c.onFrame
	c.cbMu.RUnlock()
	if fn != nil {
		fn(line)
	}
}

func (c *Client) deliver(res result) {
	c.reqMu.Lock()
	ch := c.pending
	c.pending = nil
	c.reqMu.Unlock()

	if ch != nil {
		ch <- res
	}
}

func (c *Client) failPending(err error) {
	c.deliver(result{err: err})
}

// =============================================================================
// Request/Response
// =============================================================================

// Do sends one command line and waits for its response.
func (c *Client) Do(ctx context.Context, command string) (Response, error) {
	if c.getState() != StateConnected {
		return Response{}, ErrNotConnected
	}

	ch := make(chan result, 1)
	c.reqMu.Lock()
	if c.pending != nil {
		c.reqMu.Unlock()
		return Response{}, fmt.Errorf("a command is already in flight")
	}
	c.pending = ch
	c.reqMu.Unlock()

	clear := func() {
		c.reqMu.Lock()
		if c.pending == ch {
			c.pending = nil
		}
		c.reqMu.Unlock()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		clear()
		return Response{}, ErrNotConnected
	}
	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		clear()
		return Response{}, fmt.Errorf("write command: %w", err)
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		clear()
		return Response{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-c.shutdown:
		clear()
		return Response{}, ErrClientClosed
	}
}

// Command sends a command with the default request timeout.
func (c *Client) Command(command string) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	return c.Do(ctx, command)
}

// =============================================================================
// Convenience Operations
// =============================================================================

// Start issues NET START.
func (c *Client) Start() error {
	_, err := c.Command("NET START")
	return err
}

// Stop issues NET STOP.
func (c *Client) Stop() error {
	_, err := c.Command("NET STOP")
	return err
}

// Recover issues NET RECOVER.
func (c *Client) Recover() error {
	_, err := c.Command("NET RECOVER")
	return err
}

// Status returns the on-demand status record.
func (c *Client) Status() (telemetry.StatusRecord, error) {
	resp, err := c.Command("NET STATUS")
	if err != nil {
		return telemetry.StatusRecord{}, err
	}
	if len(resp.Body) != 1 {
		return telemetry.StatusRecord{}, fmt.Errorf("malformed status response")
	}
	rec, ok := telemetry.DecodeStatus([]byte(resp.Body[0]))
	if !ok {
		return telemetry.StatusRecord{}, fmt.Errorf("malformed status record: %s", resp.Body[0])
	}
	return rec, nil
}

// SetPolicy issues NETCFG SET with the given JSON payload.
func (c *Client) SetPolicy(payload string) error {
	_, err := c.Command("NETCFG SET " + payload)
	return err
}

// GetPolicy returns the active policy snapshot JSON.
func (c *Client) GetPolicy() (string, error) {
	resp, err := c.Command("NETCFG GET")
	if err != nil {
		return "", err
	}
	return resp.Inline, nil
}

// SetListener issues NET LISTENER ON or OFF.
func (c *Client) SetListener(on bool) error {
	arg := "OFF"
	if on {
		arg = "ON"
	}
	_, err := c.Command("NET LISTENER " + arg)
	return err
}

// Metrics returns the three-line counter snapshot.
func (c *Client) Metrics() ([]string, error) {
	resp, err := c.Command("NET METRICS")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Stats returns the per-stage latency summary lines.
func (c *Client) Stats() ([]string, error) {
	resp, err := c.Command("NET STATS")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
