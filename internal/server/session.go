package server

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Session
// =============================================================================

// Session is one control connection. Command responses and telemetry
// frames both flow through the send buffer, so a single writer goroutine
// owns the connection and the relative order of a response and the frames
// around it is preserved.
//
// A session is created on connect and destroyed on disconnect; there is
// no resumption. A reconnecting console re-issues NET STATUS to resync.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn net.Conn
	out  chan []byte
	done chan struct{}

	sendTimeout time.Duration

	closeOnce sync.Once

	// dropped counts frames discarded because the send buffer stayed
	// full past the send timeout. A slow console must not stall the
	// controller.
	dropped atomic.Uint64
}

func newSession(conn net.Conn, bufSize int, sendTimeout time.Duration) *Session {
	return &Session{
		ID:          newSessionID(),
		CreatedAt:   time.Now(),
		conn:        conn,
		out:         make(chan []byte, bufSize),
		done:        make(chan struct{}),
		sendTimeout: sendTimeout,
	}
}

func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "session-fallback"
	}
	return hex.EncodeToString(b)
}

// Send queues one line for the writer goroutine. Responses block up to
// the send timeout; a frame that cannot be queued in time is dropped for
// this session only.
func (s *Session) Send(line []byte) bool {
	select {
	case s.out <- line:
		return true
	case <-s.done:
		return false
	default:
	}

	t := time.NewTimer(s.sendTimeout)
	defer t.Stop()
	select {
	case s.out <- line:
		return true
	case <-s.done:
		return false
	case <-t.C:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns how many frames this session has discarded.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// Close shuts the session down. Idempotent and safe from both the reader
// and writer goroutines.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		close(s.done)
	})
}

// =============================================================================
// Registry
// =============================================================================

// registry tracks live sessions for frame broadcast.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// broadcast fans one frame out to every live session. The line is shared,
// never mutated by writers.
func (r *registry) broadcast(line []byte) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Send(line)
	}
}

// closeAll closes every session, for shutdown.
func (r *registry) closeAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
