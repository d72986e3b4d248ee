// Package listener supervises the upload HTTP listener.
//
// The supervisor owns only the listener lifecycle. It is started with an
// already-bound net.Listener (the radio binds the socket, since listener
// buffers share the radio's memory) and can be stopped at any time without
// touching the underlying link. Request-handling concurrency beyond the
// default http.Server behavior is out of scope here.
package listener

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/logging"
)

var log = logging.Component("listener")

// Supervisor starts and stops the upload listener. Safe for concurrent
// use: the state machine drives it from the controller goroutine while
// NET STATUS reads Running from server goroutines.
type Supervisor struct {
	mu      sync.Mutex
	srv     *http.Server
	addr    string
	running bool

	uploads     atomic.Uint64
	uploadBytes atomic.Uint64
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Start attaches an HTTP server to the bound listener and begins serving.
// Returns ErrAlreadyRunning if a listener is already up.
func (s *Supervisor) Start(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.ErrAlreadyRunning
	}

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		err := srv.Serve(ln)
		s.mu.Lock()
		if s.srv == srv {
			s.running = false
		}
		s.mu.Unlock()
		if err != nil && err != http.ErrServerClosed {
			log.Warn("upload listener exited", "err", err)
		}
	}()

	log.Info("upload listener started", "addr", s.addr)
	return nil
}

// Stop closes the listener and any active connections. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.running = false
	s.addr = ""
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	log.Info("upload listener stopped")
	return srv.Close()
}

// Running reports whether the listener is up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound address, empty when not running.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Uploads returns the accepted upload count and total byte count.
func (s *Supervisor) Uploads() (count, bytes uint64) {
	return s.uploads.Load(), s.uploadBytes.Load()
}

func (s *Supervisor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		s.uploads.Add(1)
		s.uploadBytes.Add(uint64(n))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
