package telemetry

import (
	"sync"
	"time"

	"github.com/xtxerr/relink/internal/logging"
)

var log = logging.Component("telemetry")

// Sink receives fully encoded frame lines. Implementations must not
// block; the emitter calls sinks synchronously to preserve frame order.
type Sink interface {
	Frame(line []byte)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(line []byte)

func (f SinkFunc) Frame(line []byte) { f(line) }

// Emitter stamps and fans out telemetry frames. Frames reach every
// sink in emission order; a sink added mid-stream sees only frames
// emitted after its registration.
type Emitter struct {
	mu    sync.Mutex
	sinks []Sink
	start time.Time

	counters Counters
	latency  *Latencies
}

func NewEmitter() *Emitter {
	return &Emitter{
		start:   time.Now(),
		latency: NewLatencies(),
	}
}

func (e *Emitter) Attach(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Counters returns the shared counter block. Callers increment the
// atomics directly.
func (e *Emitter) Counters() *Counters { return &e.counters }

// Latency returns the stage latency sketches.
func (e *Emitter) Latency() *Latencies { return e.latency }

// UptimeMs reports milliseconds since the emitter was created.
func (e *Emitter) UptimeMs() int64 {
	return time.Since(e.start).Milliseconds()
}

// Status stamps uptime and broadcasts a NET_STATUS frame.
func (e *Emitter) Status(rec StatusRecord) {
	rec.UptimeMs = e.UptimeMs()
	line, err := EncodeStatus(rec)
	if err != nil {
		log.Error("encode status frame", "err", err)
		return
	}
	e.broadcast(line)
}

// Event stamps the emission time and broadcasts a NET_EVENT frame.
func (e *Emitter) Event(rec EventRecord) {
	rec.AtMs = e.UptimeMs()
	line, err := EncodeEvent(rec)
	if err != nil {
		log.Error("encode event frame", "err", err)
		return
	}
	e.broadcast(line)
}

func (e *Emitter) broadcast(line []byte) {
	e.mu.Lock()
	sinks := e.sinks
	e.mu.Unlock()
	for _, s := range sinks {
		s.Frame(line)
	}
}
