// Package archive appends the NET_STATUS/NET_EVENT frame stream to
// rotating Parquet files for replay-based offline debugging.
//
// The archive is a telemetry sink: it records every frame in emission
// order, which is what makes a captured failure sequence replayable. Files
// rotate on row count; a background flusher bounds how much of the stream
// a crash can lose.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/relink/config"
	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/logging"
	"github.com/xtxerr/relink/internal/telemetry"
)

var log = logging.Component("archive")

// Config holds archive options.
type Config struct {
	// Dir is the archive directory. Empty disables archiving.
	Dir string

	// RotateRows is the frame count per file.
	RotateRows int

	// FlushInterval is how often buffered frames are forced to disk.
	FlushInterval time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		RotateRows:    config.DefaultArchiveRotateRows,
		FlushInterval: config.DefaultArchiveFlushInterval,
	}
}

// FrameRow is one archived frame.
type FrameRow struct {
	// AtMs is the archive-side receive time, Unix milliseconds.
	AtMs int64 `parquet:"at_ms"`

	// Kind is "status" or "event".
	Kind string `parquet:"kind,zstd"`

	// Line is the full frame as emitted, tag included.
	Line string `parquet:"line,zstd"`
}

// Archive writes frames to rotating Parquet files. Implements
// telemetry.Sink.
type Archive struct {
	cfg Config

	mu     sync.Mutex
	file   *os.File
	writer *parquet.GenericWriter[FrameRow]
	rows   int
	seq    int
	closed bool
}

// New opens the archive directory and starts the first file.
func New(cfg Config) (*Archive, error) {
	if cfg.RotateRows <= 0 {
		cfg.RotateRows = config.DefaultArchiveRotateRows
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.DefaultArchiveFlushInterval
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	a := &Archive{cfg: cfg}
	if err := a.openFile(); err != nil {
		return nil, err
	}
	return a, nil
}

// openFile starts a new archive file. Caller holds the lock (or is New).
func (a *Archive) openFile() error {
	a.seq++
	name := fmt.Sprintf("frames-%s-%04d.parquet", time.Now().UTC().Format("20060102-150405"), a.seq)
	f, err := os.Create(filepath.Join(a.cfg.Dir, name))
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	a.file = f
	a.writer = parquet.NewGenericWriter[FrameRow](f, parquet.Compression(&parquet.Zstd))
	a.rows = 0
	return nil
}

// Frame implements telemetry.Sink. Called synchronously on the frame
// path; failures are logged, never propagated into the controller.
func (a *Archive) Frame(line []byte) {
	kind := "event"
	if strings.HasPrefix(string(line), telemetry.StatusTag+" ") {
		kind = "status"
	}
	row := FrameRow{
		AtMs: time.Now().UnixMilli(),
		Kind: kind,
		Line: string(line),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	if _, err := a.writer.Write([]FrameRow{row}); err != nil {
		log.Error("archive write failed", "err", err)
		return
	}
	a.rows++
	if a.rows >= a.cfg.RotateRows {
		if err := a.rotate(); err != nil {
			log.Error("archive rotate failed", "err", err)
		}
	}
}

// rotate closes the current file and opens the next. Caller holds the lock.
func (a *Archive) rotate() error {
	if err := a.writer.Close(); err != nil {
		return fmt.Errorf("close archive writer: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return a.openFile()
}

// Flush forces buffered rows into the current file.
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.ErrStoreClosed
	}
	if err := a.writer.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return nil
}

// Close finalizes the current file. The archive accepts no frames after.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.writer.Close(); err != nil {
		a.file.Close()
		return fmt.Errorf("close archive writer: %w", err)
	}
	return a.file.Close()
}

// Run flushes on an interval until ctx is canceled, then closes.
func (a *Archive) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return a.Close()
		case <-t.C:
			if err := a.Flush(); err != nil && !errors.Is(err, errors.ErrStoreClosed) {
				log.Warn("periodic flush failed", "err", err)
			}
		}
	}
}

// ReadFile loads one archive file for replay.
func ReadFile(path string) ([]FrameRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive file: %w", err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("parse archive file: %w", err)
	}

	reader := parquet.NewGenericReader[FrameRow](pf)
	defer reader.Close()

	out := make([]FrameRow, 0, reader.NumRows())
	buf := make([]FrameRow, 256)
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return out, nil
}

// ReadDir loads every archive file in a directory, oldest first, as one
// continuous frame sequence.
func ReadDir(dir string) ([]FrameRow, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "frames-*.parquet"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []FrameRow
	for _, path := range matches {
		rows, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
