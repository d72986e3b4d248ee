// Package store is the durable metastore for accepted network policies.
//
// Every successful NETCFG SET appends a policy generation; at boot the
// daemon reapplies the latest generation before any operator interaction.
// DuckDB is the backing database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/relink/config"
	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/logging"
	"github.com/xtxerr/relink/internal/policy"
)

var log = logging.Component("store")

// Config holds metastore options.
type Config struct {
	// Path is the database file. Empty means in-memory, which loses
	// policy persistence across restarts (useful for -sim runs).
	Path string

	// QueryTimeout bounds individual statements.
	QueryTimeout time.Duration

	// KeepGenerations bounds how many accepted policies are retained.
	KeepGenerations int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Path:            config.DefaultMetastorePath,
		QueryTimeout:    config.DefaultMetastoreQueryTimeout,
		KeepGenerations: config.DefaultMetastoreKeepGenerations,
	}
}

// Generation is one accepted policy with its acceptance time.
type Generation struct {
	ID         int64
	Policy     policy.Policy
	AcceptedAt time.Time
}

// Store persists policy generations. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	cfg    Config
	mu     sync.Mutex
	closed bool
}

const schema = `
CREATE SEQUENCE IF NOT EXISTS policy_generation_seq;
CREATE TABLE IF NOT EXISTS policy_generations (
	id          BIGINT PRIMARY KEY DEFAULT nextval('policy_generation_seq'),
	payload     VARCHAR NOT NULL,
	accepted_at TIMESTAMP NOT NULL
);
`

// Open opens (and initializes) the metastore.
func Open(cfg Config) (*Store, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = config.DefaultMetastoreQueryTimeout
	}
	if cfg.KeepGenerations <= 0 {
		cfg.KeepGenerations = config.DefaultMetastoreKeepGenerations
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metastore: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init metastore schema: %w", err)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// Close closes the metastore. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	return nil
}

// SavePolicy appends a new accepted policy generation and prunes old ones.
// The persisted form carries credentials; the metastore file is local to
// the device.
func (s *Store) SavePolicy(ctx context.Context, p policy.Policy) error {
	if err := s.guard(); err != nil {
		return err
	}

	payload, err := policy.MarshalPersist(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_generations (payload, accepted_at) VALUES (?, ?)
	`, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("insert policy generation: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM policy_generations
		WHERE id NOT IN (
			SELECT id FROM policy_generations ORDER BY id DESC LIMIT ?
		)
	`, s.cfg.KeepGenerations); err != nil {
		log.Warn("metastore prune failed", "err", err)
	}
	return nil
}

// LoadLatest returns the most recently accepted policy. ErrNotFound when
// no policy has ever been accepted.
func (s *Store) LoadLatest(ctx context.Context) (policy.Policy, error) {
	if err := s.guard(); err != nil {
		return policy.Policy{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM policy_generations ORDER BY id DESC LIMIT 1
	`).Scan(&payload)
	if err == sql.ErrNoRows {
		return policy.Policy{}, errors.ErrNotFound
	}
	if err != nil {
		return policy.Policy{}, fmt.Errorf("load latest policy: %w", err)
	}

	p, err := policy.UnmarshalPersist([]byte(payload))
	if err != nil {
		return policy.Policy{}, fmt.Errorf("decode persisted policy: %w", err)
	}
	return p, nil
}

// Generations lists accepted policies, newest first.
func (s *Store) Generations(ctx context.Context, limit int) ([]Generation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.KeepGenerations
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, accepted_at
		FROM policy_generations ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list policy generations: %w", err)
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var g Generation
		var payload string
		if err := rows.Scan(&g.ID, &payload, &g.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		p, err := policy.UnmarshalPersist([]byte(payload))
		if err != nil {
			log.Warn("skipping undecodable generation", "id", g.ID, "err", err)
			continue
		}
		g.Policy = p
		out = append(out, g)
	}
	return out, rows.Err()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
