// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists records, sources and stories. It satisfies
// ingest.RecordStore, ingest.SourceStore and ingest.StoryStore.
type Store struct {
	pool pool
}

var (
	_ ingest.RecordStore = (*Store)(nil)
	_ ingest.SourceStore = (*Store)(nil)
	_ ingest.StoryStore  = (*Store)(nil)
)

// Open creates a pooled Store using cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id                   TEXT PRIMARY KEY,
	url                  TEXT NOT NULL,
	name                 TEXT NOT NULL DEFAULT '',
	method               TEXT NOT NULL,
	api_kind             TEXT NOT NULL DEFAULT '',
	interval_ms          BIGINT NOT NULL DEFAULT 0,
	timeout_ms           BIGINT NOT NULL DEFAULT 0,
	retry_count          INTEGER NOT NULL DEFAULT 0,
	max_items            INTEGER NOT NULL DEFAULT 0,
	rate_limit           DOUBLE PRECISION NOT NULL DEFAULT 0,
	selector             TEXT NOT NULL DEFAULT '',
	trust_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	verified             BOOLEAN NOT NULL DEFAULT FALSE,
	source_type          TEXT NOT NULL DEFAULT '',
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	last_error_at        TIMESTAMPTZ,
	last_sync_at         TIMESTAMPTZ,
	next_sync_at         TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	total_items          BIGINT NOT NULL DEFAULT 0,
	last_run_items       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	source_id    TEXT NOT NULL REFERENCES sources (id),
	title        TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '',
	image_url    TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	category_id  TEXT NOT NULL DEFAULT '',
	severity     SMALLINT NOT NULL DEFAULT 0,
	tags         TEXT[] NOT NULL DEFAULT '{}',
	embedding    DOUBLE PRECISION[],
	related_ids  TEXT[] NOT NULL DEFAULT '{}',
	story_id     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (url, source_id)
);

CREATE INDEX IF NOT EXISTS records_published_at_idx ON records (published_at DESC);

CREATE TABLE IF NOT EXISTS stories (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	categories TEXT[] NOT NULL DEFAULT '{}',
	record_ids TEXT[] NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables and indexes when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrNotFound
	}
	return err
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
