// Package store is the Postgres persistence layer. It is the only cross-run
// shared state; every other package sees the database through it.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/epidata-io/covid-etl/internal/config"
	"github.com/epidata-io/covid-etl/internal/db"
)

// Store wraps a connection pool with the queries the pipeline and API need.
type Store struct {
	pool    db.Pool
	closeFn func()
}

// New creates a Store backed by a pgx pool and verifies connectivity.
func New(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping")
	}
	return &Store{pool: pool, closeFn: pool.Close}, nil
}

// NewWithPool wraps an existing pool, used by tests with pgxmock.
func NewWithPool(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool for subsystems needing direct access.
func (s *Store) Pool() db.Pool { return s.pool }

// Close releases the connection pool.
func (s *Store) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS countries (
	country_code TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	continent    TEXT,
	population   BIGINT CHECK (population >= 0)
);

CREATE TABLE IF NOT EXISTS country_aliases (
	alias        TEXT PRIMARY KEY,
	country_code TEXT NOT NULL REFERENCES countries(country_code)
);

CREATE TABLE IF NOT EXISTS covid_cases (
	country_code         TEXT NOT NULL REFERENCES countries(country_code),
	date                 DATE NOT NULL,
	total_cases          BIGINT,
	new_cases            BIGINT,
	total_deaths         BIGINT,
	new_deaths           BIGINT,
	total_recovered      BIGINT,
	new_recovered        BIGINT,
	active_cases         BIGINT,
	critical_cases       BIGINT,
	cases_per_million    DOUBLE PRECISION,
	deaths_per_million   DOUBLE PRECISION,
	case_fatality_rate   DOUBLE PRECISION,
	new_cases_7day_avg   DOUBLE PRECISION,
	new_deaths_7day_avg  DOUBLE PRECISION,
	growth_rate          DOUBLE PRECISION,
	quality_flags        TEXT[] NOT NULL DEFAULT '{}',
	contributing_sources TEXT[] NOT NULL DEFAULT '{}',
	confidence           DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	data_hash            TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	source               TEXT NOT NULL,
	PRIMARY KEY (country_code, date)
);

CREATE INDEX IF NOT EXISTS idx_covid_cases_date ON covid_cases (date);

CREATE TABLE IF NOT EXISTS source_reliability (
	country_code TEXT NOT NULL,
	source       TEXT NOT NULL,
	score        DOUBLE PRECISION NOT NULL,
	runs         BIGINT NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (country_code, source)
);

CREATE TABLE IF NOT EXISTS run_log (
	id           TEXT PRIMARY KEY,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	inserted     BIGINT NOT NULL DEFAULT 0,
	updated      BIGINT NOT NULL DEFAULT 0,
	unchanged    BIGINT NOT NULL DEFAULT 0,
	rejected     BIGINT NOT NULL DEFAULT 0,
	failed       BIGINT NOT NULL DEFAULT 0,
	error        TEXT
);
`

// Migrate creates the schema. Idempotent; an advisory lock keeps concurrent
// deploys from racing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock(7241830)"); err != nil {
		return eris.Wrap(err, "store: acquire migration advisory lock")
	}
	defer s.pool.Exec(ctx, "SELECT pg_advisory_unlock(7241830)") //nolint:errcheck

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return eris.Wrap(err, "store: apply schema")
	}
	return nil
}
