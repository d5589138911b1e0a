package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"fxsettle/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS quote_snapshots (
    id                 BIGSERIAL PRIMARY KEY,
    pair_id            TEXT        NOT NULL,
    pair               TEXT        NOT NULL,
    spot_rate          NUMERIC     NOT NULL,
    median_rate        NUMERIC     NOT NULL,
    twap_rate          NUMERIC     NOT NULL,
    deviation_bps      BIGINT      NOT NULL,
    confidence         INTEGER     NOT NULL,
    valid_oracle_count INTEGER     NOT NULL,
    outlier_count      INTEGER     NOT NULL,
    outliers           TEXT[]      NOT NULL DEFAULT '{}',
    is_reliable        BOOLEAN     NOT NULL,
    halted             BOOLEAN     NOT NULL,
    circuit_state      TEXT        NOT NULL,
    computed_at        TIMESTAMPTZ NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (pair_id, computed_at)
);
CREATE INDEX IF NOT EXISTS quote_snapshots_computed_at_idx ON quote_snapshots (computed_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id          BIGSERIAL PRIMARY KEY,
    event_type  TEXT        NOT NULL,
    payment_id  TEXT        NOT NULL DEFAULT '',
    escrow_id   TEXT        NOT NULL DEFAULT '',
    pair_id     TEXT        NOT NULL DEFAULT '',
    actor       TEXT        NOT NULL DEFAULT '',
    severity    TEXT        NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    description TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_events_created_at_idx ON audit_events (created_at);

CREATE TABLE IF NOT EXISTS compliance_profiles (
    address             TEXT PRIMARY KEY,
    tier                TEXT        NOT NULL DEFAULT 'none',
    sanctioned          BOOLEAN     NOT NULL DEFAULT false,
    risk_score          INTEGER     NOT NULL DEFAULT 0,
    pep                 BOOLEAN     NOT NULL DEFAULT false,
    single_tx_limit     NUMERIC     NOT NULL DEFAULT 0,
    daily_limit         NUMERIC     NOT NULL DEFAULT 0,
    daily_used          NUMERIC     NOT NULL DEFAULT 0,
    usage_day           BIGINT      NOT NULL DEFAULT 0,
    monthly_limit       NUMERIC     NOT NULL DEFAULT 0,
    monthly_used        NUMERIC     NOT NULL DEFAULT 0,
    usage_month         BIGINT      NOT NULL DEFAULT 0,
    verification_expiry TIMESTAMPTZ,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// EnsureSchema creates the tables used by the store when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
