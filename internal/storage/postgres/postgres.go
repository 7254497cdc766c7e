// Package postgres provides PostgreSQL implementations of the agent,
// telemetry and alert stores.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Schema creates every table the stores need. It is safe to apply
// repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
	id               TEXT PRIMARY KEY,
	hostname         TEXT NOT NULL UNIQUE,
	operating_system TEXT NOT NULL DEFAULT '',
	agent_version    TEXT NOT NULL DEFAULT '',
	ip_address       TEXT NOT NULL DEFAULT '',
	credential_hash  TEXT NOT NULL,
	status           TEXT NOT NULL,
	registered_at    TIMESTAMPTZ NOT NULL,
	last_heartbeat   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS agents_status_idx ON agents (status);

CREATE TABLE IF NOT EXISTS telemetry_samples (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT,
	hostname      TEXT NOT NULL,
	metrics       JSONB NOT NULL,
	processes     JSONB NOT NULL DEFAULT '[]',
	connections   JSONB NOT NULL DEFAULT '[]',
	received_at   TIMESTAMPTZ NOT NULL,
	dedup_key     TEXT UNIQUE,
	authenticated BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS telemetry_samples_agent_idx ON telemetry_samples (agent_id, received_at);

CREATE TABLE IF NOT EXISTS security_alerts (
	id              TEXT PRIMARY KEY,
	severity        TEXT NOT NULL,
	threat_type     TEXT NOT NULL,
	description     TEXT NOT NULL,
	recommendation  TEXT NOT NULL,
	source_agent_id TEXT,
	sample_id       TEXT,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_alerts_agent_idx ON security_alerts (source_agent_id);
CREATE INDEX IF NOT EXISTS security_alerts_created_idx ON security_alerts (created_at DESC);
`

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB is a connection pool shared by the stores.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is empty")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
	)
	return &DB{db: db, logger: logger}, nil
}

// Migrate applies Schema.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Agents returns an agent store on this pool.
func (d *DB) Agents() *AgentStore { return &AgentStore{db: d.db} }

// Samples returns a telemetry sample store on this pool.
func (d *DB) Samples() *SampleStore { return &SampleStore{db: d.db} }

// Alerts returns an alert store on this pool.
func (d *DB) Alerts() *AlertStore { return &AlertStore{db: d.db} }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
