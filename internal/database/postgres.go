// Package database provides PostgreSQL implementations of the vault object
// store, the audit logs and the policy store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dbURL string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db: db, logger: logger}, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	d.logger.Info("Database schema ready", "statements", len(schema))
	return nil
}

// schema mirrors the policy, object and audit entities. Key material is
// stored in the same row as the ciphertext reference so ingest commits both
// in one INSERT.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS geofences (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL,
		latitude    DOUBLE PRECISION NOT NULL,
		longitude   DOUBLE PRECISION NOT NULL,
		radius_km   DOUBLE PRECISION NOT NULL CHECK (radius_km >= 0),
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		CHECK (NOT active OR radius_km > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS allowed_networks (
		id          BIGSERIAL PRIMARY KEY,
		geofence_id BIGINT NOT NULL REFERENCES geofences(id) ON DELETE CASCADE,
		ssid        TEXT NOT NULL,
		bssid       TEXT NOT NULL DEFAULT '',
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE (geofence_id, ssid)
	)`,
	`CREATE TABLE IF NOT EXISTS work_windows (
		id          BIGSERIAL PRIMARY KEY,
		weekday     SMALLINT NOT NULL CHECK (weekday BETWEEN 0 AND 6),
		start_min   INTEGER NOT NULL,
		end_min     INTEGER NOT NULL,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		CHECK (start_min <= end_min)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS work_windows_one_active
		ON work_windows (weekday) WHERE active`,
	`CREATE TABLE IF NOT EXISTS access_rules (
		id               BIGSERIAL PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		require_location BOOLEAN NOT NULL DEFAULT TRUE,
		require_network  BOOLEAN NOT NULL DEFAULT TRUE,
		require_time     BOOLEAN NOT NULL DEFAULT TRUE,
		is_default       BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS access_rules_one_default
		ON access_rules (is_default) WHERE is_default`,
	`CREATE TABLE IF NOT EXISTS work_hours (
		id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		start_hour SMALLINT NOT NULL,
		end_hour   SMALLINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS protected_objects (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		size_bytes        BIGINT NOT NULL,
		content_type      TEXT NOT NULL,
		ciphertext_ref    TEXT NOT NULL,
		key_material      BYTEA NOT NULL,
		uploaded_by       TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		access_count      BIGINT NOT NULL DEFAULT 0,
		last_accessed     TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS access_logs (
		seq           BIGSERIAL PRIMARY KEY,
		id            TEXT NOT NULL UNIQUE,
		principal     TEXT NOT NULL,
		object_id     TEXT NOT NULL DEFAULT '',
		action        TEXT NOT NULL,
		ts            TIMESTAMPTZ NOT NULL,
		network_id    TEXT NOT NULL DEFAULT '',
		latitude      DOUBLE PRECISION,
		longitude     DOUBLE PRECISION,
		outcome       TEXT NOT NULL,
		reasons       TEXT[] NOT NULL DEFAULT '{}',
		suspicious    BOOLEAN NOT NULL DEFAULT FALSE,
		hash          TEXT NOT NULL,
		previous_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activity_events (
		id        TEXT PRIMARY KEY,
		principal TEXT NOT NULL,
		kind      TEXT NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		context   JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS activity_events_principal_ts ON activity_events (principal, ts)`,
	`CREATE TABLE IF NOT EXISTS security_alerts (
		id          TEXT PRIMARY KEY,
		principal   TEXT NOT NULL,
		activity_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		severity    TEXT NOT NULL,
		score       DOUBLE PRECISION NOT NULL DEFAULT 0,
		detected_at TIMESTAMPTZ NOT NULL,
		resolved    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}
