package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS zones (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		radius_m DOUBLE PRECISION NOT NULL CHECK (radius_m > 0),
		enabled BOOLEAN NOT NULL,
		group_name TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
		battery INTEGER,
		fix_at BIGINT NOT NULL,
		ingested_at BIGINT NOT NULL,
		low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
		source TEXT NOT NULL DEFAULT '',
		evaluated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		device_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		state TEXT NOT NULL,
		last_enter_at BIGINT NOT NULL DEFAULT 0,
		last_exit_at BIGINT NOT NULL DEFAULT 0,
		last_transition_at BIGINT NOT NULL DEFAULT 0,
		last_fix_at BIGINT NOT NULL DEFAULT 0,
		last_distance DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		stale BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL,
		PRIMARY KEY (device_id, zone_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transition_events (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		type TEXT NOT NULL,
		fix_at BIGINT NOT NULL,
		distance_m DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		delivered_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_device_created ON transition_events(device_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status_next ON transition_events(status, next_attempt_at)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/zonewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, numbered: true, schema: postgresSchema}, nil
}
