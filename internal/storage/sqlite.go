package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS zones (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		radius_m REAL NOT NULL CHECK (radius_m > 0),
		enabled INTEGER NOT NULL,
		group_name TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		accuracy REAL NOT NULL DEFAULT 0,
		battery INTEGER,
		fix_at INTEGER NOT NULL,
		ingested_at INTEGER NOT NULL,
		low_confidence INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		evaluated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		device_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		state TEXT NOT NULL,
		last_enter_at INTEGER NOT NULL DEFAULT 0,
		last_exit_at INTEGER NOT NULL DEFAULT 0,
		last_transition_at INTEGER NOT NULL DEFAULT 0,
		last_fix_at INTEGER NOT NULL DEFAULT 0,
		last_distance REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		PRIMARY KEY (device_id, zone_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transition_events (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		type TEXT NOT NULL,
		fix_at INTEGER NOT NULL,
		distance_m REAL NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		delivered_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_device_created ON transition_events(device_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status_next ON transition_events(status, next_attempt_at)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:zonewatch.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &sqlStore{db: db, schema: sqliteSchema}, nil
}
