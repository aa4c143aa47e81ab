package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:sensorhub.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// single writer; callers inside InTx must only use the Conn they are given
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, dialect: DialectSQLite, schema: sqliteSchema}}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sensors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id INTEGER NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
		encrypted_value TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		ts DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_sensor_ts ON readings(sensor_id, ts)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id INTEGER NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
		alert_type TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'warning',
		threshold_value REAL NOT NULL,
		actual_value REAL NOT NULL,
		is_resolved BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open ON alerts(sensor_id, alert_type) WHERE is_resolved = 0`,
}
