package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sensorhub/internal/model"
)

// Conn runs typed queries against a database or an open transaction.
type Conn struct {
	q       Queryer
	dialect Dialect
}

func (c *Conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, rebind(c.dialect, query), args...)
}

func (c *Conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, rebind(c.dialect, query), args...)
}

func (c *Conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, rebind(c.dialect, query), args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sensorColumns = `id, external_id, name, type, location, status, description, created_at, updated_at`

func scanSensor(r rowScanner) (model.Sensor, error) {
	var s model.Sensor
	var status string
	err := r.Scan(&s.ID, &s.ExternalID, &s.Name, &s.Type, &s.Location, &status, &s.Description, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Sensor{}, ErrNotFound
	}
	if err != nil {
		return model.Sensor{}, err
	}
	s.Status = model.SensorStatus(status)
	return s, nil
}

func (c *Conn) GetSensorByExternalID(ctx context.Context, externalID string) (model.Sensor, error) {
	return scanSensor(c.queryRow(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE external_id = ?`, externalID))
}

func (c *Conn) GetSensor(ctx context.Context, id int64) (model.Sensor, error) {
	return scanSensor(c.queryRow(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE id = ?`, id))
}

// InsertSensorIfAbsent reports false when a row with the same external id
// already exists. It never fails on the uniqueness constraint.
func (c *Conn) InsertSensorIfAbsent(ctx context.Context, s model.Sensor) (bool, error) {
	now := nowUTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = model.StatusActive
	}
	res, err := c.exec(ctx,
		`INSERT INTO sensors (external_id, name, type, location, status, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING`,
		s.ExternalID, s.Name, s.Type, s.Location, string(s.Status), s.Description, s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert sensor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Conn) ListSensors(ctx context.Context) ([]model.Sensor, error) {
	rows, err := c.query(ctx, `SELECT `+sensorColumns+` FROM sensors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Sensor
	for rows.Next() {
		s, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Conn) InsertReading(ctx context.Context, r *model.Reading) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = nowUTC()
	}
	err := c.queryRow(ctx,
		`INSERT INTO readings (sensor_id, encrypted_value, unit, ts) VALUES (?, ?, ?, ?) RETURNING id`,
		r.SensorID, r.EncryptedValue, r.Unit, r.Timestamp.UTC(),
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

type ReadingFilter struct {
	SensorID int64
	From     time.Time
	To       time.Time
	Limit    int
}

func (c *Conn) ListReadings(ctx context.Context, f ReadingFilter) ([]model.Reading, error) {
	var where []string
	var args []any
	if f.SensorID != 0 {
		where = append(where, "sensor_id = ?")
		args = append(args, f.SensorID)
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.To.UTC())
	}
	q := `SELECT id, sensor_id, encrypted_value, unit, ts FROM readings`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		if err := rows.Scan(&r.ID, &r.SensorID, &r.EncryptedValue, &r.Unit, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Conn) LatestReading(ctx context.Context, sensorID int64) (model.Reading, error) {
	list, err := c.ListReadings(ctx, ReadingFilter{SensorID: sensorID, Limit: 1})
	if err != nil {
		return model.Reading{}, err
	}
	if len(list) == 0 {
		return model.Reading{}, ErrNotFound
	}
	return list[0], nil
}

const alertColumns = `id, sensor_id, alert_type, message, severity, threshold_value, actual_value, is_resolved, created_at, resolved_at`

func scanAlert(r rowScanner) (model.Alert, error) {
	var a model.Alert
	var severity string
	var resolvedAt sql.NullTime
	err := r.Scan(&a.ID, &a.SensorID, &a.AlertType, &a.Message, &severity, &a.ThresholdValue, &a.ActualValue, &a.Resolved, &a.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	if err != nil {
		return model.Alert{}, err
	}
	a.Severity = model.Severity(severity)
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	return a, nil
}

func (c *Conn) GetAlert(ctx context.Context, id int64) (model.Alert, error) {
	return scanAlert(c.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
}

func (c *Conn) FindOpenAlert(ctx context.Context, sensorID int64, alertType string) (model.Alert, error) {
	return scanAlert(c.queryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE sensor_id = ? AND alert_type = ? AND is_resolved = ?`,
		sensorID, alertType, false))
}

// InsertAlertIfAbsent inserts a as an open alert unless an open alert with
// the same (sensor_id, alert_type) exists; the partial unique index decides.
func (c *Conn) InsertAlertIfAbsent(ctx context.Context, a *model.Alert) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	a.Resolved = false
	a.ResolvedAt = nil
	err := c.queryRow(ctx,
		`INSERT INTO alerts (sensor_id, alert_type, message, severity, threshold_value, actual_value, is_resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		a.SensorID, a.AlertType, a.Message, string(a.Severity), a.ThresholdValue, a.ActualValue, false, a.CreatedAt.UTC(),
	).Scan(&a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return true, nil
}

// ResolveAlert marks an alert resolved. Resolving an already resolved alert
// returns it unchanged.
func (c *Conn) ResolveAlert(ctx context.Context, id int64, at time.Time) (model.Alert, error) {
	if at.IsZero() {
		at = nowUTC()
	}
	if _, err := c.exec(ctx,
		`UPDATE alerts SET is_resolved = ?, resolved_at = ? WHERE id = ? AND is_resolved = ?`,
		true, at.UTC(), id, false,
	); err != nil {
		return model.Alert{}, fmt.Errorf("resolve alert: %w", err)
	}
	return c.GetAlert(ctx, id)
}

type AlertFilter struct {
	SensorID int64
	Resolved *bool
	Limit    int
}

func (c *Conn) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	var where []string
	var args []any
	if f.SensorID != 0 {
		where = append(where, "sensor_id = ?")
		args = append(args, f.SensorID)
	}
	if f.Resolved != nil {
		where = append(where, "is_resolved = ?")
		args = append(args, *f.Resolved)
	}
	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var countableTables = map[string]bool{"sensors": true, "readings": true, "alerts": true}

// Count returns the number of rows in one of the core tables.
func (c *Conn) Count(ctx context.Context, table string) (int64, error) {
	if !countableTables[table] {
		return 0, fmt.Errorf("count: unknown table %q", table)
	}
	var n int64
	if err := c.queryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
