package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sensorhub/internal/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	// A named in-memory database per test keeps parallel tests apart.
	dsn := "file:storage_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) +
		"?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	st, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return st
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?`
	if got := rebind(DialectSQLite, q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3`
	if got := rebind(DialectPostgres, q); got != want {
		t.Fatalf("postgres rebind: %s", got)
	}
}

func TestInsertSensorIfAbsentIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	c := st.Conn()
	s := model.Sensor{ExternalID: "TEMP_001", Name: "Sensor TEMP_001", Type: "temperature"}
	created, err := c.InsertSensorIfAbsent(ctx, s)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = c.InsertSensorIfAbsent(ctx, s)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("expected second insert to be skipped")
	}
	list, err := c.ListSensors(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one sensor, got %d", len(list))
	}
	got, err := c.GetSensorByExternalID(ctx, "TEMP_001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusActive || got.Type != "temperature" {
		t.Fatalf("unexpected sensor: %+v", got)
	}
}

func TestGetSensorNotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Conn().GetSensorByExternalID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadingsOrderedNewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	c := st.Conn()
	if _, err := c.InsertSensorIfAbsent(ctx, model.Sensor{ExternalID: "HUM_1", Name: "h", Type: "humidity"}); err != nil {
		t.Fatalf("insert sensor: %v", err)
	}
	s, err := c.GetSensorByExternalID(ctx, "HUM_1")
	if err != nil {
		t.Fatalf("get sensor: %v", err)
	}
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := &model.Reading{SensorID: s.ID, EncryptedValue: "blob", Unit: "%", Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := c.InsertReading(ctx, r); err != nil {
			t.Fatalf("insert reading: %v", err)
		}
		if r.ID == 0 {
			t.Fatalf("expected id to be set")
		}
	}
	list, err := c.ListReadings(ctx, ReadingFilter{SensorID: s.ID, From: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 readings after cutoff, got %d", len(list))
	}
	if !list[0].Timestamp.After(list[1].Timestamp) {
		t.Fatalf("expected newest first: %v, %v", list[0].Timestamp, list[1].Timestamp)
	}
	latest, err := c.LatestReading(ctx, s.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("latest ts: %v", latest.Timestamp)
	}
}

func TestReadingRequiresSensor(t *testing.T) {
	st := openTestStore(t)
	err := st.Conn().InsertReading(context.Background(), &model.Reading{SensorID: 999, EncryptedValue: "x"})
	if err == nil {
		t.Fatalf("expected foreign key violation")
	}
}

func TestOpenAlertUniquePerSensorAndKind(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	c := st.Conn()
	if _, err := c.InsertSensorIfAbsent(ctx, model.Sensor{ExternalID: "T1", Name: "t", Type: "temperature"}); err != nil {
		t.Fatalf("insert sensor: %v", err)
	}
	s, _ := c.GetSensorByExternalID(ctx, "T1")

	first := &model.Alert{SensorID: s.ID, AlertType: "high_temperature", Message: "m", Severity: model.SeverityWarning, ThresholdValue: 35, ActualValue: 40}
	ok, err := c.InsertAlertIfAbsent(ctx, first)
	if err != nil || !ok {
		t.Fatalf("first alert: ok=%v err=%v", ok, err)
	}
	dup := &model.Alert{SensorID: s.ID, AlertType: "high_temperature", Message: "m", Severity: model.SeverityWarning, ThresholdValue: 35, ActualValue: 41}
	ok, err = c.InsertAlertIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("dup alert: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate open alert to be skipped")
	}

	resolved, err := c.ResolveAlert(ctx, first.ID, time.Time{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved alert: %+v", resolved)
	}
	again := &model.Alert{SensorID: s.ID, AlertType: "high_temperature", Message: "m", Severity: model.SeverityWarning, ThresholdValue: 35, ActualValue: 42}
	ok, err = c.InsertAlertIfAbsent(ctx, again)
	if err != nil || !ok {
		t.Fatalf("re-alert after resolve: ok=%v err=%v", ok, err)
	}
	if again.ID == first.ID {
		t.Fatalf("expected a new alert instance")
	}

	open := false
	list, err := c.ListAlerts(ctx, AlertFilter{SensorID: s.ID, Resolved: &open})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != again.ID {
		t.Fatalf("expected only the new alert open, got %+v", list)
	}
}

func TestResolveUnknownAlert(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Conn().ResolveAlert(context.Background(), 42, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := st.InTx(ctx, func(c *Conn) error {
		if _, err := c.InsertSensorIfAbsent(ctx, model.Sensor{ExternalID: "ROLLBACK", Name: "r", Type: "light"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := st.Conn().GetSensorByExternalID(ctx, "ROLLBACK"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestCountRejectsUnknownTable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.Conn().Count(ctx, "sensors; DROP TABLE alerts"); err == nil {
		t.Fatalf("expected error for unknown table")
	}
	n, err := st.Conn().Count(ctx, "alerts")
	if err != nil || n != 0 {
		t.Fatalf("count alerts: %d %v", n, err)
	}
}
