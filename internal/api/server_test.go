package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"sensorhub/internal/config"
	"sensorhub/internal/encryption"
	"sensorhub/internal/engine"
	"sensorhub/internal/metrics"
	"sensorhub/internal/model"
	"sensorhub/internal/readings"
	"sensorhub/internal/storage"
)

type testEnv struct {
	srv      *httptest.Server
	store    storage.Store
	readings *readings.Store
	engine   *engine.Engine
	sensor   model.Sensor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:api_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) +
		"?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	st, err := storage.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	codec, err := encryption.New(config.EncryptionConfig{Key: "api-secret", KDF: "hkdf", Salt: "api-salt"})
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	if _, err := st.Conn().InsertSensorIfAbsent(ctx, model.Sensor{ExternalID: "TEMP_001", Name: "Sensor TEMP_001", Type: "temperature", Status: model.StatusActive}); err != nil {
		t.Fatalf("sensor: %v", err)
	}
	sensor, err := st.Conn().GetSensorByExternalID(ctx, "TEMP_001")
	if err != nil {
		t.Fatalf("sensor: %v", err)
	}
	collector := metrics.NewCollector()
	rs := readings.New(codec, st, nil, nil)
	eng := engine.NewEngine(config.DefaultConfig(), nil, collector, st)
	s := NewServer(Deps{
		Store:     st,
		Readings:  rs,
		Engine:    eng,
		Metrics:   collector,
		Listeners: map[string]StateFunc{"mqtt": func() string { return "subscribed" }},
		Version:   "test",
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, readings: rs, engine: eng, sensor: sensor}
}

func (e *testEnv) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.do(t, http.MethodGet, "/health")
	if code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("health: %d %v", code, out)
	}
	code, out = env.do(t, http.MethodGet, "/api/status")
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if out["listeners"].(map[string]any)["mqtt"] != "subscribed" {
		t.Fatalf("unexpected listeners: %v", out["listeners"])
	}
	if out["counts"].(map[string]any)["sensors"].(float64) != 1 {
		t.Fatalf("unexpected counts: %v", out["counts"])
	}
}

func TestReadingsRenderUnavailableAsNull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.readings.Append(ctx, env.store.Conn(), env.sensor, 21.5, "°C", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := env.store.Conn().InsertReading(ctx, &model.Reading{SensorID: env.sensor.ID, EncryptedValue: "broken", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	code, out := env.do(t, http.MethodGet, "/api/readings?sensor_id=TEMP_001")
	if code != http.StatusOK {
		t.Fatalf("readings: %d %v", code, out)
	}
	list := out["readings"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(list))
	}
	newest := list[0].(map[string]any)
	if newest["value"] != nil || newest["available"] != false || newest["sensor_id"] != "TEMP_001" {
		t.Fatalf("expected unavailable newest reading: %v", newest)
	}
	older := list[1].(map[string]any)
	if older["value"].(float64) != 21.5 || older["available"] != true {
		t.Fatalf("unexpected older reading: %v", older)
	}

	code, out = env.do(t, http.MethodGet, "/api/readings/latest")
	if code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("latest: %d %v", code, out)
	}

	code, _ = env.do(t, http.MethodGet, "/api/readings?sensor_id=NOPE")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sensor, got %d", code)
	}
	code, _ = env.do(t, http.MethodGet, "/api/readings?from=yesterday")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", code)
	}
}

func TestSensorStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, v := range []float64{10, 20, 30} {
		if _, err := env.readings.Append(ctx, env.store.Conn(), env.sensor, v, "°C", time.Time{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	code, out := env.do(t, http.MethodGet, "/api/sensors/TEMP_001/stats")
	if code != http.StatusOK {
		t.Fatalf("stats: %d", code)
	}
	if out["count"].(float64) != 3 || out["min"].(float64) != 10 || out["max"].(float64) != 30 || out["avg"].(float64) != 20 {
		t.Fatalf("unexpected stats: %v", out)
	}
}

func TestAlertListAndResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opened, err := env.engine.Evaluate(ctx, env.sensor, 40)
	if err != nil || len(opened) != 1 {
		t.Fatalf("evaluate: %d %v", len(opened), err)
	}
	code, out := env.do(t, http.MethodGet, "/api/alerts?resolved=false")
	if code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("alerts: %d %v", code, out)
	}
	alert := out["alerts"].([]any)[0].(map[string]any)
	if alert["alert_type"] != "high_temperature" || alert["sensor_external_id"] != "TEMP_001" {
		t.Fatalf("unexpected alert: %v", alert)
	}

	path := "/api/alerts/" + strconv.FormatInt(opened[0].ID, 10) + "/resolve"
	code, out = env.do(t, http.MethodPost, path)
	if code != http.StatusOK || out["is_resolved"] != true {
		t.Fatalf("resolve: %d %v", code, out)
	}
	code, out = env.do(t, http.MethodGet, "/api/alerts?resolved=false")
	if code != http.StatusOK || out["count"].(float64) != 0 {
		t.Fatalf("open alerts after resolve: %d %v", code, out)
	}
	code, _ = env.do(t, http.MethodPost, "/api/alerts/999/resolve")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/api/alerts/abc/resolve")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}
