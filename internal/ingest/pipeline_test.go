package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensorhub/internal/config"
	"sensorhub/internal/encryption"
	"sensorhub/internal/engine"
	"sensorhub/internal/metrics"
	"sensorhub/internal/normalize"
	"sensorhub/internal/readings"
	"sensorhub/internal/registry"
	"sensorhub/internal/storage"
)

type fixture struct {
	pipeline *Pipeline
	store    storage.Store
	codec    *encryption.Cipher
}

func newFixture(t *testing.T, autoRegister bool, window time.Duration) *fixture {
	t.Helper()
	dsn := "file:ingest_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) +
		"?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	st, err := storage.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	codec, err := encryption.New(config.EncryptionConfig{Key: "ingest-secret", KDF: "hkdf", Salt: "ingest-salt"})
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	collector := metrics.NewCollector()
	p := NewPipeline(
		st,
		registry.New(autoRegister, nil),
		readings.New(codec, st, nil, nil),
		engine.NewEngine(config.DefaultConfig(), nil, collector, st),
		collector,
		nil,
		PipelineOptions{RedeliveryWindow: window, MessageTimeout: 5 * time.Second},
	)
	return &fixture{pipeline: p, store: st, codec: codec}
}

func msg(payload string) Message {
	return Message{Topic: "iot/sensors/test", Payload: []byte(payload), Source: "mqtt", ReceivedAt: time.Now()}
}

func countRows(t *testing.T, st storage.Store, table string) int {
	t.Helper()
	n, err := st.Conn().Count(context.Background(), table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return int(n)
}

func TestFirstMessageRegistersSensorAndAlerts(t *testing.T) {
	f := newFixture(t, true, 0)
	ctx := context.Background()
	res, err := f.pipeline.Process(ctx, msg(`{"sensor_id":"TEMP_001","value":40,"unit":"°C","type":"temperature"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Created || res.Sensor.Name != "Sensor TEMP_001" || res.Sensor.Type != "temperature" || res.Sensor.Status != "active" {
		t.Fatalf("unexpected sensor: %+v created=%v", res.Sensor, res.Created)
	}
	if res.Reading.EncryptedValue == "40" {
		t.Fatalf("reading stored in clear")
	}
	v, err := f.codec.DecryptFloat(res.Reading.EncryptedValue)
	if err != nil || v != 40 {
		t.Fatalf("decrypt stored value: %v %v", v, err)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].AlertType != "high_temperature" || res.Alerts[0].ThresholdValue != 35 {
		t.Fatalf("unexpected alerts: %+v", res.Alerts)
	}

	res, err = f.pipeline.Process(ctx, msg(`{"sensor_id":"TEMP_001","value":41,"unit":"°C","type":"temperature"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Created || len(res.Alerts) != 0 {
		t.Fatalf("second message must reuse sensor and alert: created=%v alerts=%d", res.Created, len(res.Alerts))
	}
	if n := countRows(t, f.store, "sensors"); n != 1 {
		t.Fatalf("expected 1 sensor, got %d", n)
	}
	if n := countRows(t, f.store, "readings"); n != 2 {
		t.Fatalf("expected 2 readings, got %d", n)
	}
	if n := countRows(t, f.store, "alerts"); n != 1 {
		t.Fatalf("expected 1 alert, got %d", n)
	}
}

func TestNormalHumidityStoresWithoutAlert(t *testing.T) {
	f := newFixture(t, true, 0)
	res, err := f.pipeline.Process(context.Background(), msg(`{"sensor_id":"HUM_001","value":55,"unit":"%","type":"humidity"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Alerts) != 0 || res.Reading.ID == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNullValueRejectedWithoutSideEffects(t *testing.T) {
	f := newFixture(t, true, 0)
	_, err := f.pipeline.Process(context.Background(), msg(`{"sensor_id":"X","value":null}`))
	if !errors.Is(err, normalize.ErrMissingValue) {
		t.Fatalf("expected ErrMissingValue, got %v", err)
	}
	if n := countRows(t, f.store, "sensors"); n != 0 {
		t.Fatalf("rejected message created %d sensors", n)
	}
	if n := countRows(t, f.store, "readings"); n != 0 {
		t.Fatalf("rejected message created %d readings", n)
	}
}

func TestUnknownSensorRejectedWhenAutoRegisterOff(t *testing.T) {
	f := newFixture(t, false, 0)
	_, err := f.pipeline.Process(context.Background(), msg(`{"sensor_id":"NEW_1","value":1}`))
	if !errors.Is(err, registry.ErrUnknownSensor) {
		t.Fatalf("expected ErrUnknownSensor, got %v", err)
	}
	if n := countRows(t, f.store, "readings"); n != 0 {
		t.Fatalf("expected no readings, got %d", n)
	}
}

func TestRedeliveryDropped(t *testing.T) {
	f := newFixture(t, true, time.Minute)
	ctx := context.Background()
	payload := `{"sensor_id":"TEMP_9","value":20,"type":"temperature","timestamp":"2024-05-01T10:00:00Z"}`
	if _, err := f.pipeline.Process(ctx, msg(payload)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.pipeline.Process(ctx, msg(payload)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// no source timestamp: never deduplicated
	for i := 0; i < 2; i++ {
		if _, err := f.pipeline.Process(ctx, msg(`{"sensor_id":"TEMP_9","value":20,"type":"temperature"}`)); err != nil {
			t.Fatalf("untimed message %d: %v", i, err)
		}
	}
	if n := countRows(t, f.store, "readings"); n != 3 {
		t.Fatalf("expected 3 readings, got %d", n)
	}
}

func TestHandleSurvivesBadMessages(t *testing.T) {
	f := newFixture(t, true, 0)
	ctx := context.Background()
	for _, p := range []string{`garbage`, `{"value":1}`, `{"sensor_id":"A","value":"x"}`, `{"sensor_id":"SOIL_1","value":5,"type":"soil_moisture"}`} {
		f.pipeline.Handle(ctx, msg(p))
	}
	if n := countRows(t, f.store, "readings"); n != 1 {
		t.Fatalf("expected only the valid message stored, got %d", n)
	}
	if n := countRows(t, f.store, "alerts"); n != 1 {
		t.Fatalf("expected low soil moisture alert, got %d", n)
	}
}

func TestConcurrentFirstMessagesCreateOneSensor(t *testing.T) {
	f := newFixture(t, true, 0)
	ctx := context.Background()
	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.pipeline.Process(ctx, msg(`{"sensor_id":"TEMP_C","value":50,"type":"temperature"}`))
			if err != nil {
				t.Errorf("process: %v", err)
				return
			}
			if res.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	if created.Load() != 1 {
		t.Fatalf("expected one creator, got %d", created.Load())
	}
	if n := countRows(t, f.store, "sensors"); n != 1 {
		t.Fatalf("expected 1 sensor, got %d", n)
	}
	if n := countRows(t, f.store, "alerts"); n != 1 {
		t.Fatalf("expected 1 open alert, got %d", n)
	}
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []Message
}

func (h *recordingHandler) Handle(_ context.Context, m Message) {
	h.mu.Lock()
	h.seen = append(h.seen, m)
	h.mu.Unlock()
}

func TestPoolDrainsOnStop(t *testing.T) {
	h := &recordingHandler{}
	p := NewPool(h, 2, 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	for i := 0; i < 10; i++ {
		if !p.Submit(ctx, msg(`{}`)) {
			t.Fatalf("submit %d refused", i)
		}
	}
	p.Stop()
	if len(h.seen) != 10 {
		t.Fatalf("expected 10 handled, got %d", len(h.seen))
	}
	if p.Submit(ctx, msg(`{}`)) {
		t.Fatalf("submit after stop must fail")
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(&recordingHandler{}, 1, 1, nil, nil)
	ctx := context.Background()
	if !p.Submit(ctx, msg(`{}`)) {
		t.Fatalf("first submit should fit")
	}
	if p.Submit(ctx, msg(`{}`)) {
		t.Fatalf("second submit should be dropped")
	}
}

func TestRedeliveryGuardWindow(t *testing.T) {
	g := NewRedeliveryGuard(time.Second)
	now := time.Now()
	g.now = func() time.Time { return now }
	if !g.Claim("k") {
		t.Fatalf("first sighting must be claimed")
	}
	now = now.Add(500 * time.Millisecond)
	if g.Claim("k") {
		t.Fatalf("expected duplicate inside window")
	}
	now = now.Add(3 * time.Second)
	if !g.Claim("k") {
		t.Fatalf("expected fresh claim outside window")
	}
	g.Release("k")
	if g.Len() != 0 {
		t.Fatalf("expected empty guard after release, got %d", g.Len())
	}
	if !g.Claim("") {
		t.Fatalf("empty key is never a duplicate")
	}
}

func TestNilRedeliveryGuardAllowsAll(t *testing.T) {
	g := NewRedeliveryGuard(0)
	if g != nil {
		t.Fatalf("expected nil guard for zero window")
	}
	if !g.Claim("k") || !g.Claim("k") {
		t.Fatalf("nil guard must allow every key")
	}
	g.Release("k")
}

func TestDefaultConfigStoresRepeatedTimestampedReadings(t *testing.T) {
	f := newFixture(t, true, config.DefaultConfig().Ingest.RedeliveryWindow)
	ctx := context.Background()
	payload := `{"sensor_id":"SOIL_STUCK","value":42,"type":"soil_moisture","timestamp":"2024-01-01T00:00:00Z"}`
	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.Process(ctx, msg(payload)); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
	if n := countRows(t, f.store, "readings"); n != 3 {
		t.Fatalf("expected 3 readings, got %d", n)
	}
}
