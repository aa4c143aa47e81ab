package readings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sensorhub/internal/model"
	"sensorhub/internal/storage"
)

type Codec interface {
	EncryptFloat(v float64) (string, error)
	DecryptFloat(blob string) (float64, error)
}

// LatestCache is optional; a nil cache disables it.
type LatestCache interface {
	Put(ctx context.Context, r model.Reading) error
	Get(ctx context.Context, sensorID int64) (model.Reading, bool, error)
}

type Store struct {
	codec  Codec
	store  storage.Store
	cache  LatestCache
	logger *slog.Logger
}

func New(codec Codec, store storage.Store, cache LatestCache, logger *slog.Logger) *Store {
	return &Store{codec: codec, store: store, cache: cache, logger: logger}
}

// Append encrypts value and inserts a reading on c. A zero ts means now.
func (s *Store) Append(ctx context.Context, c *storage.Conn, sensor model.Sensor, value float64, unit string, ts time.Time) (model.Reading, error) {
	blob, err := s.codec.EncryptFloat(value)
	if err != nil {
		return model.Reading{}, fmt.Errorf("encrypt reading: %w", err)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	r := model.Reading{
		SensorID:       sensor.ID,
		EncryptedValue: blob,
		Unit:           unit,
		Timestamp:      ts.UTC(),
	}
	if err := c.InsertReading(ctx, &r); err != nil {
		return model.Reading{}, err
	}
	return r, nil
}

// Publish pushes a committed reading to the latest-value cache. Cache
// failures are logged only; the database remains the source of truth.
func (s *Store) Publish(ctx context.Context, r model.Reading) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, r); err != nil && s.logger != nil {
		s.logger.Warn("latest cache update failed", "sensor_id", r.SensorID, "err", err)
	}
}

func (s *Store) decode(r model.Reading) model.DecodedReading {
	out := model.DecodedReading{Reading: r}
	v, err := s.codec.DecryptFloat(r.EncryptedValue)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("reading value unavailable", "reading_id", r.ID, "sensor_id", r.SensorID, "err", err)
		}
		return out
	}
	out.Value = &v
	out.Available = true
	return out
}

func (s *Store) List(ctx context.Context, f storage.ReadingFilter) ([]model.DecodedReading, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := s.store.Conn().ListReadings(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]model.DecodedReading, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.decode(r))
	}
	return out, nil
}

func (s *Store) Latest(ctx context.Context, sensorID int64) (model.DecodedReading, error) {
	if s.cache != nil {
		r, ok, err := s.cache.Get(ctx, sensorID)
		if err == nil && ok {
			return s.decode(r), nil
		}
		if err != nil && s.logger != nil {
			s.logger.Warn("latest cache read failed", "sensor_id", sensorID, "err", err)
		}
	}
	r, err := s.store.Conn().LatestReading(ctx, sensorID)
	if err != nil {
		return model.DecodedReading{}, err
	}
	return s.decode(r), nil
}

// Stats aggregates min/max/avg over readings since the given time. Readings
// that cannot be decrypted are skipped; ok is false when none remain.
func (s *Store) Stats(ctx context.Context, sensorID int64, since time.Time) (model.ReadingStats, bool, error) {
	rows, err := s.store.Conn().ListReadings(ctx, storage.ReadingFilter{SensorID: sensorID, From: since})
	if err != nil {
		return model.ReadingStats{}, false, err
	}
	var st model.ReadingStats
	var sum float64
	for _, r := range rows {
		d := s.decode(r)
		if !d.Available {
			continue
		}
		v := *d.Value
		if st.Count == 0 || v < st.Min {
			st.Min = v
		}
		if st.Count == 0 || v > st.Max {
			st.Max = v
		}
		sum += v
		st.Count++
	}
	if st.Count == 0 {
		return model.ReadingStats{}, false, nil
	}
	st.Avg = sum / float64(st.Count)
	return st, true, nil
}
