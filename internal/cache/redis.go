package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sensorhub/internal/config"
	"sensorhub/internal/model"
)

// LatestCache keeps the newest reading per sensor in Redis so dashboards can
// skip the readings table. Values stay encrypted; the entry is the same
// ciphertext blob that was written to the database.
type LatestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

type entry struct {
	ID             int64     `json:"id"`
	SensorID       int64     `json:"sensor_id"`
	EncryptedValue string    `json:"encrypted_value"`
	Unit           string    `json:"unit,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func New(ctx context.Context, cfg config.CacheConfig) (*LatestCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unavailable: %w", err)
	}
	return NewWithClient(rdb, cfg.TTL), nil
}

func NewWithClient(rdb *redis.Client, ttl time.Duration) *LatestCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LatestCache{rdb: rdb, ttl: ttl}
}

func Key(sensorID int64) string {
	return fmt.Sprintf("sensor:last:%d", sensorID)
}

// Put stores r unless the cached entry is newer; readings may arrive out of order.
func (c *LatestCache) Put(ctx context.Context, r model.Reading) error {
	if current, ok, err := c.Get(ctx, r.SensorID); err == nil && ok && current.Timestamp.After(r.Timestamp) {
		return nil
	}
	data, err := json.Marshal(entry{
		ID:             r.ID,
		SensorID:       r.SensorID,
		EncryptedValue: r.EncryptedValue,
		Unit:           r.Unit,
		Timestamp:      r.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, Key(r.SensorID), data, c.ttl).Err()
}

func (c *LatestCache) Get(ctx context.Context, sensorID int64) (model.Reading, bool, error) {
	data, err := c.rdb.Get(ctx, Key(sensorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Reading{}, false, nil
	}
	if err != nil {
		return model.Reading{}, false, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return model.Reading{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return model.Reading{
		ID:             e.ID,
		SensorID:       e.SensorID,
		EncryptedValue: e.EncryptedValue,
		Unit:           e.Unit,
		Timestamp:      e.Timestamp,
	}, true, nil
}

func (c *LatestCache) Close() error {
	return c.rdb.Close()
}
