package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"sensorhub/internal/config"
	"sensorhub/internal/encryption"
	"sensorhub/internal/metrics"
	"sensorhub/internal/model"
	"sensorhub/internal/storage"
)

// Engine evaluates plaintext values against the threshold table and keeps
// at most one unresolved alert per (sensor, alert kind). It never resolves
// alerts itself.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	store   storage.Store
	rules   atomic.Value
	locks   *KeyedMutex
}

type ruleSet struct {
	severity  model.Severity
	byType    map[string]config.Bounds
	bySensor  map[string]config.Bounds
	updatedAt time.Time
}

// Breach is one violated bound.
type Breach struct {
	Kind      string
	Direction string
	Threshold float64
}

func NewEngine(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector, store storage.Store) *Engine {
	e := &Engine{
		logger:  logger,
		metrics: collector,
		store:   store,
		locks:   NewKeyedMutex(),
	}
	e.UpdateConfig(cfg)
	return e
}

// UpdateConfig swaps the threshold table; evaluations in flight keep the old one.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	rs := &ruleSet{
		severity:  model.Severity(cfg.Alerts.Severity),
		byType:    copyBounds(cfg.Alerts.Thresholds),
		bySensor:  copyBounds(cfg.Alerts.SensorOverrides),
		updatedAt: time.Now().UTC(),
	}
	if rs.severity == "" {
		rs.severity = model.SeverityWarning
	}
	e.rules.Store(rs)
}

func (e *Engine) ruleSet() *ruleSet {
	return e.rules.Load().(*ruleSet)
}

// RulesUpdatedAt reports when the threshold table was last swapped.
func (e *Engine) RulesUpdatedAt() time.Time {
	return e.ruleSet().updatedAt
}

func copyBounds(in map[string]config.Bounds) map[string]config.Bounds {
	out := make(map[string]config.Bounds, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BoundsFor returns the bounds applying to sensor: a per-sensor override
// wins over the type entry. ok is false when no rule covers the sensor.
func (e *Engine) BoundsFor(sensor model.Sensor) (config.Bounds, bool) {
	rs := e.ruleSet()
	if b, ok := rs.bySensor[sensor.ExternalID]; ok {
		return b, true
	}
	b, ok := rs.byType[sensor.Type]
	return b, ok
}

// Check lists the bounds value violates, high before low.
func (e *Engine) Check(sensor model.Sensor, value float64) []Breach {
	b, ok := e.BoundsFor(sensor)
	if !ok {
		return nil
	}
	var out []Breach
	if b.High != nil && value > *b.High {
		out = append(out, Breach{Kind: "high_" + sensor.Type, Direction: "high", Threshold: *b.High})
	}
	if b.Low != nil && value < *b.Low {
		out = append(out, Breach{Kind: "low_" + sensor.Type, Direction: "low", Threshold: *b.Low})
	}
	return out
}

// Evaluate opens an alert for every breached bound that has no unresolved
// alert yet and returns the alerts it opened.
func (e *Engine) Evaluate(ctx context.Context, sensor model.Sensor, value float64) ([]model.Alert, error) {
	breaches := e.Check(sensor, value)
	if len(breaches) == 0 {
		return nil, nil
	}
	severity := e.ruleSet().severity
	var opened []model.Alert
	var errs []error
	for _, b := range breaches {
		alert := model.Alert{
			SensorID:       sensor.ID,
			AlertType:      b.Kind,
			Message:        fmt.Sprintf("%s value is too %s: %s", sensor.Name, b.Direction, encryption.FormatValue(value)),
			Severity:       severity,
			ThresholdValue: b.Threshold,
			ActualValue:    value,
		}
		created, err := e.OpenOrSkip(ctx, &alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Kind, err))
			continue
		}
		if created {
			opened = append(opened, alert)
		}
	}
	return opened, errors.Join(errs...)
}

// OpenOrSkip inserts alert unless an unresolved alert of the same kind is
// already open for the sensor. The keyed lock serialises callers inside this
// process; the transaction and the partial unique index cover other processes.
func (e *Engine) OpenOrSkip(ctx context.Context, alert *model.Alert) (bool, error) {
	key := lockKey(alert.SensorID, alert.AlertType)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	var created bool
	err := e.store.InTx(ctx, func(c *storage.Conn) error {
		existing, err := c.FindOpenAlert(ctx, alert.SensorID, alert.AlertType)
		if err == nil {
			if e.logger != nil {
				e.logger.Debug("alert already open", "sensor", alert.SensorID, "alert_type", alert.AlertType, "alert_id", existing.ID)
			}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		created, err = c.InsertAlertIfAbsent(ctx, alert)
		return err
	})
	if err != nil {
		return false, err
	}
	if created {
		e.metrics.AlertOpened(alert.AlertType)
		if e.logger != nil {
			e.logger.Warn("alert opened",
				"alert_id", alert.ID,
				"sensor", alert.SensorID,
				"alert_type", alert.AlertType,
				"severity", alert.Severity,
				"threshold", alert.ThresholdValue,
				"actual", alert.ActualValue,
			)
		}
	}
	return created, nil
}

// Resolve closes an alert. A later breach opens a new instance.
func (e *Engine) Resolve(ctx context.Context, alertID int64) (model.Alert, error) {
	return e.store.Conn().ResolveAlert(ctx, alertID, time.Now().UTC())
}
