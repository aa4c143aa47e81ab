package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"sensorhub/internal/engine"
	"sensorhub/internal/metrics"
	"sensorhub/internal/model"
	"sensorhub/internal/normalize"
	"sensorhub/internal/readings"
	"sensorhub/internal/registry"
	"sensorhub/internal/storage"
)

// ErrDuplicate marks a message dropped as a redelivery.
var ErrDuplicate = errors.New("duplicate delivery")

type Pipeline struct {
	store      storage.Store
	registry   *registry.Registry
	readings   *readings.Store
	engine     *engine.Engine
	metrics    *metrics.Collector
	logger     *slog.Logger
	redelivery *RedeliveryGuard
	timeout    time.Duration
}

type PipelineOptions struct {
	RedeliveryWindow time.Duration
	MessageTimeout   time.Duration
}

// Result describes what handling one message changed.
type Result struct {
	Telemetry model.Telemetry
	Sensor    model.Sensor
	Created   bool
	Reading   model.Reading
	Alerts    []model.Alert
}

func NewPipeline(store storage.Store, reg *registry.Registry, rs *readings.Store, eng *engine.Engine, collector *metrics.Collector, logger *slog.Logger, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		store:      store,
		registry:   reg,
		readings:   rs,
		engine:     eng,
		metrics:    collector,
		logger:     logger,
		redelivery: NewRedeliveryGuard(opts.RedeliveryWindow),
		timeout:    opts.MessageTimeout,
	}
}

// Handle processes msg and swallows every failure so one bad message never
// stops the caller.
func (p *Pipeline) Handle(ctx context.Context, msg Message) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.MessageDropped("panic")
			if p.logger != nil {
				p.logger.Error("message handler panic", "source", msg.Source, "topic", msg.Topic, "panic", fmt.Sprint(r))
			}
		}
		p.metrics.ObserveHandle(time.Since(start))
	}()
	if _, err := p.Process(ctx, msg); err != nil && p.logger != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrDuplicate) {
			level = slog.LevelDebug
		}
		p.logger.Log(ctx, level, "message dropped", "source", msg.Source, "topic", msg.Topic, "err", err)
	}
}

// Process decodes msg, registers the sensor and stores the encrypted reading
// in one transaction, then evaluates alerts on the plaintext value.
func (p *Pipeline) Process(ctx context.Context, msg Message) (Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	tel, err := normalize.Decode(msg.Payload, msg.Source)
	if err != nil {
		p.metrics.MessageDropped(normalize.DecodeError(err))
		return Result{}, err
	}
	res := Result{Telemetry: tel}

	key := p.redeliveryKey(tel)
	if !p.redelivery.Claim(key) {
		p.metrics.MessageDropped("duplicate")
		return res, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}

	err = p.store.InTx(ctx, func(c *storage.Conn) error {
		sensor, created, err := p.registry.ResolveOrCreate(ctx, c, tel.SensorID, tel.Type)
		if err != nil {
			return err
		}
		reading, err := p.readings.Append(ctx, c, sensor, tel.Value, tel.Unit, time.Time{})
		if err != nil {
			return err
		}
		res.Sensor, res.Created, res.Reading = sensor, created, reading
		return nil
	})
	if err != nil {
		p.redelivery.Release(key)
		if errors.Is(err, registry.ErrUnknownSensor) {
			p.metrics.MessageDropped("unknown_sensor")
		} else {
			p.metrics.MessageDropped("storage")
		}
		return res, err
	}
	if res.Created {
		p.metrics.SensorRegistered()
	}
	p.metrics.ReadingStored()
	p.readings.Publish(ctx, res.Reading)

	alerts, err := p.engine.Evaluate(ctx, res.Sensor, tel.Value)
	res.Alerts = alerts
	if err != nil {
		return res, fmt.Errorf("evaluate alerts: %w", err)
	}
	return res, nil
}

// Messages without a source timestamp are never treated as redeliveries.
func (p *Pipeline) redeliveryKey(tel model.Telemetry) string {
	if p.redelivery == nil || tel.SourceTime == "" {
		return ""
	}
	return tel.SensorID + "|" + normalize.CanonicalTimestamp(tel.SourceTime) + "|" + strconv.FormatFloat(tel.Value, 'g', -1, 64)
}
