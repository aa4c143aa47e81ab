package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"sensorhub/internal/config"
	"sensorhub/internal/metrics"
)

// KafkaListener reads telemetry from a consumer group as a second transport
// next to MQTT. Offsets are committed as messages are read, before they are handled.
type KafkaListener struct {
	cfg     config.KafkaConfig
	sink    Submitter
	metrics *metrics.Collector
	logger  *slog.Logger
	reader  messageReader
	state   atomic.Int32
	retry   time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewKafkaListener(cfg config.KafkaConfig, sink Submitter, collector *metrics.Collector, logger *slog.Logger) *KafkaListener {
	if cfg.GroupID == "" {
		cfg.GroupID = "sensorhub"
	}
	return &KafkaListener{cfg: cfg, sink: sink, metrics: collector, logger: logger, retry: time.Second, done: make(chan struct{})}
}

// State is connecting until the first message is read and again while
// reads fail.
func (k *KafkaListener) State() ConnState {
	return ConnState(k.state.Load())
}

func (k *KafkaListener) setState(s ConnState) {
	k.state.Store(int32(s))
	k.metrics.SetListenerState("kafka", int(s))
}

func (k *KafkaListener) Start(ctx context.Context) {
	if k.logger != nil {
		k.logger.Info("kafka ingest enabled", "brokers", k.cfg.Brokers, "topic", k.cfg.Topic, "group_id", k.cfg.GroupID)
	}
	k.start(ctx, kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    k.cfg.Topic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	}))
}

func (k *KafkaListener) start(ctx context.Context, r messageReader) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.reader = r
	k.setState(StateConnecting)
	go func() {
		defer close(k.done)
		defer k.setState(StateDisconnected)
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.setState(StateConnecting)
				if k.logger != nil {
					k.logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, k.retry) {
					return
				}
				continue
			}
			k.setState(StateSubscribed)
			k.metrics.MessageReceived("kafka")
			k.sink.Submit(ctx, Message{
				Topic:      m.Topic,
				Payload:    m.Value,
				Source:     "kafka",
				ReceivedAt: time.Now().UTC(),
			})
		}
	}()
}

// Close stops the reader and waits for the read loop to exit.
func (k *KafkaListener) Close() error {
	if k.reader == nil {
		return nil
	}
	k.cancel()
	err := k.reader.Close()
	<-k.done
	return err
}
