package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"sensorhub/internal/config"
	"sensorhub/internal/metrics"
)

var ErrNotConnected = errors.New("mqtt client not connected")

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// MQTTListener subscribes to the telemetry topic and hands every message to
// the sink. Reconnects are left to the paho client; each successful
// (re)connect subscribes again.
type MQTTListener struct {
	cfg     config.MQTTConfig
	sink    Submitter
	metrics *metrics.Collector
	logger  *slog.Logger

	client  mqtt.Client
	state   atomic.Int32
	session atomic.Uint64
	ctx     context.Context
	cancel  context.CancelFunc

	subscribeRetry    time.Duration
	subscribeRetryMax time.Duration
}

func NewMQTTListener(cfg config.MQTTConfig, sink Submitter, collector *metrics.Collector, logger *slog.Logger) *MQTTListener {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "sensorhub-" + uuid.NewString()
	}
	return &MQTTListener{
		cfg:               cfg,
		sink:              sink,
		metrics:           collector,
		logger:            logger,
		ctx:               context.Background(),
		cancel:            func() {},
		subscribeRetry:    time.Second,
		subscribeRetryMax: 30 * time.Second,
	}
}

func (l *MQTTListener) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", l.cfg.Host, l.cfg.Port)
}

func (l *MQTTListener) State() ConnState {
	return ConnState(l.state.Load())
}

func (l *MQTTListener) setState(s ConnState) {
	l.state.Store(int32(s))
	l.metrics.SetListenerState("mqtt", int(s))
}

// Start connects and subscribes. Only the initial connection error is
// returned; later losses are logged and retried by the client.
func (l *MQTTListener) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.BrokerURL())
	opts.SetClientID(l.cfg.ClientID)
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(l.cfg.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(l.cfg.ConnectTimeout)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(l.onConnect)
	opts.SetConnectionLostHandler(l.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		l.setState(StateConnecting)
		if l.logger != nil {
			l.logger.Info("mqtt reconnecting", "broker", l.BrokerURL())
		}
	})

	l.client = mqtt.NewClient(opts)
	l.setState(StateConnecting)
	if l.logger != nil {
		l.logger.Info("mqtt connecting", "broker", l.BrokerURL(), "client_id", l.cfg.ClientID, "topic", l.cfg.Topic)
	}
	tok := l.client.Connect()
	if !tok.WaitTimeout(l.cfg.ConnectTimeout) {
		l.setState(StateDisconnected)
		return fmt.Errorf("mqtt connect to %s: timed out after %s", l.BrokerURL(), l.cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("mqtt connect to %s: %w", l.BrokerURL(), err)
	}
	return nil
}

// onConnect subscribes on every (re)connect. A failed subscribe is retried
// with backoff until it succeeds, the connection drops or Close is called.
func (l *MQTTListener) onConnect(c mqtt.Client) {
	session := l.session.Add(1)
	l.setState(StateConnected)
	if l.logger != nil {
		l.logger.Info("mqtt connected", "broker", l.BrokerURL())
	}
	delay := l.subscribeRetry
	for attempt := 1; ; attempt++ {
		err := l.subscribe(c)
		if err == nil {
			if l.state.CompareAndSwap(int32(StateConnected), int32(StateSubscribed)) {
				l.metrics.SetListenerState("mqtt", int(StateSubscribed))
			}
			if l.logger != nil {
				l.logger.Info("mqtt subscribed", "topic", l.cfg.Topic, "qos", l.cfg.QoS, "attempt", attempt)
			}
			return
		}
		l.metrics.SubscribeFailed("mqtt")
		if l.logger != nil {
			l.logger.Warn("mqtt subscribe failed, retrying", "topic", l.cfg.Topic, "attempt", attempt, "retry_in", delay, "err", err)
		}
		if l.session.Load() != session || !BackoffSleep(l.ctx, delay) || l.session.Load() != session {
			return
		}
		if delay *= 2; delay > l.subscribeRetryMax {
			delay = l.subscribeRetryMax
		}
	}
}

func (l *MQTTListener) subscribe(c mqtt.Client) error {
	tok := c.Subscribe(l.cfg.Topic, l.cfg.QoS, l.onMessage)
	if !tok.WaitTimeout(l.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: timed out after %s", l.cfg.Topic, l.cfg.ConnectTimeout)
	}
	return tok.Error()
}

func (l *MQTTListener) onConnectionLost(_ mqtt.Client, err error) {
	l.session.Add(1)
	l.setState(StateDisconnected)
	if l.logger != nil {
		l.logger.Warn("mqtt connection lost", "broker", l.BrokerURL(), "err", err)
	}
}

func (l *MQTTListener) onMessage(_ mqtt.Client, m mqtt.Message) {
	l.metrics.MessageReceived("mqtt")
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())
	l.sink.Submit(l.ctx, Message{
		Topic:      m.Topic(),
		Payload:    payload,
		Source:     "mqtt",
		ReceivedAt: time.Now().UTC(),
	})
}

// Publish JSON-encodes payload and publishes it with the configured QoS.
func (l *MQTTListener) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if l.client == nil || !l.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := l.client.Publish(topic, l.cfg.QoS, false, data)
	if !tok.WaitTimeout(l.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt publish to %s: timed out", topic)
	}
	return tok.Error()
}

// Close unsubscribes and disconnects. Safe to call more than once.
func (l *MQTTListener) Close() {
	l.session.Add(1)
	l.cancel()
	if l.client == nil {
		return
	}
	if l.client.IsConnectionOpen() {
		if tok := l.client.Unsubscribe(l.cfg.Topic); tok.WaitTimeout(2*time.Second) && tok.Error() != nil && l.logger != nil {
			l.logger.Warn("mqtt unsubscribe failed", "topic", l.cfg.Topic, "err", tok.Error())
		}
	}
	l.client.Disconnect(250)
	l.setState(StateDisconnected)
	if l.logger != nil {
		l.logger.Info("mqtt disconnected", "broker", l.BrokerURL())
	}
}
