package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process metrics. All methods are safe on a nil
// receiver so tests and optional wiring can skip metrics entirely.
type Collector struct {
	registry   *prometheus.Registry
	received   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	readings   prometheus.Counter
	registered prometheus.Counter
	alerts     *prometheus.CounterVec
	state      *prometheus.GaugeVec
	subFails   *prometheus.CounterVec
	handle     prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorhub",
			Name:      "messages_received_total",
			Help:      "Inbound telemetry messages by transport.",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorhub",
			Name:      "messages_dropped_total",
			Help:      "Inbound telemetry messages discarded, by reason.",
		}, []string{"reason"}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorhub",
			Name:      "readings_stored_total",
			Help:      "Encrypted readings persisted.",
		}),
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorhub",
			Name:      "sensors_registered_total",
			Help:      "Sensors auto-registered from telemetry.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorhub",
			Name:      "alerts_opened_total",
			Help:      "Alerts opened, by alert type.",
		}, []string{"alert_type"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sensorhub",
			Name:      "listener_state",
			Help:      "Listener connection state: 0 disconnected, 1 connecting, 2 connected, 3 subscribed.",
		}, []string{"transport"}),
		subFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorhub",
			Name:      "subscribe_failures_total",
			Help:      "Failed topic subscribe attempts, by transport.",
		}, []string{"transport"}),
		handle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensorhub",
			Name:      "message_handle_seconds",
			Help:      "Time spent handling one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		c.received, c.dropped, c.readings, c.registered, c.alerts, c.state, c.subFails, c.handle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) MessageReceived(source string) {
	if c == nil {
		return
	}
	c.received.WithLabelValues(source).Inc()
}

func (c *Collector) MessageDropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) ReadingStored() {
	if c == nil {
		return
	}
	c.readings.Inc()
}

func (c *Collector) SensorRegistered() {
	if c == nil {
		return
	}
	c.registered.Inc()
}

func (c *Collector) AlertOpened(alertType string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(alertType).Inc()
}

func (c *Collector) SetListenerState(transport string, state int) {
	if c == nil {
		return
	}
	c.state.WithLabelValues(transport).Set(float64(state))
}

func (c *Collector) SubscribeFailed(transport string) {
	if c == nil {
		return
	}
	c.subFails.WithLabelValues(transport).Inc()
}

func (c *Collector) ObserveHandle(d time.Duration) {
	if c == nil {
		return
	}
	c.handle.Observe(d.Seconds())
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
