package rabbit

import (
	"errors"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lakepersist_bus"

type busMetrics struct {
	published       *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	acks            *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	m := &busMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "published_total",
			Help:      "Number of publish attempts by routing key and result.",
		}, []string{"routing_key", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Number of deliveries received by queue.",
		}, []string{"queue"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "acks_total",
			Help:      "Number of ack decisions by queue and action.",
		}, []string{"queue", "action"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_failures_total",
			Help:      "Number of failed deliveries by queue and stage.",
		}, []string{"queue", "stage"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent decoding and handling a delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closing, 5 closed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Number of successful reconnects.",
		}),
	}
	if reg == nil {
		return m
	}
	m.published = register(reg, m.published)
	m.deliveries = register(reg, m.deliveries)
	m.acks = register(reg, m.acks)
	m.handlerFailures = register(reg, m.handlerFailures)
	m.handlerDuration = register(reg, m.handlerDuration)
	m.connectionState = register(reg, m.connectionState)
	m.reconnects = register(reg, m.reconnects)
	return m
}

// register collector, the existing one is returned if it's already registered, e.g., by another Client.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if ex, ok := are.ExistingCollector.(T); ok {
				return ex
			}
		}
		core.Warnf("Failed to register prometheus collector, %v", err)
	}
	return c
}

func (m *busMetrics) observePublish(routingKey string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrPublishNacked):
		result = "nacked"
	case errors.Is(err, ErrPublishTimeout):
		result = "timeout"
	case errors.Is(err, ErrInvalidRoutingKey):
		result = "invalid"
		routingKey = "" // unbounded label values
	case IsConnectionError(err):
		result = "not_connected"
	default:
		result = "error"
	}
	m.published.WithLabelValues(routingKey, result).Inc()
}

func (m *busMetrics) observeDelivery(queue string) {
	m.deliveries.WithLabelValues(queue).Inc()
}

func (m *busMetrics) observeFailure(queue string, stage string) {
	m.handlerFailures.WithLabelValues(queue, stage).Inc()
}

func (m *busMetrics) observeAck(queue string, action AckAction, took time.Duration) {
	m.acks.WithLabelValues(queue, action.String()).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(took.Seconds())
}

func (m *busMetrics) observeState(s State) {
	m.connectionState.Set(float64(s))
}

func (m *busMetrics) observeReconnect() {
	m.reconnects.Inc()
}
