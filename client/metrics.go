package client

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"jsonrpc-ws/message"
)

// MetricsConfig configures the client's Prometheus collectors.
type MetricsConfig struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	Registry    prometheus.Registerer
}

type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the registerer; the default is prometheus.DefaultRegisterer.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

const (
	outcomeSuccess      = "success"
	outcomeRPCError     = "rpc_error"
	outcomeTimeout      = "timeout"
	outcomeClosed       = "closed"
	outcomeExhausted    = "reconnect_failed"
	outcomeBackpressure = "backpressure"
	outcomeCanceled     = "canceled"
	outcomeOther        = "error"
)

func outcomeOf(err error) string {
	var rpcErr *message.Error
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.As(err, &rpcErr):
		return outcomeRPCError
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrClosed):
		return outcomeClosed
	case errors.Is(err, ErrReconnectFailed):
		return outcomeExhausted
	case errors.Is(err, ErrBackpressure):
		return outcomeBackpressure
	}
	return outcomeOther
}

// Metrics holds the client collectors. A nil *Metrics records nothing, so one Metrics can
// be shared by several clients or left out entirely.
type Metrics struct {
	pending           prometheus.Gauge
	calls             *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	reconnectExhausts prometheus.Counter
	connectionState   prometheus.Gauge
}

func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "jsonrpc_ws",
		Subsystem: "client",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_calls",
			Help:        "Calls awaiting a response, queued sends included",
			ConstLabels: config.ConstLabels,
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Completed calls by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Reconnect attempts started",
			ConstLabels: config.ConstLabels,
		}),
		reconnectExhausts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_exhausted_total",
			Help:        "Times the reconnect budget ran out",
			ConstLabels: config.ConstLabels,
		}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_state",
			Help:        "Connection state: 0 idle, 1 connecting, 2 connected, 3 disconnected, 4 closed, 5 failed",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeCall(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) reconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectExhausts.Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}
