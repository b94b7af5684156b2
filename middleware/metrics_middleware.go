package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"jsonrpc-ws/message"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "jsonrpc_ws").
	Namespace string
	// Subsystem is the metrics subsystem (default: "server").
	Subsystem   string
	ConstLabels prometheus.Labels
	// Buckets default to prometheus.DefBuckets.
	Buckets []float64
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
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

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// unknownMethod labels requests for unregistered methods, keeping client-chosen names out of
// the label set.
const unknownMethod = "unknown"

// Metrics records, per method:
//   - <ns>_<sub>_requests_total{method,code}: code is "0" on success
//   - <ns>_<sub>_request_duration_seconds{method}
//   - <ns>_<sub>_requests_in_flight
//
// Each call registers a fresh set of collectors, so it must be called once per registry.
func Metrics(opts ...MetricsOption) Middleware {
	config := MetricsConfig{
		Namespace: "jsonrpc_ws",
		Subsystem: "server",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	requests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "requests_total",
		Help:        "Requests handled by method and JSON-RPC error code",
		ConstLabels: config.ConstLabels,
	}, []string{"method", "code"})
	duration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "request_duration_seconds",
		Help:        "Request handling duration in seconds",
		ConstLabels: config.ConstLabels,
		Buckets:     config.Buckets,
	}, []string{"method"})
	inFlight := factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "requests_in_flight",
		Help:        "Requests currently being handled",
		ConstLabels: config.ConstLabels,
	})

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			inFlight.Inc()
			start := time.Now()
			resp := next(ctx, req)
			elapsed := time.Since(start).Seconds()
			inFlight.Dec()

			code := errorCode(resp)
			method := req.Method
			if code == message.CodeMethodNotFound {
				method = unknownMethod
			}
			requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
			duration.WithLabelValues(method).Observe(elapsed)
			return resp
		}
	}
}
