package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jsonrpc-ws/message"
)

const defaultTracerName = "jsonrpc-ws"

// TracingConfig configures the OpenTelemetry middleware.
type TracingConfig struct {
	TracerName string
	// Provider defaults to the global tracer provider.
	Provider trace.TracerProvider
}

type TracingOption func(*TracingConfig)

func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

func WithTracerProvider(provider trace.TracerProvider) TracingOption {
	return func(c *TracingConfig) {
		c.Provider = provider
	}
}

// Tracing starts a server span per request, named after the method. The handler's context
// carries the span.
func Tracing(opts ...TracingOption) Middleware {
	config := TracingConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Provider == nil {
		config.Provider = otel.GetTracerProvider()
	}
	tracer := config.Provider.Tracer(config.TracerName)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, span := tracer.Start(ctx, req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "jsonrpc"),
					attribute.String("rpc.method", req.Method),
					attribute.String("rpc.jsonrpc.version", message.Version),
					attribute.String("rpc.jsonrpc.request_id", string(req.ID)),
				),
			)
			defer span.End()

			resp := next(ctx, req)
			if resp.Error != nil {
				span.SetAttributes(
					attribute.Int("rpc.jsonrpc.error_code", resp.Error.Code),
					attribute.String("rpc.jsonrpc.error_message", resp.Error.Message),
				)
				span.SetStatus(codes.Error, resp.Error.Message)
			}
			return resp
		}
	}
}
