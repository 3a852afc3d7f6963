// Package observability wires logging, metrics, and tracing for wagate.
//
// Logging is log/slog with a redacting handler so pairing codes and secrets
// never reach log sinks. Metrics are Prometheus collectors registered on a
// caller-supplied registerer, and every method is safe on a nil *Metrics so
// components can run without instrumentation in tests. Tracing uses
// OpenTelemetry with an OTLP gRPC exporter and degrades to a no-op tracer
// when no endpoint is configured.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{Endpoint: "localhost:4317"})
//	defer shutdown(ctx)
package observability
