package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TraceConfig configures span export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	// Tracing is disabled when empty.
	Endpoint string

	// SamplingRate is the fraction of root spans recorded. Zero means 1.
	SamplingRate float64

	// Attributes are added to the exported resource.
	Attributes map[string]string

	// EnableInsecure disables TLS to the collector.
	EnableInsecure bool
}

// SpanOptions configures span creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// Tracer wraps an OpenTelemetry tracer. Spans cover command operations and
// HTTP requests. A nil *Tracer starts no-op spans.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "wagate",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(ctx)
//
//	ctx, span := tracer.TraceCommand(ctx, "restart", tenantID)
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

func noopShutdown(context.Context) error { return nil }

// NewTracer creates a tracer and the function that flushes and stops it.
// Without an endpoint, or when the exporter cannot be built, spans go to
// the global (no-op by default) provider.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "wagate"
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1
	}
	fallback := &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}
	if config.Endpoint == "" {
		return fallback, noopShutdown
	}

	exporter, err := newExporter(config)
	if err != nil {
		otel.Handle(fmt.Errorf("otlp exporter: %w", err))
		return fallback, noopShutdown
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(config)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(config.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}, provider.Shutdown
}

func newExporter(config TraceConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
}

func newResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a span. Callers end it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	var options []trace.SpanStartOption
	for _, opt := range opts {
		if opt.Kind != trace.SpanKindUnspecified {
			options = append(options, trace.WithSpanKind(opt.Kind))
		}
		if len(opt.Attributes) > 0 {
			options = append(options, trace.WithAttributes(opt.Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, options...)
}

// RecordError marks span failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets alternating key/value pairs on span. Pairs whose key
// is not a string are skipped.
//
//	tracer.SetAttributes(span, "tenant.generation", 3, "conversations.limit", 50)
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
		}
	}
	span.SetAttributes(attrs...)
}

// TraceCommand opens a span for one command on one tenant.
func (t *Tracer) TraceCommand(ctx context.Context, command, tenantID string) (context.Context, trace.Span) {
	return t.Start(ctx, "tenants."+command, SpanOptions{
		Kind:       trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{attribute.String("tenant.id", tenantID)},
	})
}

// TraceHTTPRequest opens a server span for an HTTP route.
func (t *Tracer) TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return t.Start(ctx, method+" "+route, SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		},
	})
}

// ExtractContext continues a trace propagated in carrier.
func (t *Tracer) ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SpanFromContext returns the span in ctx, or a non-recording span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceID returns the active trace id in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		return attribute.Int64(key, int64(v))
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
