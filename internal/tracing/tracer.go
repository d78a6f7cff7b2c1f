package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SpanTransaction is the span covering one record's transaction.
const SpanTransaction = "amqp.transaction"

// Config holds configuration parameters for OpenTelemetry tracing setup.
type Config struct {
	Enabled        bool          `env:"TRACING_ENABLED" envDefault:"false"`
	ServiceName    string        `env:"TRACING_SERVICE_NAME" envDefault:"mtl-publisher"`
	ServiceVersion string        `env:"TRACING_SERVICE_VERSION" envDefault:"1.0.0"`
	Endpoint       string        `env:"TRACING_ENDPOINT" envDefault:"localhost:4318"`
	SampleRate     float64       `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
	BatchTimeout   time.Duration `env:"TRACING_BATCH_TIMEOUT" envDefault:"1s"`
	ExportTimeout  time.Duration `env:"TRACING_EXPORT_TIMEOUT" envDefault:"30s"`
}

// Tracer wraps the OpenTelemetry tracer with helpers for publish
// transactions.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer configures OTLP HTTP export when tracing is enabled and a
// no-op tracer otherwise. The returned cleanup flushes pending spans.
func NewTracer(config Config) (*Tracer, func(context.Context) error, error) {
	if !config.Enabled {
		return NewWithProvider(noop.NewTracerProvider()), func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithExportTimeout(config.ExportTimeout),
		),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cleanup := func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			return fmt.Errorf("failed to flush traces: %w", err)
		}
		return tp.Shutdown(ctx)
	}
	return NewWithProvider(tp), cleanup, nil
}

// NewWithProvider builds a Tracer on an existing provider.
func NewWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer("mtl-publisher")}
}

// StartTransaction opens the span for record seq published under key.
func (t *Tracer) StartTransaction(exchange, key string, seq int) trace.Span {
	_, span := t.tracer.Start(context.Background(), SpanTransaction,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(TransactionAttributes(exchange, key, seq)...),
	)
	return span
}

// End closes span with the transaction's outcome. A nil err marks it ok.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TransactionAttributes creates the standard attributes for a publish
// transaction.
func TransactionAttributes(exchange, key string, seq int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", key),
		attribute.Int("mtl.record.sequence", seq),
	}
}
