package observability

import (
	"context"
	"time"

	"chemgate/internal/models"
	"chemgate/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedEventStore wraps a storage.EventStore implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedEventStore struct {
	inner    storage.EventStore
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ storage.EventStore = (*InstrumentedEventStore)(nil)

// NewInstrumentedEventStore creates a new store wrapper that records trace spans,
// operation latency histograms, and error counters for every store method call.
func NewInstrumentedEventStore(inner storage.EventStore) (*InstrumentedEventStore, error) {
	tracer := otel.Tracer("chemgate/storage")
	meter := otel.Meter("chemgate/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedEventStore{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedEventStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedEventStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func filterAttrs(f models.EventFilter) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int("limit", f.Limit)}
	if f.Kind != "" {
		attrs = append(attrs, attribute.String("kind", f.Kind))
	}
	return attrs
}

func (s *InstrumentedEventStore) Append(ctx context.Context, event *models.AuditEvent) error {
	ctx, span := s.startSpan(ctx, "Append", attribute.String("kind", event.Kind))
	start := time.Now()
	err := s.inner.Append(ctx, event)
	s.record(ctx, span, "Append", start, err)
	return err
}

func (s *InstrumentedEventStore) List(ctx context.Context, filter models.EventFilter) ([]*models.AuditEvent, error) {
	ctx, span := s.startSpan(ctx, "List", filterAttrs(filter)...)
	start := time.Now()
	result, err := s.inner.List(ctx, filter)
	s.record(ctx, span, "List", start, err)
	return result, err
}

func (s *InstrumentedEventStore) Count(ctx context.Context, filter models.EventFilter) (int, error) {
	ctx, span := s.startSpan(ctx, "Count", filterAttrs(filter)...)
	start := time.Now()
	result, err := s.inner.Count(ctx, filter)
	s.record(ctx, span, "Count", start, err)
	return result, err
}

func (s *InstrumentedEventStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedEventStore) Close() error {
	return s.inner.Close()
}
