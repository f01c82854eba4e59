package observability

import (
	"context"
	"fmt"

	"chemgate/internal/models"
	"chemgate/internal/ratelimit"
	"chemgate/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "chemgate/admission"

// QueueSource reports pool occupancy.
type QueueSource interface {
	QueueStatus(ctx context.Context) (models.QueueStatus, error)
}

// ChannelCounter reports the number of open push channels.
type ChannelCounter interface {
	Count() int
}

// RegisterAdmissionMetrics registers observable gauges for the active set, the
// waiting queue, free slots and open push channels. channels may be nil.
// Unregister the returned registration on shutdown.
func RegisterAdmissionMetrics(queue QueueSource, channels ChannelCounter) (metric.Registration, error) {
	meter := otel.Meter(meterName)

	active, err := meter.Int64ObservableGauge("sessions.active",
		metric.WithDescription("Sessions currently holding a processing slot"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}
	waiting, err := meter.Int64ObservableGauge("sessions.waiting",
		metric.WithDescription("Sessions waiting in the admission queue"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}
	available, err := meter.Int64ObservableGauge("sessions.available_slots",
		metric.WithDescription("Free processing slots"),
		metric.WithUnit("{slot}"),
	)
	if err != nil {
		return nil, err
	}
	connected, err := meter.Int64ObservableGauge("realtime.channels",
		metric.WithDescription("Open push channels"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		status, err := queue.QueueStatus(ctx)
		if err != nil {
			return fmt.Errorf("read queue status: %w", err)
		}
		o.ObserveInt64(active, int64(status.ActiveSessions))
		o.ObserveInt64(waiting, int64(status.WaitingQueueLength))
		o.ObserveInt64(available, int64(status.AvailableSlots))
		if channels != nil {
			o.ObserveInt64(connected, int64(channels.Count()))
		}
		return nil
	}, active, waiting, available, connected)
}

// SessionMetrics counts session lifecycle transitions by type.
type SessionMetrics struct {
	transitions metric.Int64Counter
}

var _ session.Listener = (*SessionMetrics)(nil)

func NewSessionMetrics() (*SessionMetrics, error) {
	counter, err := otel.Meter(meterName).Int64Counter("sessions.transitions",
		metric.WithDescription("Session lifecycle transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	return &SessionMetrics{transitions: counter}, nil
}

func (m *SessionMetrics) SessionsChanged(events []models.SessionEvent) {
	ctx := context.Background()
	for _, ev := range events {
		n := int64(1)
		if ev.Type == models.SessionEventReset {
			n = int64(ev.Count)
		}
		m.transitions.Add(ctx, n, metric.WithAttributes(attribute.String("type", ev.Type)))
	}
}

// RateLimitMetrics counts rate limit decisions and records issued penalties.
type RateLimitMetrics struct {
	decisions metric.Int64Counter
	penalties metric.Float64Histogram
}

var _ ratelimit.Observer = (*RateLimitMetrics)(nil)

func NewRateLimitMetrics() (*RateLimitMetrics, error) {
	meter := otel.Meter("chemgate/ratelimit")

	decisions, err := meter.Int64Counter("ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by category and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	penalties, err := meter.Float64Histogram("ratelimit.penalty.duration",
		metric.WithDescription("Penalty durations issued on violations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 10, 15, 20, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}
	return &RateLimitMetrics{decisions: decisions, penalties: penalties}, nil
}

func (m *RateLimitMetrics) ObserveDecision(_ string, d ratelimit.Decision) {
	ctx := context.Background()
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(d.Category)),
		attribute.String("outcome", outcome),
		attribute.String("reason", d.Reason),
	))
	if d.Reason == ratelimit.ReasonExceeded {
		m.penalties.Record(ctx, d.RetryAfter.Seconds(),
			metric.WithAttributes(attribute.String("category", string(d.Category))))
	}
}
