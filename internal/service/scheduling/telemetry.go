package scheduling

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "physiolink/backend/internal/service/scheduling"

type metrics struct {
	claims        metric.Int64Counter
	conflicts     metric.Int64Counter
	reaped        metric.Int64Counter
	compensations metric.Int64Counter
	selfCancelled metric.Int64Counter
}

func newMetrics(meter metric.Meter) metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return metrics{
		claims:        counter("physiolink.reservations.claimed", "Slot reservations taken"),
		conflicts:     counter("physiolink.reservations.conflicts", "Slot reservations refused because the slot was held"),
		reaped:        counter("physiolink.reservations.reaped", "Stale ownerless reservations deleted"),
		compensations: counter("physiolink.reservations.compensated", "Reservations released after a failed record write"),
		selfCancelled: counter("physiolink.appointments.self_cancelled", "Appointments withdrawn after losing their reservation"),
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "scheduling."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func kindAttr(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}
