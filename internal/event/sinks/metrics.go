package sinks

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/crustclub/crustclub/internal/event"
)

const meterName = "github.com/crustclub/crustclub/internal/event/sinks"

// Metrics records events as OpenTelemetry instruments.
type Metrics struct {
	requestDuration metric.Float64Histogram
	requestTotal    metric.Int64Counter
	checkFailures   metric.Int64Counter
	escalations     metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider, or on mp
// when given.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	requestDuration, err := meter.Float64Histogram(
		"monitor.request.duration",
		metric.WithDescription("Duration of monitored outbound calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"monitor.request.total",
		metric.WithDescription("Monitored outbound calls by outcome kind"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	checkFailures, err := meter.Int64Counter(
		"monitor.check.failures",
		metric.WithDescription("Validation check failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	escalations, err := meter.Int64Counter(
		"monitor.check.escalations",
		metric.WithDescription("Validation checks that reached the escalation threshold"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		checkFailures:   checkFailures,
		escalations:     escalations,
	}, nil
}

// Report records ev.
func (m *Metrics) Report(ctx context.Context, ev event.Event) error {
	switch v := ev.(type) {
	case event.RequestOutcome:
		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", v.Method),
			attribute.String("monitor.outcome", string(v.Kind)),
		}
		if v.StatusCode != 0 {
			attrs = append(attrs, attribute.String("http.response.status_code", strconv.Itoa(v.StatusCode)))
		}
		m.requestDuration.Record(ctx, v.Duration.Seconds(), metric.WithAttributes(attrs...))
		m.requestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	case event.CheckFailure:
		attrs := metric.WithAttributes(attribute.String("monitor.check_id", v.CheckID))
		m.checkFailures.Add(ctx, 1, attrs)
		if v.Escalated {
			m.escalations.Add(ctx, 1, attrs)
		}
	}
	return nil
}

var _ event.Sink = (*Metrics)(nil)
