package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/upb/policy-gate"

// Metrics records gate events on the OpenTelemetry metric API.
// The zero value is unusable; construct with NewMetrics.
type Metrics struct {
	decisions     metric.Int64Counter
	tokenFailures metric.Int64Counter
	breakerEvents metric.Int64Counter
	driftUSD      metric.Float64Counter
}

// NewMetrics creates the gate instrument set on the global meter provider
func NewMetrics() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	decisions, err := meter.Int64Counter("gate.decisions",
		metric.WithDescription("Decisions by outcome and primary reason code"))
	if err != nil {
		return nil, err
	}

	tokenFailures, err := meter.Int64Counter("gate.token_failures",
		metric.WithDescription("Approval token consumption failures by category"))
	if err != nil {
		return nil, err
	}

	breakerEvents, err := meter.Int64Counter("gate.breaker_events",
		metric.WithDescription("Circuit breaker trips and resets"))
	if err != nil {
		return nil, err
	}

	driftUSD, err := meter.Float64Counter("gate.reservation_drift_usd",
		metric.WithDescription("Absolute reservation drift detected at reconciliation"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		decisions:     decisions,
		tokenFailures: tokenFailures,
		breakerEvents: breakerEvents,
		driftUSD:      driftUSD,
	}, nil
}

// RecordDecision counts one decision by outcome and primary reason
func (m *Metrics) RecordDecision(ctx context.Context, outcome string, reasonCodes []string) {
	if m == nil {
		return
	}
	primary := ""
	if len(reasonCodes) > 0 {
		primary = reasonCodes[0]
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", primary),
	))
}

// RecordTokenFailure counts a rejected token consumption by category
// (expired, binding_mismatch, replay, invalid)
func (m *Metrics) RecordTokenFailure(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.tokenFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordBreakerEvent counts a breaker transition (tripped, reset)
func (m *Metrics) RecordBreakerEvent(ctx context.Context, event string, tenantID string) {
	if m == nil {
		return
	}
	m.breakerEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("tenant_id", tenantID),
	))
}

// RecordDrift accumulates absolute drift observed at reconciliation
func (m *Metrics) RecordDrift(ctx context.Context, driftUSD float64, exceeded bool) {
	if m == nil {
		return
	}
	if driftUSD < 0 {
		driftUSD = -driftUSD
	}
	m.driftUSD.Add(ctx, driftUSD, metric.WithAttributes(
		attribute.Bool("exceeded_tolerance", exceeded),
	))
}
