package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "specgate"

// Metrics holds all SpecGate metric instruments.
type Metrics struct {
	ReviewerCalls metric.Int64Counter
	CacheHits     metric.Int64Counter
	CacheMisses   metric.Int64Counter
	GatesDecided  metric.Int64Counter
	Escalations   metric.Int64Counter
	GateDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ReviewerCalls, err = meter.Int64Counter("specgate.reviewer.calls",
		metric.WithDescription("Number of reviewer client calls issued"))
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("specgate.cache.hits",
		metric.WithDescription("Number of role tasks served from cache"))
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("specgate.cache.misses",
		metric.WithDescription("Number of role tasks dispatched on cache miss"))
	if err != nil {
		return nil, err
	}

	m.GatesDecided, err = meter.Int64Counter("specgate.gates.decided",
		metric.WithDescription("Number of gate evaluations reaching a terminal outcome"))
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("specgate.gates.escalated",
		metric.WithDescription("Number of gate evaluations escalated to a human"))
	if err != nil {
		return nil, err
	}

	m.GateDuration, err = meter.Float64Histogram("specgate.gate.duration_seconds",
		metric.WithDescription("Gate evaluation duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRound implements service.MetricsRecorder for one solicitation round.
func (m *Metrics) RecordRound(ctx context.Context, calls, cacheHits int) {
	m.ReviewerCalls.Add(ctx, int64(calls))
	m.CacheHits.Add(ctx, int64(cacheHits))
	m.CacheMisses.Add(ctx, int64(calls))
}

// RecordGate records a finished gate evaluation.
func (m *Metrics) RecordGate(ctx context.Context, outcome string, seconds float64) {
	m.GatesDecided.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.GateDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEscalation counts a gate handed to a human.
func (m *Metrics) RecordEscalation(ctx context.Context) {
	m.Escalations.Add(ctx, 1)
}
