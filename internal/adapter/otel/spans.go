package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "specgate"

// StartGateSpan starts a span covering one full gate evaluation.
func StartGateSpan(ctx context.Context, evaluationID, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "gate",
		trace.WithAttributes(
			attribute.String("gate.evaluation_id", evaluationID),
			attribute.String("gate.stage", stage),
		),
	)
}

// StartRoleSpan starts a span for one role task attempt.
func StartRoleSpan(ctx context.Context, roleID, providerID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "role_task",
		trace.WithAttributes(
			attribute.String("role.id", roleID),
			attribute.String("role.provider", providerID),
			attribute.Int("role.attempt", attempt),
		),
	)
}
