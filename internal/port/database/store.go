// Package database defines the persistence port for gate evaluations,
// escalations, and API keys.
package database

import (
	"context"

	"github.com/specgate/specgate/internal/domain/apikey"
	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/domain/gate"
)

// Store is the port interface for durable state. Implementations return
// domain.ErrNotFound for missing entities.
type Store interface {
	// Evaluations (decision records).
	CreateEvaluation(ctx context.Context, e *gate.Evaluation) error
	UpdateEvaluation(ctx context.Context, e *gate.Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*gate.Evaluation, error)
	ListEvaluations(ctx context.Context, stage audit.Stage, limit int) ([]gate.Evaluation, error)

	// Escalations (pending human decisions).
	CreateEscalation(ctx context.Context, esc *gate.Escalation) error
	GetEscalation(ctx context.Context, id string) (*gate.Escalation, error)
	ListEscalations(ctx context.Context, status gate.EscalationStatus, limit int) ([]gate.Escalation, error)
	ResolveEscalation(ctx context.Context, esc *gate.Escalation) error

	// API keys.
	CreateAPIKey(ctx context.Context, k *apikey.Key) error
	GetAPIKey(ctx context.Context, id string) (*apikey.Key, error)
	TouchAPIKey(ctx context.Context, id string) error
}
