package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventGateStatus    = "gate.status"
	EventRoleStatus    = "gate.role_status"
	EventEscalation    = "gate.escalation"
	EventHumanDecision = "gate.human_decision"
)

// GateStatusEvent is broadcast when a gate evaluation starts or reaches a
// terminal outcome.
type GateStatusEvent struct {
	EvaluationID string   `json:"evaluation_id"`
	Stage        string   `json:"stage"`
	Outcome      string   `json:"outcome,omitempty"`
	Rounds       int      `json:"rounds,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

// RoleStatusEvent is broadcast when one role task completes or fails.
type RoleStatusEvent struct {
	EvaluationID string `json:"evaluation_id"`
	RoleID       string `json:"role_id"`
	Status       string `json:"status"` // "completed" | "failed"
	FromCache    bool   `json:"from_cache,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// EscalationEvent is broadcast when a gate escalates to a human decision.
type EscalationEvent struct {
	EvaluationID string `json:"evaluation_id"`
	EscalationID string `json:"escalation_id"`
	Attempts     int    `json:"attempts"`
}

// HumanDecisionEvent is broadcast when an escalation is resolved.
type HumanDecisionEvent struct {
	EvaluationID string `json:"evaluation_id"`
	EscalationID string `json:"escalation_id"`
	Decision     string `json:"decision"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
