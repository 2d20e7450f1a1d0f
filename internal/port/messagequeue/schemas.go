package messagequeue

// GateStartedPayload is the schema for gates.started messages.
type GateStartedPayload struct {
	EvaluationID string `json:"evaluation_id"`
	Stage        string `json:"stage"`
	Roles        int    `json:"roles"`
}

// GateRolePayload is the schema for gates.role_completed and
// gates.role_failed messages.
type GateRolePayload struct {
	EvaluationID string `json:"evaluation_id"`
	RoleID       string `json:"role_id"`
	ProviderID   string `json:"provider_id,omitempty"`
	FromCache    bool   `json:"from_cache,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// GateDecidedPayload is the schema for gates.decided messages.
type GateDecidedPayload struct {
	EvaluationID string   `json:"evaluation_id"`
	Stage        string   `json:"stage"`
	Outcome      string   `json:"outcome"`
	Rounds       int      `json:"rounds"`
	Reasons      []string `json:"reasons"`
}

// GateEscalatedPayload is the schema for gates.escalated messages.
type GateEscalatedPayload struct {
	EvaluationID string `json:"evaluation_id"`
	EscalationID string `json:"escalation_id"`
	Attempts     int    `json:"attempts"`
}

// GateResolvedPayload is the schema for gates.resolved messages.
type GateResolvedPayload struct {
	EvaluationID string `json:"evaluation_id"`
	EscalationID string `json:"escalation_id"`
	Decision     string `json:"decision"`
}
