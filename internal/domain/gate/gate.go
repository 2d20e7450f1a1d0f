// Package gate defines the gate evaluation domain: the decision record a
// completed evaluation produces and the escalation records handed to the
// human decision boundary.
package gate

import (
	"time"

	"github.com/specgate/specgate/internal/domain/alignment"
	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/domain/consensus"
)

// Outcome is the terminal result of one gate evaluation.
type Outcome string

const (
	OutcomePending     Outcome = "pending"
	OutcomePass        Outcome = "pass"
	OutcomeFail        Outcome = "fail"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeUndecidable Outcome = "undecidable"
	OutcomeAborted     Outcome = "aborted"
)

// Terminal reports whether the outcome is final. Escalated evaluations can
// still move to pass, fail, or aborted through a human decision.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeUndecidable, OutcomeAborted:
		return true
	}
	return false
}

// Thresholds records the configuration a decision was made under, so the
// decision record is interpretable after config changes.
type Thresholds struct {
	ScoreThreshold     float64        `json:"score_threshold"`
	ApprovalFraction   float64        `json:"approval_fraction"`
	TrimFraction       float64        `json:"trim_fraction"`
	SeverityCeiling    audit.Severity `json:"severity_ceiling"`
	MaxAttemptsPerRole int            `json:"max_attempts_per_role"`
	MaxDeadlockRounds  int            `json:"max_deadlock_rounds"`
	CallBudget         int            `json:"call_budget"`
	MinRespondingRoles int            `json:"min_responding_roles"`
}

// Evaluation is the decision record for one gate evaluation. The originating
// request is retained so an ADD_CONTEXT decision can re-run the gate with the
// human's context folded in.
type Evaluation struct {
	ID         string              `json:"id"`
	Stage      audit.Stage         `json:"stage"`
	Outcome    Outcome             `json:"outcome"`
	Rounds     int                 `json:"rounds"`
	Request    *audit.AuditRequest `json:"request,omitempty"`
	Consensus  *consensus.Result   `json:"consensus,omitempty"`
	Alignment  *alignment.Result   `json:"alignment,omitempty"`
	Failures   []audit.RoleFailure `json:"failures,omitempty"`
	CallsUsed  int                 `json:"calls_used"`
	CacheHits  int                 `json:"cache_hits"`
	Reasons    []string            `json:"reasons"`
	Thresholds Thresholds          `json:"thresholds"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Passed reports whether the gate cleared: consensus PASS and alignment
// pass. Alignment passing never rescues a failed consensus.
func (e *Evaluation) Passed() bool {
	return e.Outcome == OutcomePass
}

// Decision is a human resolution supplied at the escalation boundary.
type Decision string

const (
	DecisionApprove    Decision = "APPROVE"
	DecisionRevise     Decision = "REVISE"
	DecisionAddContext Decision = "ADD_CONTEXT"
	DecisionOverride   Decision = "OVERRIDE"
	DecisionAbort      Decision = "ABORT"
)

// Valid reports whether d is a known human decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionRevise, DecisionAddContext, DecisionOverride, DecisionAbort:
		return true
	}
	return false
}

// RoleBreakdown is one role's view in a disagreement summary.
type RoleBreakdown struct {
	RoleID      string             `json:"role_id"`
	ProviderID  string             `json:"provider_id"`
	OverallPass bool               `json:"overall_pass"`
	Confidence  float64            `json:"confidence"`
	Scores      map[string]float64 `json:"scores"`
}

// Summary is the structured disagreement summary emitted on escalation.
type Summary struct {
	Roles         []RoleBreakdown               `json:"roles"`
	LowAgreement  []string                      `json:"low_agreement_dimensions"`
	Issues        []consensus.ConsolidatedIssue `json:"issues,omitempty"`
	AlignmentTodo []alignment.Mismatch          `json:"alignment_backlog,omitempty"`
	Attempts      int                           `json:"attempts"`
}

// EscalationStatus tracks an escalation record's lifecycle.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationResolved EscalationStatus = "resolved"
)

// Escalation is a pending human decision point. The core never blocks a
// goroutine on it; resolution arrives through the HTTP boundary.
type Escalation struct {
	ID            string           `json:"id"`
	EvaluationID  string           `json:"evaluation_id"`
	Summary       Summary          `json:"summary"`
	Status        EscalationStatus `json:"status"`
	Decision      Decision         `json:"decision,omitempty"`
	Justification string           `json:"justification,omitempty"`
	AddedContext  string           `json:"added_context,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// BuildSummary assembles the disagreement summary for an escalation from the
// final round's responses and results.
func BuildSummary(responses []audit.AuditorResponse, cons *consensus.Result, align *alignment.Result, attempts int) Summary {
	s := Summary{Attempts: attempts}
	for _, r := range responses {
		scores := make(map[string]float64, len(r.Scores))
		for _, ds := range r.Scores {
			scores[ds.Dimension] = ds.Score
		}
		s.Roles = append(s.Roles, RoleBreakdown{
			RoleID:      r.RoleID,
			ProviderID:  r.ProviderID,
			OverallPass: r.OverallPass,
			Confidence:  r.Confidence,
			Scores:      scores,
		})
	}
	if cons != nil {
		s.LowAgreement = cons.LowAgreementDimensions()
		s.Issues = cons.Issues
	}
	if align != nil {
		s.AlignmentTodo = align.Mismatches
	}
	return s
}
