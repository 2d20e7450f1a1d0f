package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/specgate/specgate/internal/config"
	"github.com/specgate/specgate/internal/domain"
	"github.com/specgate/specgate/internal/domain/alignment"
	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/domain/consensus"
	"github.com/specgate/specgate/internal/domain/gate"
	"github.com/specgate/specgate/internal/port/broadcast"
	"github.com/specgate/specgate/internal/port/database"
	"github.com/specgate/specgate/internal/port/messagequeue"
)

// WebSocket event types mirrored by the hub.
const (
	eventGateStatus    = "gate.status"
	eventRoleStatus    = "gate.role_status"
	eventEscalation    = "gate.escalation"
	eventHumanDecision = "gate.human_decision"
)

// MetricsRecorder receives gate telemetry. A nil recorder disables it.
type MetricsRecorder interface {
	RecordRound(ctx context.Context, calls, cacheHits int)
	RecordGate(ctx context.Context, outcome string, seconds float64)
	RecordEscalation(ctx context.Context)
}

// GateService runs gate evaluations end to end: it drives solicitation
// rounds through the scheduler, reduces them with the consensus engine,
// checks upstream alignment, and routes deadlocked or flagged evaluations
// to a human decision.
type GateService struct {
	store       database.Store
	queue       messagequeue.Queue
	broadcaster broadcast.Broadcaster
	scheduler   *Scheduler
	cfg         config.Gate
	metrics     MetricsRecorder
}

// NewGateService creates a GateService with all dependencies. metrics may
// be nil.
func NewGateService(store database.Store, queue messagequeue.Queue, broadcaster broadcast.Broadcaster,
	scheduler *Scheduler, cfg config.Gate, metrics MetricsRecorder) *GateService {
	return &GateService{
		store:       store,
		queue:       queue,
		broadcaster: broadcaster,
		scheduler:   scheduler,
		cfg:         cfg,
		metrics:     metrics,
	}
}

// Submit validates a request, persists a pending evaluation, and starts the
// evaluation in the background. The record is queryable immediately.
func (s *GateService) Submit(ctx context.Context, req *audit.AuditRequest) (*gate.Evaluation, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CallBudget == 0 {
		req.CallBudget = s.cfg.CallBudget
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	eval := &gate.Evaluation{
		ID:         req.ID,
		Stage:      req.Document.Stage,
		Outcome:    gate.OutcomePending,
		Request:    req,
		Thresholds: s.thresholds(req),
	}
	if err := s.store.CreateEvaluation(ctx, eval); err != nil {
		return nil, fmt.Errorf("create evaluation: %w", err)
	}

	go s.run(context.WithoutCancel(ctx), eval)
	return eval, nil
}

// run drives one evaluation to escalation or a terminal outcome.
func (s *GateService) run(ctx context.Context, eval *gate.Evaluation) {
	start := time.Now()
	req := eval.Request

	s.publish(ctx, messagequeue.SubjectGateStarted, messagequeue.GateStartedPayload{
		EvaluationID: eval.ID,
		Stage:        string(eval.Stage),
		Roles:        len(req.Roles),
	})
	s.broadcaster.BroadcastEvent(ctx, eventGateStatus, gateStatusEvent(eval))

	budget := NewBudget(req.CallBudget)
	consCfg := s.consensusConfig(req)

	for round := 0; round < s.cfg.MaxDeadlockRounds; round++ {
		eval.Rounds = round + 1

		result := s.scheduler.RunRound(ctx, req, budget, round)
		eval.CallsUsed += result.CallsUsed
		eval.CacheHits += result.CacheHits
		eval.Failures = append(eval.Failures, result.Failures...)
		s.publishRoundEvents(ctx, eval.ID, result)
		if s.metrics != nil {
			s.metrics.RecordRound(ctx, result.CallsUsed, result.CacheHits)
		}

		if result.Undecidable {
			eval.Reasons = append(eval.Reasons, fmt.Sprintf(
				"only %d of %d roles responded, below the floor of %d",
				len(result.Responses), len(req.Roles), s.cfg.MinRespondingRoles))
			s.escalate(ctx, eval, result.Responses, nil, nil, gate.OutcomeUndecidable)
			s.recordGate(ctx, eval, start)
			return
		}

		cons, err := consensus.Evaluate(result.Responses, consCfg)
		if err != nil {
			eval.Reasons = append(eval.Reasons, fmt.Sprintf("consensus: %v", err))
			s.escalate(ctx, eval, result.Responses, nil, nil, gate.OutcomeUndecidable)
			s.recordGate(ctx, eval, start)
			return
		}
		eval.Consensus = cons
		eval.Reasons = append(eval.Reasons, cons.Reasons...)

		align := alignment.Compare(req.Document, req.Upstream)
		eval.Alignment = &align

		// Policy-flagged stages hand the first round straight to a human,
		// whatever the panel concluded: no deadlock loop, no unattended fail.
		if s.humanReviewStage(eval.Stage) {
			eval.Reasons = append(eval.Reasons, fmt.Sprintf(
				"stage %s always requires a human decision", eval.Stage))
			s.escalate(ctx, eval, result.Responses, cons, &align, gate.OutcomeEscalated)
			s.recordGate(ctx, eval, start)
			return
		}

		switch cons.Decision {
		case consensus.DecisionPass:
			if !align.Pass {
				// Alignment is ANDed with consensus: a drifted document
				// fails even when the panel likes it.
				for _, m := range align.Mismatches {
					eval.Reasons = append(eval.Reasons, fmt.Sprintf(
						"alignment drift vs %s: %s %q (%s)", m.UpstreamStage, m.Kind, m.Name, m.ProposedEdit))
				}
				s.finish(ctx, eval, gate.OutcomeFail)
				s.recordGate(ctx, eval, start)
				return
			}
			s.finish(ctx, eval, gate.OutcomePass)
			s.recordGate(ctx, eval, start)
			return

		case consensus.DecisionFail:
			// A confident rejection terminates; only disputed rounds loop.
			s.finish(ctx, eval, gate.OutcomeFail)
			s.recordGate(ctx, eval, start)
			return

		case consensus.DecisionInconclusive:
			if round+1 < s.cfg.MaxDeadlockRounds && budget.Remaining() > 0 {
				slog.Info("gate: inconclusive round, re-soliciting",
					"evaluation_id", eval.ID, "round", round+1, "budget_left", budget.Remaining())
				continue
			}
			eval.Reasons = append(eval.Reasons, fmt.Sprintf(
				"still inconclusive after %d rounds", eval.Rounds))
			s.escalate(ctx, eval, result.Responses, cons, &align, gate.OutcomeEscalated)
			s.recordGate(ctx, eval, start)
			return
		}
	}
}

// finish persists a terminal outcome and announces it.
func (s *GateService) finish(ctx context.Context, eval *gate.Evaluation, outcome gate.Outcome) {
	eval.Outcome = outcome
	if err := s.store.UpdateEvaluation(ctx, eval); err != nil {
		slog.Error("gate: persist outcome", "evaluation_id", eval.ID, "error", err)
	}

	s.publish(ctx, messagequeue.SubjectGateDecided, messagequeue.GateDecidedPayload{
		EvaluationID: eval.ID,
		Stage:        string(eval.Stage),
		Outcome:      string(eval.Outcome),
		Rounds:       eval.Rounds,
		Reasons:      eval.Reasons,
	})
	s.broadcaster.BroadcastEvent(ctx, eventGateStatus, gateStatusEvent(eval))
	slog.Info("gate: decided", "evaluation_id", eval.ID, "stage", eval.Stage,
		"outcome", eval.Outcome, "rounds", eval.Rounds, "calls", eval.CallsUsed, "cache_hits", eval.CacheHits)
}

// escalate records the evaluation with the given outcome and opens a pending
// escalation carrying the disagreement summary. Nothing blocks on the human.
func (s *GateService) escalate(ctx context.Context, eval *gate.Evaluation,
	responses []audit.AuditorResponse, cons *consensus.Result, align *alignment.Result, outcome gate.Outcome) {

	eval.Outcome = outcome
	if err := s.store.UpdateEvaluation(ctx, eval); err != nil {
		slog.Error("gate: persist escalated evaluation", "evaluation_id", eval.ID, "error", err)
	}

	esc := &gate.Escalation{
		ID:           uuid.NewString(),
		EvaluationID: eval.ID,
		Summary:      gate.BuildSummary(responses, cons, align, eval.Rounds),
		Status:       gate.EscalationPending,
	}
	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		slog.Error("gate: create escalation", "evaluation_id", eval.ID, "error", err)
		return
	}

	s.publish(ctx, messagequeue.SubjectGateEscalated, messagequeue.GateEscalatedPayload{
		EvaluationID: eval.ID,
		EscalationID: esc.ID,
		Attempts:     eval.Rounds,
	})
	s.broadcaster.BroadcastEvent(ctx, eventEscalation, map[string]any{
		"evaluation_id": eval.ID,
		"escalation_id": esc.ID,
		"attempts":      eval.Rounds,
	})
	if s.metrics != nil {
		s.metrics.RecordEscalation(ctx)
	}
	slog.Info("gate: escalated", "evaluation_id", eval.ID, "escalation_id", esc.ID,
		"outcome", outcome, "rounds", eval.Rounds)
}

// Resolve applies a human decision to a pending escalation. OVERRIDE requires
// a justification; ADD_CONTEXT re-runs the gate with the context folded in.
func (s *GateService) Resolve(ctx context.Context, escalationID string, decision gate.Decision,
	justification, addedContext string) (*gate.Escalation, error) {

	if !decision.Valid() {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
	if decision == gate.DecisionOverride && justification == "" {
		return nil, errors.New("OVERRIDE requires a justification")
	}
	if decision == gate.DecisionAddContext && addedContext == "" {
		return nil, errors.New("ADD_CONTEXT requires added context")
	}

	esc, err := s.store.GetEscalation(ctx, escalationID)
	if err != nil {
		return nil, err
	}
	if esc.Status != gate.EscalationPending {
		return nil, fmt.Errorf("escalation %s: %w", escalationID, domain.ErrConflict)
	}

	now := time.Now()
	esc.Status = gate.EscalationResolved
	esc.Decision = decision
	esc.Justification = justification
	esc.AddedContext = addedContext
	esc.ResolvedAt = &now
	if err := s.store.ResolveEscalation(ctx, esc); err != nil {
		return nil, err
	}

	eval, err := s.store.GetEvaluation(ctx, esc.EvaluationID)
	if err != nil {
		return nil, err
	}

	switch decision {
	case gate.DecisionApprove:
		eval.Reasons = append(eval.Reasons, "human decision: APPROVE")
		s.finish(ctx, eval, gate.OutcomePass)
	case gate.DecisionOverride:
		eval.Reasons = append(eval.Reasons, "human decision: OVERRIDE: "+justification)
		s.finish(ctx, eval, gate.OutcomePass)
	case gate.DecisionRevise:
		eval.Reasons = append(eval.Reasons, "human decision: REVISE, document returned for rework")
		s.finish(ctx, eval, gate.OutcomeFail)
	case gate.DecisionAbort:
		eval.Reasons = append(eval.Reasons, "human decision: ABORT")
		s.finish(ctx, eval, gate.OutcomeAborted)
	case gate.DecisionAddContext:
		if _, err := s.resubmitWithContext(ctx, eval, addedContext); err != nil {
			return nil, err
		}
	}

	s.publish(ctx, messagequeue.SubjectGateResolved, messagequeue.GateResolvedPayload{
		EvaluationID: esc.EvaluationID,
		EscalationID: esc.ID,
		Decision:     string(decision),
	})
	s.broadcaster.BroadcastEvent(ctx, eventHumanDecision, map[string]any{
		"evaluation_id": esc.EvaluationID,
		"escalation_id": esc.ID,
		"decision":      string(decision),
	})
	return esc, nil
}

// resubmitWithContext starts a fresh evaluation of the same document with the
// human's context appended. The context changes the prompt, so the new run
// gets fresh cache keys instead of replaying the deadlocked round.
func (s *GateService) resubmitWithContext(ctx context.Context, prev *gate.Evaluation, addedContext string) (*gate.Evaluation, error) {
	if prev.Request == nil {
		return nil, fmt.Errorf("evaluation %s has no stored request to re-run", prev.ID)
	}

	req := *prev.Request
	req.ID = ""
	req.HumanContext = append(append([]string{}, req.HumanContext...), addedContext)
	req.CreatedAt = time.Time{}

	next, err := s.Submit(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("resubmit with context: %w", err)
	}

	prev.Reasons = append(prev.Reasons,
		fmt.Sprintf("human decision: ADD_CONTEXT, re-run as evaluation %s", next.ID))
	if err := s.store.UpdateEvaluation(ctx, prev); err != nil {
		slog.Error("gate: link re-run", "evaluation_id", prev.ID, "error", err)
	}
	return next, nil
}

// Get returns one evaluation by id.
func (s *GateService) Get(ctx context.Context, id string) (*gate.Evaluation, error) {
	return s.store.GetEvaluation(ctx, id)
}

// List returns recent evaluations, optionally filtered by stage.
func (s *GateService) List(ctx context.Context, stage audit.Stage, limit int) ([]gate.Evaluation, error) {
	if stage != "" && !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return s.store.ListEvaluations(ctx, stage, limit)
}

// GetEscalation returns one escalation by id.
func (s *GateService) GetEscalation(ctx context.Context, id string) (*gate.Escalation, error) {
	return s.store.GetEscalation(ctx, id)
}

// ListEscalations returns escalations, optionally filtered by status.
func (s *GateService) ListEscalations(ctx context.Context, status gate.EscalationStatus, limit int) ([]gate.Escalation, error) {
	return s.store.ListEscalations(ctx, status, limit)
}

func (s *GateService) consensusConfig(req *audit.AuditRequest) consensus.Config {
	weights := make(map[string]float64, len(s.cfg.Dimensions))
	for _, d := range s.cfg.Dimensions {
		weights[d.Name] = d.Weight
	}
	roleWeights := make(map[string]float64, len(req.Roles))
	for _, r := range req.Roles {
		if r.Weight > 0 {
			roleWeights[r.RoleID] = r.Weight
		}
	}
	return consensus.Config{
		ScoreThreshold:   s.cfg.ScoreThreshold,
		ApprovalFraction: s.cfg.ApprovalFraction,
		TrimFraction:     s.cfg.TrimFraction,
		SeverityCeiling:  audit.Severity(s.cfg.SeverityCeiling),
		DimensionWeights: weights,
		RoleWeights:      roleWeights,
	}
}

func (s *GateService) thresholds(req *audit.AuditRequest) gate.Thresholds {
	return gate.Thresholds{
		ScoreThreshold:     s.cfg.ScoreThreshold,
		ApprovalFraction:   s.cfg.ApprovalFraction,
		TrimFraction:       s.cfg.TrimFraction,
		SeverityCeiling:    audit.Severity(s.cfg.SeverityCeiling),
		MaxAttemptsPerRole: s.cfg.MaxAttemptsPerRole,
		MaxDeadlockRounds:  s.cfg.MaxDeadlockRounds,
		CallBudget:         req.CallBudget,
		MinRespondingRoles: s.cfg.MinRespondingRoles,
	}
}

func (s *GateService) humanReviewStage(stage audit.Stage) bool {
	for _, hs := range s.cfg.HumanReviewStages {
		if audit.Stage(hs) == stage {
			return true
		}
	}
	return false
}

func (s *GateService) publishRoundEvents(ctx context.Context, evaluationID string, result *audit.RoundResult) {
	for _, r := range result.Responses {
		s.publish(ctx, messagequeue.SubjectGateRoleCompleted, messagequeue.GateRolePayload{
			EvaluationID: evaluationID,
			RoleID:       r.RoleID,
			ProviderID:   r.ProviderID,
		})
		s.broadcaster.BroadcastEvent(ctx, eventRoleStatus, map[string]any{
			"evaluation_id": evaluationID,
			"role_id":       r.RoleID,
			"status":        "completed",
		})
	}
	for _, f := range result.Failures {
		s.publish(ctx, messagequeue.SubjectGateRoleFailed, messagequeue.GateRolePayload{
			EvaluationID: evaluationID,
			RoleID:       f.RoleID,
			Reason:       string(f.Reason),
		})
		s.broadcaster.BroadcastEvent(ctx, eventRoleStatus, map[string]any{
			"evaluation_id": evaluationID,
			"role_id":       f.RoleID,
			"status":        "failed",
			"reason":        string(f.Reason),
		})
	}
}

func (s *GateService) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("gate: marshal event", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("gate: publish event", "subject", subject, "error", err)
	}
}

func (s *GateService) recordGate(ctx context.Context, eval *gate.Evaluation, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordGate(ctx, string(eval.Outcome), time.Since(start).Seconds())
}

func gateStatusEvent(eval *gate.Evaluation) map[string]any {
	return map[string]any{
		"evaluation_id": eval.ID,
		"stage":         string(eval.Stage),
		"outcome":       string(eval.Outcome),
		"rounds":        eval.Rounds,
		"reasons":       eval.Reasons,
	}
}
