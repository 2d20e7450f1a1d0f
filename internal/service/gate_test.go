package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/specgate/specgate/internal/domain"
	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/domain/gate"
	"github.com/specgate/specgate/internal/port/messagequeue"
	"github.com/specgate/specgate/internal/port/reviewer"
)

const passJSON = `{
  "scores": [
    {"dimension": "clarity", "score": 9, "pass": true, "justification": "crisp"},
    {"dimension": "completeness", "score": 8, "pass": true, "justification": "covers the rollout"}
  ],
  "blocking_issues": [],
  "overall_pass": true,
  "confidence": 0.9
}`

const failJSON = `{
  "scores": [
    {"dimension": "clarity", "score": 3, "pass": false, "justification": "ambiguous throughout"},
    {"dimension": "completeness", "score": 3, "pass": false, "justification": "no failure modes"}
  ],
  "blocking_issues": [
    {"severity": "major", "description": "no failure modes considered"}
  ],
  "overall_pass": false,
  "confidence": 0.85
}`

const criticalIssueJSON = `{
  "scores": [
    {"dimension": "clarity", "score": 9, "pass": true, "justification": "crisp"},
    {"dimension": "completeness", "score": 8, "pass": true, "justification": "thorough"}
  ],
  "blocking_issues": [
    {"severity": "critical", "description": "stores credentials in plaintext"}
  ],
  "overall_pass": true,
  "confidence": 0.9
}`

type gateHarness struct {
	svc         *GateService
	store       *mockStore
	queue       *mockQueue
	broadcaster *mockBroadcaster
	reviewer    *mockReviewer
}

func newGateHarness(fn func(ctx context.Context, req reviewer.Request, call int) (string, error)) *gateHarness {
	h := &gateHarness{
		store:       newMockStore(),
		queue:       newMockQueue(),
		broadcaster: &mockBroadcaster{},
		reviewer:    &mockReviewer{fn: fn},
	}
	cfg := schedulerConfig()
	h.svc = NewGateService(h.store, h.queue, h.broadcaster, newTestScheduler(h.reviewer, cfg), cfg, nil)
	return h
}

// waitForSettled polls until the evaluation leaves pending.
func waitForSettled(t *testing.T, store *mockStore, id string) *gate.Evaluation {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		eval, err := store.GetEvaluation(context.Background(), id)
		if err == nil && eval.Outcome != gate.OutcomePending {
			return eval
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("evaluation never settled")
	return nil
}

func gateRequest(stage audit.Stage, roles ...string) *audit.AuditRequest {
	req := schedulerRequest(roles...)
	req.ID = ""
	req.Document.Stage = stage
	return req
}

func TestGatePasses(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRequirements, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if eval.Outcome != gate.OutcomePending {
		t.Fatalf("submit outcome = %s, want pending", eval.Outcome)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomePass {
		t.Fatalf("outcome = %s, want pass (reasons: %v)", got.Outcome, got.Reasons)
	}
	if got.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1", got.Rounds)
	}
	if got.Consensus == nil || got.Alignment == nil {
		t.Fatal("settled evaluation must carry consensus and alignment results")
	}
	if h.queue.count(messagequeue.SubjectGateStarted) != 1 {
		t.Fatal("expected one started event")
	}
	if h.queue.count(messagequeue.SubjectGateDecided) != 1 {
		t.Fatal("expected one decided event")
	}
	if h.queue.count(messagequeue.SubjectGateRoleCompleted) != 2 {
		t.Fatal("expected two role completion events")
	}
}

func TestGateFailsOnConfidentRejection(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return failJSON, nil
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRequirements, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeFail {
		t.Fatalf("outcome = %s, want fail", got.Outcome)
	}
	if got.Rounds != 1 {
		t.Fatalf("a confident rejection must not loop, rounds = %d", got.Rounds)
	}
	if h.store.pendingEscalation() != nil {
		t.Fatal("a clean fail must not escalate")
	}
}

func TestGateFailsOnBlockingIssueAboveCeiling(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return criticalIssueJSON, nil
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRequirements, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeFail {
		t.Fatalf("outcome = %s, want fail on critical issue", got.Outcome)
	}
}

func TestGateFailsOnAlignmentDrift(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})

	req := gateRequest(audit.StageArchitecture, "security", "architecture")
	req.Upstream = []audit.Document{{
		Stage:   audit.StageVision,
		Content: "- metric: p99-latency = 250ms",
	}}
	req.Document.Content = "# Architecture\n- metric: p99-latency = 400ms"

	eval, err := h.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeFail {
		t.Fatalf("outcome = %s, want fail: drift must veto a passing panel", got.Outcome)
	}
	drift := false
	for _, r := range got.Reasons {
		if strings.Contains(r, "alignment drift") {
			drift = true
		}
	}
	if !drift {
		t.Fatalf("reasons lack the drift explanation: %v", got.Reasons)
	}
}

func TestGateEscalatesAfterDeadlockRounds(t *testing.T) {
	// Split panel every round: one reviewer loves it, one rejects it.
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, call int) (string, error) {
		if call%2 == 0 {
			return failJSON, nil
		}
		return passJSON, nil
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRequirements, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated (reasons: %v)", got.Outcome, got.Reasons)
	}
	if got.Rounds != h.svc.cfg.MaxDeadlockRounds {
		t.Fatalf("rounds = %d, want %d", got.Rounds, h.svc.cfg.MaxDeadlockRounds)
	}

	esc := h.store.pendingEscalation()
	if esc == nil {
		t.Fatal("expected a pending escalation")
	}
	if esc.EvaluationID != eval.ID {
		t.Fatalf("escalation points at %s, want %s", esc.EvaluationID, eval.ID)
	}
	if len(esc.Summary.Roles) != 2 {
		t.Fatalf("summary roles = %d, want 2", len(esc.Summary.Roles))
	}
	if len(esc.Summary.LowAgreement) == 0 {
		t.Fatal("summary must name the disputed dimensions")
	}
	if h.queue.count(messagequeue.SubjectGateEscalated) != 1 {
		t.Fatal("expected one escalated event")
	}
}

func TestGateEscalatesWhenUndecidable(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return "", &fatalErr{msg: "model unavailable"}
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRequirements, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeUndecidable {
		t.Fatalf("outcome = %s, want undecidable", got.Outcome)
	}
	if h.store.pendingEscalation() == nil {
		t.Fatal("undecidable evaluations must open an escalation")
	}
	if len(got.Failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(got.Failures))
	}
}

func TestGateHumanReviewStageEscalatesOnPass(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRelease, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated: release gates need a human", got.Outcome)
	}
	if h.store.pendingEscalation() == nil {
		t.Fatal("expected a pending escalation for the release gate")
	}
}

func TestGateHumanReviewStageEscalatesOnFirstRound(t *testing.T) {
	// Split panel on a flagged stage: the dispute must not burn deadlock
	// rounds before the human sees it.
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, call int) (string, error) {
		if call%2 == 0 {
			return failJSON, nil
		}
		return passJSON, nil
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRelease, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated (reasons: %v)", got.Outcome, got.Reasons)
	}
	if got.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1: flagged stages go to the human immediately", got.Rounds)
	}
	if got.CallsUsed != 2 {
		t.Fatalf("calls = %d, want 2", got.CallsUsed)
	}
	if h.store.pendingEscalation() == nil {
		t.Fatal("expected a pending escalation")
	}
}

func TestGateHumanReviewStageEscalatesOnFail(t *testing.T) {
	// Even a confident rejection on a flagged stage goes to the human
	// instead of terminating unattended.
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return failJSON, nil
	})

	eval, err := h.svc.Submit(context.Background(), gateRequest(audit.StageRelease, "security", "architecture"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomeEscalated {
		t.Fatalf("outcome = %s, want escalated, not an unattended %s", got.Outcome, gate.OutcomeFail)
	}
	if got.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1", got.Rounds)
	}
	esc := h.store.pendingEscalation()
	if esc == nil {
		t.Fatal("expected a pending escalation")
	}
	if esc.EvaluationID != eval.ID {
		t.Fatalf("escalation points at %s, want %s", esc.EvaluationID, eval.ID)
	}
}

func TestGateAppliesRoleWeights(t *testing.T) {
	const mildRejectJSON = `{
	  "scores": [
	    {"dimension": "clarity", "score": 8, "pass": true, "justification": "mostly clear"},
	    {"dimension": "completeness", "score": 7, "pass": true, "justification": "adequate"}
	  ],
	  "blocking_issues": [],
	  "overall_pass": false,
	  "confidence": 0.7
	}`

	h := newGateHarness(func(_ context.Context, req reviewer.Request, _ int) (string, error) {
		if req.Role == "security" {
			return passJSON, nil
		}
		return mildRejectJSON, nil
	})

	req := gateRequest(audit.StageRequirements, "security", "architecture")
	req.Roles[0].Weight = 3
	req.Roles[1].Weight = 1

	eval, err := h.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Approval weight 3 of 4 clears the 0.67 fraction that an unweighted
	// 1-of-2 panel would miss.
	got := waitForSettled(t, h.store, eval.ID)
	if got.Outcome != gate.OutcomePass {
		t.Fatalf("outcome = %s, want pass (reasons: %v)", got.Outcome, got.Reasons)
	}
	if got.Consensus == nil {
		t.Fatal("settled evaluation must carry the consensus result")
	}
	if got.Consensus.Approvals != 1 {
		t.Fatalf("approvals = %d, want the raw count 1", got.Consensus.Approvals)
	}
	if got.Consensus.ApprovalFraction != 0.75 {
		t.Fatalf("approval fraction = %.3f, want 0.75", got.Consensus.ApprovalFraction)
	}
}

// seedEscalated plants an escalated evaluation with a pending escalation so
// decision paths can be exercised without running the full pipeline.
func seedEscalated(t *testing.T, h *gateHarness) (*gate.Evaluation, *gate.Escalation) {
	t.Helper()
	req := gateRequest(audit.StageRequirements, "security", "architecture")
	req.ID = "eval-seeded"
	req.CreatedAt = time.Now()

	eval := &gate.Evaluation{
		ID:      req.ID,
		Stage:   req.Document.Stage,
		Outcome: gate.OutcomeEscalated,
		Rounds:  3,
		Request: req,
	}
	if err := h.store.CreateEvaluation(context.Background(), eval); err != nil {
		t.Fatalf("seed evaluation: %v", err)
	}

	esc := &gate.Escalation{
		ID:           "esc-seeded",
		EvaluationID: eval.ID,
		Summary:      gate.Summary{Attempts: 3},
		Status:       gate.EscalationPending,
	}
	if err := h.store.CreateEscalation(context.Background(), esc); err != nil {
		t.Fatalf("seed escalation: %v", err)
	}
	return eval, esc
}

func TestResolveApprove(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})
	eval, esc := seedEscalated(t, h)

	resolved, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionApprove, "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != gate.EscalationResolved || resolved.ResolvedAt == nil {
		t.Fatalf("escalation not resolved: %+v", resolved)
	}

	got, err := h.store.GetEvaluation(context.Background(), eval.ID)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	if got.Outcome != gate.OutcomePass {
		t.Fatalf("outcome = %s, want pass after APPROVE", got.Outcome)
	}
	if h.queue.count(messagequeue.SubjectGateResolved) != 1 {
		t.Fatal("expected one resolved event")
	}
}

func TestResolveRevise(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})
	eval, esc := seedEscalated(t, h)

	if _, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionRevise, "", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := h.store.GetEvaluation(context.Background(), eval.ID)
	if got.Outcome != gate.OutcomeFail {
		t.Fatalf("outcome = %s, want fail after REVISE", got.Outcome)
	}
}

func TestResolveAbort(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})
	eval, esc := seedEscalated(t, h)

	if _, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionAbort, "", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := h.store.GetEvaluation(context.Background(), eval.ID)
	if got.Outcome != gate.OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", got.Outcome)
	}
}

func TestResolveOverrideRequiresJustification(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})
	_, esc := seedEscalated(t, h)

	if _, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionOverride, "", ""); err == nil {
		t.Fatal("OVERRIDE without justification must fail")
	}
	if _, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionOverride, "shipping anyway, risk accepted", ""); err != nil {
		t.Fatalf("justified OVERRIDE: %v", err)
	}
}

func TestResolveRejectsUnknownDecision(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})
	_, esc := seedEscalated(t, h)

	if _, err := h.svc.Resolve(context.Background(), esc.ID, gate.Decision("ESCALATE_HARDER"), "", ""); err == nil {
		t.Fatal("unknown decisions must be rejected")
	}
}

func TestResolveTwiceConflicts(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})
	_, esc := seedEscalated(t, h)

	if _, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionApprove, "", ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionApprove, "", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second resolve error = %v, want conflict", err)
	}
}

func TestResolveAddContextRerunsGate(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})
	eval, esc := seedEscalated(t, h)

	added := "the latency budget was renegotiated with the platform team"
	if _, err := h.svc.Resolve(context.Background(), esc.ID, gate.DecisionAddContext, "", added); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	evals, err := h.store.ListEvaluations(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("evaluations = %d, want the original plus the re-run", len(evals))
	}

	var rerun *gate.Evaluation
	for i := range evals {
		if evals[i].ID != eval.ID {
			rerun = &evals[i]
		}
	}
	if rerun == nil || rerun.Request == nil {
		t.Fatal("re-run evaluation missing or lost its request")
	}
	found := false
	for _, c := range rerun.Request.HumanContext {
		if c == added {
			found = true
		}
	}
	if !found {
		t.Fatalf("re-run request lacks the added context: %v", rerun.Request.HumanContext)
	}

	got := waitForSettled(t, h.store, rerun.ID)
	if got.Outcome != gate.OutcomePass {
		t.Fatalf("re-run outcome = %s, want pass", got.Outcome)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})

	req := gateRequest(audit.StageRequirements, "security")
	req.Document.Content = ""
	if _, err := h.svc.Submit(context.Background(), req); err == nil {
		t.Fatal("empty documents must be rejected")
	}
}

func TestListRejectsUnknownStage(t *testing.T) {
	h := newGateHarness(func(_ context.Context, _ reviewer.Request, _ int) (string, error) {
		return passJSON, nil
	})

	if _, err := h.svc.List(context.Background(), audit.Stage("design"), 10); err == nil {
		t.Fatal("unknown stage filters must be rejected")
	}
}
