package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/specgate/specgate/internal/config"
	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/port/cache"
	"github.com/specgate/specgate/internal/port/reviewer"
)

// Budget is the shared reviewer-call allowance for one gate evaluation.
// Rounds draw from the same budget; cache hits are free.
type Budget struct {
	remaining atomic.Int64
}

// NewBudget creates a budget of n reviewer calls.
func NewBudget(n int) *Budget {
	b := &Budget{}
	b.remaining.Store(int64(n))
	return b
}

// Take consumes one call from the budget. It returns false when the budget
// is exhausted, leaving the counter at zero or below.
func (b *Budget) Take() bool {
	return b.remaining.Add(-1) >= 0
}

// Remaining returns the calls left, clamped at zero.
func (b *Budget) Remaining() int {
	r := b.remaining.Load()
	if r < 0 {
		return 0
	}
	return int(r)
}

// Scheduler fans one audit request out to its reviewer panel: cache-first,
// bounded in-flight, per-task deadline, bounded retries, shared call budget.
type Scheduler struct {
	client    reviewer.Client
	cache     cache.Cache
	validator *Validator
	cfg       config.Gate
}

// NewScheduler creates a Scheduler with all dependencies.
func NewScheduler(client reviewer.Client, c cache.Cache, validator *Validator, cfg config.Gate) *Scheduler {
	return &Scheduler{
		client:    client,
		cache:     c,
		validator: validator,
		cfg:       cfg,
	}
}

// RunRound solicits every role once and collects the surviving responses.
// round is zero-based; later rounds render a different prompt framing so
// re-solicitation does not replay the cache.
func (s *Scheduler) RunRound(ctx context.Context, req *audit.AuditRequest, budget *Budget, round int) *audit.RoundResult {
	sem := semaphore.NewWeighted(int64(s.cfg.MaxInFlight))

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result audit.RoundResult
	)

	for _, role := range req.Roles {
		wg.Add(1)
		go func(role audit.RoleAssignment) {
			defer wg.Done()

			resp, fromCache, calls, failure := s.runRole(ctx, req, role, budget, round, sem)

			mu.Lock()
			defer mu.Unlock()
			result.CallsUsed += calls
			if fromCache {
				result.CacheHits++
			}
			if failure != nil {
				result.Failures = append(result.Failures, *failure)
				return
			}
			result.Responses = append(result.Responses, *resp)
		}(role)
	}
	wg.Wait()

	result.Undecidable = len(result.Responses) < s.cfg.MinRespondingRoles
	return &result
}

// runRole drives one role to a validated response or a terminal failure.
func (s *Scheduler) runRole(ctx context.Context, req *audit.AuditRequest, role audit.RoleAssignment,
	budget *Budget, round int, sem *semaphore.Weighted) (*audit.AuditorResponse, bool, int, *audit.RoleFailure) {

	var lastErr error
	calls := 0

	for attempt := 0; attempt < s.cfg.MaxAttemptsPerRole; attempt++ {
		prompt := s.renderPrompt(req, role, round, attempt)
		key := audit.CacheKey(role.Provider.ProviderID, role.RoleID,
			req.Document.TemplateVersion, prompt, req.Document.Content)

		// Cache first: an identical solicitation never spends budget.
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var resp audit.AuditorResponse
			if err := json.Unmarshal(data, &resp); err == nil {
				return &resp, true, calls, nil
			}
			slog.Warn("scheduler: corrupt cache entry", "role", role.RoleID, "error", err)
		}

		if !budget.Take() {
			return nil, false, calls, &audit.RoleFailure{
				RoleID: role.RoleID,
				Reason: audit.FailBudgetExhausted,
				Detail: "call budget exhausted before dispatch",
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, false, calls, &audit.RoleFailure{
				RoleID: role.RoleID,
				Reason: audit.FailFatal,
				Detail: fmt.Sprintf("canceled while queued: %v", err),
			}
		}

		raw, err := s.callWithDeadline(ctx, role, prompt, req.Document)
		sem.Release(1)
		calls++

		if err != nil {
			lastErr = err
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				slog.Warn("scheduler: role timed out", "role", role.RoleID, "attempt", attempt+1)
				continue
			case reviewer.IsFatal(err):
				return nil, false, calls, &audit.RoleFailure{
					RoleID: role.RoleID,
					Reason: audit.FailFatal,
					Detail: err.Error(),
				}
			default:
				slog.Warn("scheduler: role call failed", "role", role.RoleID, "attempt", attempt+1, "error", err)
				continue
			}
		}

		resp, err := s.validator.Parse(role.RoleID, role.Provider.ProviderID, raw)
		if err != nil {
			lastErr = err
			var verr *ValidationError
			if errors.As(err, &verr) && verr.Retryable {
				slog.Warn("scheduler: response rejected", "role", role.RoleID, "attempt", attempt+1, "reason", verr.Reason)
				continue
			}
			return nil, false, calls, &audit.RoleFailure{
				RoleID: role.RoleID,
				Reason: audit.FailFatal,
				Detail: err.Error(),
			}
		}

		if data, err := json.Marshal(resp); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cfg.CacheTTL); err != nil {
				slog.Warn("scheduler: cache write failed", "role", role.RoleID, "error", err)
			}
		}
		return resp, false, calls, nil
	}

	reason := audit.FailFatal
	detail := "attempts exhausted"
	if lastErr != nil {
		detail = lastErr.Error()
		if errors.Is(lastErr, context.DeadlineExceeded) {
			reason = audit.FailTimeout
		}
	}
	return nil, false, calls, &audit.RoleFailure{RoleID: role.RoleID, Reason: reason, Detail: detail}
}

func (s *Scheduler) callWithDeadline(ctx context.Context, role audit.RoleAssignment, prompt string, doc audit.Document) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	return s.client.Review(callCtx, reviewer.Request{
		Role:     role.RoleID,
		Provider: role.Provider,
		Prompt:   prompt,
		Document: doc,
	})
}

// renderPrompt builds the role-framed solicitation. Round and attempt are
// folded into the text so re-solicitations and re-prompts produce distinct
// cache keys and give the model a different angle on the same document.
func (s *Scheduler) renderPrompt(req *audit.AuditRequest, role audit.RoleAssignment, round, attempt int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %s reviewer auditing a %s document (template %s).\n\n",
		role.RoleID, req.Document.Stage, req.Document.TemplateVersion)

	b.WriteString("Score each rubric dimension from 0 to 10 with a short justification:\n")
	for _, d := range s.cfg.Dimensions {
		fmt.Fprintf(&b, "- %s\n", d.Name)
	}
	fmt.Fprintf(&b, "\nA dimension passes at %.1f or above. ", s.cfg.PassFloor)
	b.WriteString("List blocking issues with a severity from: info, minor, major, critical, blocker.\n\n")

	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString("```json\n{\"scores\": [{\"dimension\": \"...\", \"score\": 0, \"pass\": false, \"justification\": \"...\"}], " +
		"\"blocking_issues\": [{\"severity\": \"...\", \"description\": \"...\"}], " +
		"\"overall_pass\": false, \"confidence\": 0.0}\n```\n")

	if round > 0 {
		fmt.Fprintf(&b, "\nThis is re-solicitation round %d: the panel disagreed last round. "+
			"Re-examine the document from first principles before scoring.\n", round+1)
	}
	if attempt > 0 {
		b.WriteString("\nYour previous reply was not valid. Return ONLY the JSON object, no prose, " +
			"every dimension scored exactly once.\n")
	}

	if len(req.HumanContext) > 0 {
		b.WriteString("\nAdditional context from the project owner:\n")
		for _, c := range req.HumanContext {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(req.Upstream) > 0 {
		b.WriteString("\nUpstream documents this one must stay consistent with:\n")
		for _, up := range req.Upstream {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", up.Stage, up.Content)
		}
	}

	fmt.Fprintf(&b, "\n--- document under review (%s) ---\n%s\n", req.Document.Stage, req.Document.Content)
	return b.String()
}
