// Package audit defines the gate audit domain: requests, reviewer panels,
// and the structured opinions auditors return.
package audit

import "time"

// Stage identifies one of the six ordered lifecycle document stages.
type Stage string

const (
	StageVision             Stage = "vision"
	StageRequirements       Stage = "requirements"
	StageArchitecture       Stage = "architecture"
	StageImplementationPlan Stage = "implementation_plan"
	StageTestPlan           Stage = "test_plan"
	StageRelease            Stage = "release"
)

// stageOrder maps each stage to its position in the lifecycle.
var stageOrder = map[Stage]int{
	StageVision:             0,
	StageRequirements:       1,
	StageArchitecture:       2,
	StageImplementationPlan: 3,
	StageTestPlan:           4,
	StageRelease:            5,
}

// Valid reports whether s is a known lifecycle stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Index returns the stage's position in the lifecycle, or -1 if unknown.
func (s Stage) Index() int {
	i, ok := stageOrder[s]
	if !ok {
		return -1
	}
	return i
}

// Severity tags a blocking issue. Ordering: info < minor < major < critical < blocker.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
	SeverityBlocker  Severity = "blocker"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityMinor:    1,
	SeverityMajor:    2,
	SeverityCritical: 3,
	SeverityBlocker:  4,
}

// Valid reports whether s is a known severity tag.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Exceeds reports whether s is strictly more severe than ceiling.
func (s Severity) Exceeds(ceiling Severity) bool {
	return severityRank[s] > severityRank[ceiling]
}

// ProviderBinding names the model backend a role is bound to for one run.
type ProviderBinding struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
}

// RoleAssignment binds one rubric role to a provider, with an optional
// consensus weight (0 means default weight 1.0).
type RoleAssignment struct {
	RoleID   string          `json:"role_id"`
	Provider ProviderBinding `json:"provider"`
	Weight   float64         `json:"weight,omitempty"`
}

// Document is a lifecycle document under review.
type Document struct {
	Stage           Stage  `json:"stage"`
	Content         string `json:"content"`
	TemplateVersion string `json:"template_version"`
}

// AuditRequest is one gate evaluation request. Immutable after construction;
// all mutable round state lives in the scheduler.
type AuditRequest struct {
	ID           string           `json:"id"`
	Document     Document         `json:"document"`
	Upstream     []Document       `json:"upstream,omitempty"`
	Roles        []RoleAssignment `json:"roles"`
	CallBudget   int              `json:"call_budget"`
	HumanContext []string         `json:"human_context,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// DimensionScore is one rubric dimension's score from a single auditor.
type DimensionScore struct {
	Dimension     string  `json:"dimension"`
	Score         float64 `json:"score"`
	Pass          bool    `json:"pass"`
	Justification string  `json:"justification"`
}

// BlockingIssue is a severity-tagged finding that can unilaterally force a
// FAIL regardless of numeric consensus.
type BlockingIssue struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// AuditorResponse is a validated structured opinion from one role.
// Immutable once it has passed the response validator.
type AuditorResponse struct {
	RoleID         string           `json:"role_id"`
	ProviderID     string           `json:"provider_id"`
	Scores         []DimensionScore `json:"scores"`
	BlockingIssues []BlockingIssue  `json:"blocking_issues,omitempty"`
	OverallPass    bool             `json:"overall_pass"`
	Confidence     float64          `json:"confidence"`
}

// Score returns the score for the named dimension and whether it is present.
func (r *AuditorResponse) Score(dimension string) (DimensionScore, bool) {
	for _, s := range r.Scores {
		if s.Dimension == dimension {
			return s, true
		}
	}
	return DimensionScore{}, false
}

// FailReason classifies why a role reached no valid response.
type FailReason string

const (
	FailFatal           FailReason = "fatal"
	FailTimeout         FailReason = "timeout"
	FailBudgetExhausted FailReason = "budget_exhausted"
)

// RoleFailure records one role's terminal failure for the round.
type RoleFailure struct {
	RoleID string     `json:"role_id"`
	Reason FailReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// RoundResult is the scheduler's terminal state for one solicitation round.
type RoundResult struct {
	Responses   []AuditorResponse `json:"responses"`
	Failures    []RoleFailure     `json:"failures"`
	CallsUsed   int               `json:"calls_used"`
	CacheHits   int               `json:"cache_hits"`
	Undecidable bool              `json:"undecidable"`
}
