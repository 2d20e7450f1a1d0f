// Package consensus reduces a set of validated auditor responses into a
// single gate decision: per-dimension trimmed means, agreement levels,
// approval counting, and the blocking-issue override. Everything here is
// pure and deterministic for a given input set and configuration.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/specgate/specgate/internal/domain/audit"
)

// Decision is the terminal outcome of one consensus evaluation.
type Decision string

const (
	DecisionPass         Decision = "PASS"
	DecisionFail         Decision = "FAIL"
	DecisionInconclusive Decision = "INCONCLUSIVE"
)

// Agreement buckets the dispersion of one dimension's untrimmed scores.
type Agreement string

const (
	AgreementHigh   Agreement = "high"
	AgreementMedium Agreement = "medium"
	AgreementLow    Agreement = "low"
)

// Dispersion cutoffs for agreement classification (standard deviation of
// the untrimmed score set).
const (
	highAgreementMaxStdDev   = 0.5
	mediumAgreementMaxStdDev = 1.0
)

// Config holds the thresholds for one consensus evaluation.
type Config struct {
	ScoreThreshold   float64
	ApprovalFraction float64
	TrimFraction     float64
	SeverityCeiling  audit.Severity
	// DimensionWeights weights each dimension's trimmed mean in the overall
	// score. Missing dimensions default to 1.0.
	DimensionWeights map[string]float64
	// RoleWeights weights each role's scores and approval contribution.
	// Missing or non-positive entries default to 1.0.
	RoleWeights map[string]float64
}

// roleWeight returns the weight for one role, defaulting to 1.0.
func (c Config) roleWeight(roleID string) float64 {
	if w, ok := c.RoleWeights[roleID]; ok && w > 0 {
		return w
	}
	return 1.0
}

// Validate checks cfg for out-of-range thresholds.
func (c Config) Validate() error {
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 10 {
		return fmt.Errorf("score threshold %.2f outside [0,10]", c.ScoreThreshold)
	}
	if c.ApprovalFraction < 0 || c.ApprovalFraction > 1 {
		return fmt.Errorf("approval fraction %.2f outside [0,1]", c.ApprovalFraction)
	}
	if c.TrimFraction < 0 || c.TrimFraction >= 0.5 {
		return fmt.Errorf("trim fraction %.2f outside [0,0.5)", c.TrimFraction)
	}
	if !c.SeverityCeiling.Valid() {
		return fmt.Errorf("unknown severity ceiling %q", c.SeverityCeiling)
	}
	return nil
}

// DimensionResult is the reduced view of one rubric dimension.
type DimensionResult struct {
	Dimension   string    `json:"dimension"`
	TrimmedMean float64   `json:"trimmed_mean"`
	StdDev      float64   `json:"std_dev"`
	Agreement   Agreement `json:"agreement"`
	Samples     int       `json:"samples"`
}

// ConsolidatedIssue is a blocking issue deduplicated across roles, with the
// number of roles that reported it.
type ConsolidatedIssue struct {
	Severity    audit.Severity `json:"severity"`
	Description string         `json:"description"`
	Count       int            `json:"count"`
}

// Result is the outcome of one consensus evaluation. Never mutated; a new
// round produces a fresh Result.
type Result struct {
	Dimensions       []DimensionResult   `json:"dimensions"`
	WeightedScore    float64             `json:"weighted_score"`
	Approvals        int                 `json:"approvals"`
	TotalRoles       int                 `json:"total_roles"`
	ApprovalFraction float64             `json:"approval_fraction"`
	Decision         Decision            `json:"decision"`
	Issues           []ConsolidatedIssue `json:"issues,omitempty"`
	Reasons          []string            `json:"reasons"`
}

// LowAgreementDimensions returns the dimensions classified as low agreement.
func (r *Result) LowAgreementDimensions() []string {
	var dims []string
	for _, d := range r.Dimensions {
		if d.Agreement == AgreementLow {
			dims = append(dims, d.Dimension)
		}
	}
	return dims
}

// Evaluate reduces responses into a Result. The response set must be
// non-empty; permuting it does not change the outcome.
func Evaluate(responses []audit.AuditorResponse, cfg Config) (*Result, error) {
	if len(responses) == 0 {
		return nil, fmt.Errorf("consensus requires at least one response")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res := &Result{TotalRoles: len(responses)}

	// Collect scores per dimension across all responding roles, each
	// carrying its role's consensus weight.
	byDimension := make(map[string][]sample)
	for _, r := range responses {
		w := cfg.roleWeight(r.RoleID)
		for _, s := range r.Scores {
			byDimension[s.Dimension] = append(byDimension[s.Dimension], sample{score: s.Score, weight: w})
		}
	}

	// Sort dimension names so the result is independent of map iteration
	// and of response ordering.
	dims := make([]string, 0, len(byDimension))
	for d := range byDimension {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	var weightedSum, weightTotal float64
	lowAgreement := false
	for _, d := range dims {
		samples := byDimension[d]
		sd := stdDev(samples)
		dr := DimensionResult{
			Dimension:   d,
			TrimmedMean: trimmedMean(samples, cfg.TrimFraction),
			StdDev:      sd,
			Agreement:   classifyAgreement(sd),
			Samples:     len(samples),
		}
		if dr.Agreement == AgreementLow {
			lowAgreement = true
		}
		res.Dimensions = append(res.Dimensions, dr)

		w := 1.0
		if cw, ok := cfg.DimensionWeights[d]; ok && cw > 0 {
			w = cw
		}
		weightedSum += dr.TrimmedMean * w
		weightTotal += w
	}
	if weightTotal > 0 {
		res.WeightedScore = weightedSum / weightTotal
	}

	var approvalWeight, totalWeight float64
	for _, r := range responses {
		w := cfg.roleWeight(r.RoleID)
		totalWeight += w
		if r.OverallPass {
			res.Approvals++
			approvalWeight += w
		}
	}
	res.ApprovalFraction = approvalWeight / totalWeight

	res.Issues = consolidateIssues(responses)

	// Decision: all three conditions independently necessary.
	scoreOK := res.WeightedScore >= cfg.ScoreThreshold
	approvalOK := res.ApprovalFraction >= cfg.ApprovalFraction
	severityOK := true
	for _, issue := range res.Issues {
		if issue.Severity.Exceeds(cfg.SeverityCeiling) {
			severityOK = false
			res.Reasons = append(res.Reasons, fmt.Sprintf(
				"blocking issue above severity ceiling %s: [%s] %s (reported by %d)",
				cfg.SeverityCeiling, issue.Severity, issue.Description, issue.Count))
		}
	}
	if !scoreOK {
		res.Reasons = append(res.Reasons, fmt.Sprintf(
			"weighted score %.2f below threshold %.2f", res.WeightedScore, cfg.ScoreThreshold))
	}
	if !approvalOK {
		res.Reasons = append(res.Reasons, fmt.Sprintf(
			"approval fraction %.3f (%d/%d) below threshold %.3f",
			res.ApprovalFraction, res.Approvals, res.TotalRoles, cfg.ApprovalFraction))
	}

	switch {
	case lowAgreement:
		// Low agreement escalates regardless of the mean: it routes to the
		// deadlock handler instead of a hard FAIL, because a confidently
		// rejected document should not loop while a disputed one should.
		res.Decision = DecisionInconclusive
		res.Reasons = append(res.Reasons, fmt.Sprintf(
			"low agreement on dimensions: %s", strings.Join(res.LowAgreementDimensions(), ", ")))
	case scoreOK && approvalOK && severityOK:
		res.Decision = DecisionPass
		res.Reasons = append(res.Reasons, "all pass conditions met")
	default:
		res.Decision = DecisionFail
	}

	return res, nil
}

// sample is one role's score for a dimension with that role's weight.
type sample struct {
	score  float64
	weight float64
}

// trimmedMean sorts samples by score, drops the trim fraction from each side
// (rounded toward keeping at least one score), and takes the weighted average
// of the remainder.
func trimmedMean(samples []sample, fraction float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]sample, len(samples))
	copy(sorted, samples)
	// Ties break on weight so the kept set is stable under permutation.
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score < sorted[j].score
		}
		return sorted[i].weight < sorted[j].weight
	})

	// Round the drop count up, but never trim away the whole set.
	drop := int(math.Ceil(float64(len(sorted)) * fraction))
	if 2*drop >= len(sorted) {
		drop = (len(sorted) - 1) / 2
	}
	kept := sorted[drop : len(sorted)-drop]

	var sum, weight float64
	for _, s := range kept {
		sum += s.score * s.weight
		weight += s.weight
	}
	return sum / weight
}

// stdDev is the population standard deviation of the untrimmed, unweighted
// score set. Dispersion measures how much the panel disagrees; a heavy role
// does not make the others agree with it.
func stdDev(samples []sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.score
	}
	mean := sum / float64(len(samples))
	var variance float64
	for _, s := range samples {
		variance += (s.score - mean) * (s.score - mean)
	}
	return math.Sqrt(variance / float64(len(samples)))
}

func classifyAgreement(sd float64) Agreement {
	switch {
	case sd <= highAgreementMaxStdDev:
		return AgreementHigh
	case sd <= mediumAgreementMaxStdDev:
		return AgreementMedium
	default:
		return AgreementLow
	}
}

// consolidateIssues unions all roles' blocking issues, deduplicated by
// normalized description, keeping the highest severity and a frequency count.
func consolidateIssues(responses []audit.AuditorResponse) []ConsolidatedIssue {
	type entry struct {
		issue ConsolidatedIssue
		key   string
	}
	index := make(map[string]int)
	var entries []entry
	for _, r := range responses {
		for _, bi := range r.BlockingIssues {
			key := normalizeDescription(bi.Description)
			if i, ok := index[key]; ok {
				entries[i].issue.Count++
				if bi.Severity.Exceeds(entries[i].issue.Severity) {
					entries[i].issue.Severity = bi.Severity
				}
				continue
			}
			index[key] = len(entries)
			entries = append(entries, entry{
				key: key,
				issue: ConsolidatedIssue{
					Severity:    bi.Severity,
					Description: bi.Description,
					Count:       1,
				},
			})
		}
	}

	// Order by normalized description for determinism under permutation.
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	issues := make([]ConsolidatedIssue, 0, len(entries))
	for _, e := range entries {
		issues = append(issues, e.issue)
	}
	return issues
}

func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
