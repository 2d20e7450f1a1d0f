package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/specgate/specgate/internal/domain/audit"
)

// ValidationError classifies a rejected reviewer response. Retryable errors
// are worth a re-prompt with stricter framing; fatal ones are not.
type ValidationError struct {
	Reason    string
	Retryable bool
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func retryable(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Retryable: true}
}

// Validator checks raw reviewer output against the rubric contract and
// produces immutable AuditorResponse values. Everything that fails here is a
// retryable formatting problem; transport-level failures never reach it.
type Validator struct {
	dimensions []string
	passFloor  float64
}

// NewValidator creates a Validator for the configured rubric dimensions.
func NewValidator(dimensions []string, passFloor float64) *Validator {
	return &Validator{dimensions: dimensions, passFloor: passFloor}
}

// wireResponse is the JSON contract auditors must return.
type wireResponse struct {
	Scores []struct {
		Dimension     string  `json:"dimension"`
		Score         float64 `json:"score"`
		Pass          bool    `json:"pass"`
		Justification string  `json:"justification"`
	} `json:"scores"`
	BlockingIssues []struct {
		Severity    string `json:"severity"`
		Description string `json:"description"`
	} `json:"blocking_issues"`
	OverallPass bool    `json:"overall_pass"`
	Confidence  float64 `json:"confidence"`
}

// Parse extracts and validates one auditor response from raw model output.
// Models often wrap JSON in prose or markdown fences, so extraction is
// lenient; validation is not.
func (v *Validator) Parse(roleID, providerID, raw string) (*audit.AuditorResponse, error) {
	payload, ok := extractJSON(raw)
	if !ok {
		return nil, retryable("no JSON object found in response")
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, retryable("malformed JSON: %v", err)
	}

	if wire.Confidence < 0 || wire.Confidence > 1 {
		return nil, retryable("confidence %.2f outside [0,1]", wire.Confidence)
	}

	resp := &audit.AuditorResponse{
		RoleID:      roleID,
		ProviderID:  providerID,
		OverallPass: wire.OverallPass,
		Confidence:  wire.Confidence,
	}

	seen := make(map[string]bool, len(wire.Scores))
	for _, s := range wire.Scores {
		if !v.knownDimension(s.Dimension) {
			return nil, retryable("unknown dimension %q", s.Dimension)
		}
		if seen[s.Dimension] {
			return nil, retryable("dimension %q scored twice", s.Dimension)
		}
		seen[s.Dimension] = true

		if s.Score < 0 || s.Score > 10 {
			return nil, retryable("score %.2f for %q outside [0,10]", s.Score, s.Dimension)
		}
		if strings.TrimSpace(s.Justification) == "" {
			return nil, retryable("dimension %q missing justification", s.Dimension)
		}
		// The pass flag must agree with the score and the pass floor;
		// a contradiction means the model did not follow the rubric.
		if s.Pass != (s.Score >= v.passFloor) {
			return nil, retryable("dimension %q pass flag inconsistent with score %.1f (floor %.1f)",
				s.Dimension, s.Score, v.passFloor)
		}
		resp.Scores = append(resp.Scores, audit.DimensionScore{
			Dimension:     s.Dimension,
			Score:         s.Score,
			Pass:          s.Pass,
			Justification: s.Justification,
		})
	}

	for _, d := range v.dimensions {
		if !seen[d] {
			return nil, retryable("missing required dimension %q", d)
		}
	}

	for _, bi := range wire.BlockingIssues {
		sev := audit.Severity(strings.ToLower(bi.Severity))
		if !sev.Valid() {
			return nil, retryable("unknown severity %q on blocking issue", bi.Severity)
		}
		if strings.TrimSpace(bi.Description) == "" {
			return nil, retryable("blocking issue missing description")
		}
		resp.BlockingIssues = append(resp.BlockingIssues, audit.BlockingIssue{
			Severity:    sev,
			Description: bi.Description,
		})
	}

	return resp, nil
}

func (v *Validator) knownDimension(name string) bool {
	for _, d := range v.dimensions {
		if d == name {
			return true
		}
	}
	return false
}

// extractJSON pulls the JSON object out of raw model output. It prefers a
// fenced ```json block, then falls back to the outermost brace pair.
func extractJSON(raw string) (string, bool) {
	if i := strings.Index(raw, "```json"); i >= 0 {
		rest := raw[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j]), true
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}
