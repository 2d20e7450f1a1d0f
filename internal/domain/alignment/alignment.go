// Package alignment checks a document's declared commitments against the
// commitments already made by its upstream documents, producing a mismatch
// backlog that can fail a gate independently of consensus score.
package alignment

import (
	"fmt"
	"strings"

	"github.com/specgate/specgate/internal/domain/audit"
)

// Kind classifies a declared commitment.
type Kind string

const (
	KindScope      Kind = "scope"
	KindMetric     Kind = "metric"
	KindConstraint Kind = "constraint"
)

// Commitment is one declared commitment extracted from a document.
// Documents declare commitments as lines of the form
//
//	- scope: checkout-flow = redesign only, no backend changes
//	- metric: p99-latency = 250ms
//	- constraint: budget = 2 engineers
//
// anywhere in the document body.
type Commitment struct {
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Key identifies a commitment independent of its value.
func (c Commitment) Key() string {
	return string(c.Kind) + ":" + strings.ToLower(c.Name)
}

// Mismatch is one backlog entry: a commitment that drifted between the
// current document and an upstream one, with a proposed concrete edit.
type Mismatch struct {
	UpstreamStage audit.Stage `json:"upstream_stage"`
	Kind          Kind        `json:"kind"`
	Name          string      `json:"name"`
	Upstream      string      `json:"upstream"`
	Current       string      `json:"current"`
	ProposedEdit  string      `json:"proposed_edit"`
}

// Result is the outcome of one alignment check. Immutable once computed.
type Result struct {
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	Pass       bool       `json:"pass"`
}

// ParseCommitments extracts commitment declarations from a document body.
func ParseCommitments(content string) []Commitment {
	var commitments []Commitment
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		kind, rest, ok := splitKind(line)
		if !ok {
			continue
		}
		name, value, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		commitments = append(commitments, Commitment{Kind: kind, Name: name, Value: value})
	}
	return commitments
}

func splitKind(line string) (Kind, string, bool) {
	for _, k := range []Kind{KindScope, KindMetric, KindConstraint} {
		if rest, ok := strings.CutPrefix(line, string(k)+":"); ok {
			return k, rest, true
		}
	}
	return "", "", false
}

// Compare checks the current document's commitments against each upstream
// document, in upstream order. A commitment declared upstream must appear in
// the current document with the same value; a changed value or a dropped
// commitment is a mismatch. Commitments new to the current document are not
// mismatches — downstream documents may add, never silently rewrite.
func Compare(current audit.Document, upstream []audit.Document) Result {
	currentByKey := make(map[string]Commitment)
	for _, c := range ParseCommitments(current.Content) {
		currentByKey[c.Key()] = c
	}

	var mismatches []Mismatch
	for _, up := range upstream {
		for _, uc := range ParseCommitments(up.Content) {
			cc, ok := currentByKey[uc.Key()]
			if !ok {
				mismatches = append(mismatches, Mismatch{
					UpstreamStage: up.Stage,
					Kind:          uc.Kind,
					Name:          uc.Name,
					Upstream:      uc.Value,
					ProposedEdit: fmt.Sprintf(
						"add %q commitment %q = %q declared in the %s document",
						uc.Kind, uc.Name, uc.Value, up.Stage),
				})
				continue
			}
			if !strings.EqualFold(cc.Value, uc.Value) {
				mismatches = append(mismatches, Mismatch{
					UpstreamStage: up.Stage,
					Kind:          uc.Kind,
					Name:          uc.Name,
					Upstream:      uc.Value,
					Current:       cc.Value,
					ProposedEdit: fmt.Sprintf(
						"change %q from %q to %q to match the %s document, or revise upstream",
						uc.Name, cc.Value, uc.Value, up.Stage),
				})
			}
		}
	}

	return Result{Mismatches: mismatches, Pass: len(mismatches) == 0}
}
