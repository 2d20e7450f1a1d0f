package audit_test

import (
	"testing"

	"github.com/specgate/specgate/internal/domain/audit"
)

func TestCacheKeyDeterministic(t *testing.T) {
	a := audit.CacheKey("openai", "security", "v2", "prompt", "content")
	b := audit.CacheKey("openai", "security", "v2", "prompt", "content")
	if a != b {
		t.Fatal("identical inputs must produce identical keys")
	}
}

func TestCacheKeyDistinguishesParts(t *testing.T) {
	base := audit.CacheKey("openai", "security", "v2", "prompt", "content")
	variants := []string{
		audit.CacheKey("anthropic", "security", "v2", "prompt", "content"),
		audit.CacheKey("openai", "architecture", "v2", "prompt", "content"),
		audit.CacheKey("openai", "security", "v3", "prompt", "content"),
		audit.CacheKey("openai", "security", "v2", "other prompt", "content"),
		audit.CacheKey("openai", "security", "v2", "prompt", "other content"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with the base key", i)
		}
	}
}

func TestCacheKeyPartBoundaries(t *testing.T) {
	// Concatenation-equal inputs must not collide across part boundaries.
	a := audit.CacheKey("ab", "c", "v", "p", "d")
	b := audit.CacheKey("a", "bc", "v", "p", "d")
	if a == b {
		t.Fatal("part boundary collision")
	}
}

func validRequest() *audit.AuditRequest {
	return &audit.AuditRequest{
		Document: audit.Document{
			Stage:           audit.StageArchitecture,
			Content:         "# Architecture\nDetails.",
			TemplateVersion: "v1",
		},
		Upstream: []audit.Document{
			{Stage: audit.StageVision, Content: "# Vision"},
		},
		Roles: []audit.RoleAssignment{
			{RoleID: "security", Provider: audit.ProviderBinding{ProviderID: "openai", Model: "gpt-4o"}},
			{RoleID: "architecture", Provider: audit.ProviderBinding{ProviderID: "anthropic", Model: "claude"}},
		},
		CallBudget: 12,
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*audit.AuditRequest)
	}{
		{"unknown stage", func(r *audit.AuditRequest) { r.Document.Stage = "design" }},
		{"empty content", func(r *audit.AuditRequest) { r.Document.Content = "" }},
		{"no roles", func(r *audit.AuditRequest) { r.Roles = nil }},
		{"duplicate role", func(r *audit.AuditRequest) { r.Roles = append(r.Roles, r.Roles[0]) }},
		{"missing provider", func(r *audit.AuditRequest) { r.Roles[0].Provider.Model = "" }},
		{"negative weight", func(r *audit.AuditRequest) { r.Roles[0].Weight = -1 }},
		{"zero budget", func(r *audit.AuditRequest) { r.CallBudget = 0 }},
		{"upstream not preceding", func(r *audit.AuditRequest) {
			r.Upstream = []audit.Document{{Stage: audit.StageRelease, Content: "x"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			if err := req.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !audit.SeverityCritical.Exceeds(audit.SeverityMajor) {
		t.Fatal("critical must exceed major")
	}
	if audit.SeverityMajor.Exceeds(audit.SeverityMajor) {
		t.Fatal("a severity must not exceed itself")
	}
	if audit.SeverityInfo.Exceeds(audit.SeverityBlocker) {
		t.Fatal("info must not exceed blocker")
	}
}

func TestStageOrdering(t *testing.T) {
	if audit.StageVision.Index() >= audit.StageRelease.Index() {
		t.Fatal("vision must precede release")
	}
	if audit.Stage("design").Valid() {
		t.Fatal("unknown stage reported valid")
	}
	if audit.Stage("design").Index() != -1 {
		t.Fatal("unknown stage must have index -1")
	}
}
