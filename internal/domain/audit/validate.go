package audit

import (
	"errors"
	"fmt"
)

// Validate checks an AuditRequest for construction-time misconfiguration.
// Run-level mistakes fail fast here; they never surface as role failures.
func (r *AuditRequest) Validate() error {
	if !r.Document.Stage.Valid() {
		return fmt.Errorf("unknown document stage %q", r.Document.Stage)
	}
	if r.Document.Content == "" {
		return errors.New("document content is required")
	}
	if len(r.Roles) == 0 {
		return errors.New("at least one role assignment is required")
	}
	seen := make(map[string]bool, len(r.Roles))
	for _, ra := range r.Roles {
		if ra.RoleID == "" {
			return errors.New("role assignment missing role id")
		}
		if seen[ra.RoleID] {
			return fmt.Errorf("duplicate role %q", ra.RoleID)
		}
		seen[ra.RoleID] = true
		if ra.Provider.ProviderID == "" || ra.Provider.Model == "" {
			return fmt.Errorf("role %q missing provider binding", ra.RoleID)
		}
		if ra.Weight < 0 {
			return fmt.Errorf("role %q has negative weight", ra.RoleID)
		}
	}
	if r.CallBudget <= 0 {
		return errors.New("call budget must be positive")
	}
	for i, up := range r.Upstream {
		if !up.Stage.Valid() {
			return fmt.Errorf("upstream document %d has unknown stage %q", i, up.Stage)
		}
		if up.Stage.Index() >= r.Document.Stage.Index() {
			return fmt.Errorf("upstream stage %q does not precede %q", up.Stage, r.Document.Stage)
		}
	}
	return nil
}
