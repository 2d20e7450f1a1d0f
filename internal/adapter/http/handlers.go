package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/domain/gate"
	"github.com/specgate/specgate/internal/service"
)

// Handlers bundles the services the HTTP surface exposes.
type Handlers struct {
	Gates *service.GateService
}

// submitGateRequest is the POST /api/v1/gates body.
type submitGateRequest struct {
	Stage           string   `json:"stage"`
	Content         string   `json:"content"`
	TemplateVersion string   `json:"template_version"`
	Upstream        []struct {
		Stage   string `json:"stage"`
		Content string `json:"content"`
	} `json:"upstream"`
	Roles []struct {
		RoleID     string  `json:"role_id"`
		ProviderID string  `json:"provider_id"`
		Model      string  `json:"model"`
		Weight     float64 `json:"weight"`
	} `json:"roles"`
	CallBudget   int      `json:"call_budget"`
	HumanContext []string `json:"human_context"`
}

// handleSubmitGate starts a gate evaluation and returns 202 with the
// pending record; the outcome arrives via polling, NATS, or the WebSocket.
func (h *Handlers) handleSubmitGate(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[submitGateRequest](w, r)
	if !ok {
		return
	}

	req := &audit.AuditRequest{
		Document: audit.Document{
			Stage:           audit.Stage(body.Stage),
			Content:         body.Content,
			TemplateVersion: body.TemplateVersion,
		},
		CallBudget:   body.CallBudget,
		HumanContext: body.HumanContext,
	}
	for _, up := range body.Upstream {
		req.Upstream = append(req.Upstream, audit.Document{
			Stage:   audit.Stage(up.Stage),
			Content: up.Content,
		})
	}
	for _, role := range body.Roles {
		req.Roles = append(req.Roles, audit.RoleAssignment{
			RoleID: role.RoleID,
			Provider: audit.ProviderBinding{
				ProviderID: role.ProviderID,
				Model:      role.Model,
			},
			Weight: role.Weight,
		})
	}

	eval, err := h.Gates.Submit(r.Context(), req)
	if err != nil {
		if strings.HasPrefix(err.Error(), "validate: ") {
			writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "validate: "))
			return
		}
		writeDomainError(w, err, "evaluation not found")
		return
	}

	writeJSON(w, http.StatusAccepted, eval)
}

func (h *Handlers) handleGetGate(w http.ResponseWriter, r *http.Request) {
	eval, err := h.Gates.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "evaluation not found")
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (h *Handlers) handleListGates(w http.ResponseWriter, r *http.Request) {
	stage := audit.Stage(r.URL.Query().Get("stage"))
	evals, err := h.Gates.List(r.Context(), stage, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if evals == nil {
		evals = []gate.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evals)
}

func (h *Handlers) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	status := gate.EscalationStatus(r.URL.Query().Get("status"))
	escs, err := h.Gates.ListEscalations(r.Context(), status, queryLimit(r))
	if err != nil {
		writeDomainError(w, err, "escalations not found")
		return
	}
	if escs == nil {
		escs = []gate.Escalation{}
	}
	writeJSON(w, http.StatusOK, escs)
}

func (h *Handlers) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := h.Gates.GetEscalation(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "escalation not found")
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// decisionRequest is the POST /api/v1/escalations/{id}/decision body.
type decisionRequest struct {
	Decision      string `json:"decision"`
	Justification string `json:"justification"`
	AddedContext  string `json:"added_context"`
}

func (h *Handlers) handleDecision(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[decisionRequest](w, r)
	if !ok {
		return
	}

	esc, err := h.Gates.Resolve(r.Context(), urlParam(r, "id"),
		gate.Decision(body.Decision), body.Justification, body.AddedContext)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "unknown decision"),
			strings.Contains(err.Error(), "requires"):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeDomainError(w, err, "escalation not found")
		}
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
