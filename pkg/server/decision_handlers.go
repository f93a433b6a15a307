package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nexusctl/core/pkg/bundle"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/eventstore"
	"github.com/nexusctl/core/pkg/nexuserr"
	"github.com/nexusctl/core/pkg/templatestore"
)

// DecisionHandlers serves the decision and bundle read/write API.
type DecisionHandlers struct {
	events    *eventstore.Store
	templates *templatestore.Store
	logger    *log.Logger
}

// NewDecisionHandlers creates new decision handlers. templates may be nil,
// in which case template-referencing policy attachment is rejected.
func NewDecisionHandlers(events *eventstore.Store, templates *templatestore.Store, logger *log.Logger) *DecisionHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[decisions] ", log.LstdFlags)
	}
	return &DecisionHandlers{events: events, templates: templates, logger: logger}
}

type createDecisionRequest struct {
	ID string `json:"id"`
}

// HandleCreate handles POST /api/decisions. An empty id lets the store mint
// one.
func (h *DecisionHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.events == nil {
		writeJSONError(w, "event store not available", http.StatusServiceUnavailable)
		return
	}

	var req createDecisionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	id, err := h.events.CreateAggregate(r.Context(), req.ID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleDispatch routes GET /api/decisions/{id}, GET
// /api/decisions/{id}/bundle, and POST /api/decisions/{id}/policy — the
// read and sub-resource paths a single ServeMux pattern can't distinguish
// on its own.
func (h *DecisionHandlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/decisions/")
	if path == "" {
		writeJSONError(w, "decision id required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(path, "/policy"); ok {
		if r.Method != http.MethodPost {
			writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleAttachPolicy(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id, ok := strings.CutSuffix(path, "/bundle"); ok {
		h.handleGetBundle(w, r, id)
		return
	}
	h.handleGet(w, r, path)
}

// attachPolicyRequest either names a template to attach (with optional
// overrides) or carries a raw, template-free policy.
type attachPolicyRequest struct {
	RequestedMode decision.Mode  `json:"requested_mode"`
	Actor         decision.Actor `json:"actor"`

	TemplateName string                  `json:"template_name,omitempty"`
	Overrides    *policyOverridesRequest `json:"overrides,omitempty"`

	MinApprovals               int             `json:"min_approvals,omitempty"`
	AllowedModes               []decision.Mode `json:"allowed_modes,omitempty"`
	RequireAdapterCapabilities []string        `json:"require_adapter_capabilities,omitempty"`
	MaxSteps                   *int            `json:"max_steps,omitempty"`
	Labels                     []string        `json:"labels,omitempty"`
}

type policyOverridesRequest struct {
	MinApprovals               *int            `json:"min_approvals,omitempty"`
	AllowedModes               []decision.Mode `json:"allowed_modes,omitempty"`
	RequireAdapterCapabilities []string        `json:"require_adapter_capabilities,omitempty"`
	MaxStepsSet                bool            `json:"max_steps_set,omitempty"`
	MaxSteps                   *int            `json:"max_steps,omitempty"`
	Labels                     []string        `json:"labels,omitempty"`
}

// handleAttachPolicy handles POST /api/decisions/{id}/policy. When
// template_name is set, the policy is derived from that template plus any
// overrides via templatestore.BuildPolicyAttachment; otherwise the request
// body's policy fields are attached directly.
func (h *DecisionHandlers) handleAttachPolicy(w http.ResponseWriter, r *http.Request, id string) {
	if h.events == nil {
		writeJSONError(w, "event store not available", http.StatusServiceUnavailable)
		return
	}

	var req attachPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var payload *decision.PolicyAttachedPayload

	if req.TemplateName != "" {
		if h.templates == nil {
			writeJSONError(w, "template store not available", http.StatusServiceUnavailable)
			return
		}
		t, err := h.templates.Get(r.Context(), req.TemplateName)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		if t == nil {
			h.writeErr(w, nexuserr.Newf(nexuserr.CodeTemplateNotFound, "template not found: %s", req.TemplateName).WithContext("name", req.TemplateName))
			return
		}

		var ov templatestore.Overrides
		if req.Overrides != nil {
			ov.MinApprovals = req.Overrides.MinApprovals
			ov.AllowedModes = req.Overrides.AllowedModes
			ov.RequireAdapterCapabilities = req.Overrides.RequireAdapterCapabilities
			ov.Labels = req.Overrides.Labels
			if req.Overrides.MaxStepsSet {
				ov.MaxSteps = &templatestore.MaxStepsOverride{Set: true, Value: req.Overrides.MaxSteps}
			}
		}

		payload, err = templatestore.BuildPolicyAttachment(t, req.RequestedMode, ov)
		if err != nil {
			h.writeErr(w, err)
			return
		}
	} else {
		payload = &decision.PolicyAttachedPayload{
			MinApprovals:               req.MinApprovals,
			AllowedModes:               req.AllowedModes,
			RequireAdapterCapabilities: req.RequireAdapterCapabilities,
			MaxSteps:                   req.MaxSteps,
			Labels:                     req.Labels,
		}
	}

	ev, err := h.events.AppendEvent(r.Context(), id, decision.EventPolicyAttached, req.Actor, payload)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (h *DecisionHandlers) loadDecision(r *http.Request, id string) (*decision.Decision, error) {
	exists, err := h.events.Exists(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nexuserr.New(nexuserr.CodeDecisionNotFound, "decision not found").WithContext("id", id)
	}
	events, err := h.events.GetEvents(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return decision.Project(events)
}

func (h *DecisionHandlers) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if h.events == nil {
		writeJSONError(w, "event store not available", http.StatusServiceUnavailable)
		return
	}
	d, err := h.loadDecision(r, id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	lifecycle, err := decision.AnalyzeLifecycle(d, time.Now().UTC(), decision.DefaultTimelineLimit())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision":  d,
		"lifecycle": lifecycle,
	})
}

func (h *DecisionHandlers) handleGetBundle(w http.ResponseWriter, r *http.Request, id string) {
	if h.events == nil {
		writeJSONError(w, "event store not available", http.StatusServiceUnavailable)
		return
	}
	d, err := h.loadDecision(r, id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	b, err := bundle.Export(d)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *DecisionHandlers) writeErr(w http.ResponseWriter, err error) {
	code := string(nexuserr.CodeOf(err))
	if code == "" {
		h.logger.Printf("internal error: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSONError(w, err.Error(), httpStatusForCode(code))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
