package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/nexusctl/core/pkg/audit"
	"github.com/nexusctl/core/pkg/bundle"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/eventstore"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// AuditHandlers serves audit package export and verification.
type AuditHandlers struct {
	events *eventstore.Store
	logger *log.Logger
}

// NewAuditHandlers creates new audit handlers.
func NewAuditHandlers(events *eventstore.Store, logger *log.Logger) *AuditHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[audit] ", log.LstdFlags)
	}
	return &AuditHandlers{events: events, logger: logger}
}

type exportAuditRequest struct {
	DecisionID             string                 `json:"decision_id"`
	Mode                   string                 `json:"mode"`
	RouterBundleDigest     string                 `json:"router_bundle_digest,omitempty"`
	RouterBundle           map[string]interface{} `json:"router_bundle,omitempty"`
	SkipRouterDigestVerify bool                   `json:"skip_router_digest_verify,omitempty"`
}

// HandleExport handles POST /api/audit/export: load the decision, export its
// canonical bundle, and bind it to the supplied router section.
func (h *AuditHandlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.events == nil {
		writeJSONError(w, "event store not available", http.StatusServiceUnavailable)
		return
	}

	var req exportAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DecisionID == "" {
		writeJSONError(w, "decision_id is required", http.StatusBadRequest)
		return
	}

	exists, err := h.events.Exists(r.Context(), req.DecisionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if !exists {
		h.writeErr(w, nexuserr.New(nexuserr.CodeDecisionNotFound, "decision not found").WithContext("id", req.DecisionID))
		return
	}

	events, err := h.events.GetEvents(r.Context(), req.DecisionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	d, err := decision.Project(events)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	controlBundle, err := bundle.Export(d)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	pkg, err := audit.Export(controlBundle, audit.ExportOptions{
		Mode:                   req.Mode,
		RouterBundleDigest:     req.RouterBundleDigest,
		RouterBundle:           req.RouterBundle,
		SkipRouterDigestVerify: req.SkipRouterDigestVerify,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pkg)
}

// HandleVerify handles POST /api/audit/verify: run the fixed verification
// checklist (five checks, six in embedded mode) over a previously exported
// audit package.
func (h *AuditHandlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pkg audit.AuditPackage
	if err := json.NewDecoder(r.Body).Decode(&pkg); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := audit.Verify(&pkg)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (h *AuditHandlers) writeErr(w http.ResponseWriter, err error) {
	code := string(nexuserr.CodeOf(err))
	if code == "" {
		h.logger.Printf("internal error: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSONError(w, err.Error(), httpStatusForCode(code))
}
