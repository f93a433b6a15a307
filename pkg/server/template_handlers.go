package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/nexuserr"
	"github.com/nexusctl/core/pkg/templatestore"
)

// TemplateHandlers serves template create/get/list over HTTP.
type TemplateHandlers struct {
	templates *templatestore.Store
	logger    *log.Logger
}

// NewTemplateHandlers creates new template handlers.
func NewTemplateHandlers(templates *templatestore.Store, logger *log.Logger) *TemplateHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[templates] ", log.LstdFlags)
	}
	return &TemplateHandlers{templates: templates, logger: logger}
}

type createTemplateRequest struct {
	Name                       string          `json:"name"`
	Description                string          `json:"description"`
	MinApprovals               int             `json:"min_approvals"`
	AllowedModes               []decision.Mode `json:"allowed_modes"`
	RequireAdapterCapabilities []string        `json:"require_adapter_capabilities"`
	MaxSteps                   *int            `json:"max_steps"`
	Labels                     []string        `json:"labels"`
	Actor                      decision.Actor  `json:"actor"`
}

// HandleCreate handles POST /api/templates.
func (h *TemplateHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.handleList(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.templates == nil {
		writeJSONError(w, "template store not available", http.StatusServiceUnavailable)
		return
	}

	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := h.templates.Create(r.Context(), templatestore.CreateOptions{
		Name:                       req.Name,
		Description:                req.Description,
		MinApprovals:               req.MinApprovals,
		AllowedModes:               req.AllowedModes,
		RequireAdapterCapabilities: req.RequireAdapterCapabilities,
		MaxSteps:                   req.MaxSteps,
		Labels:                     req.Labels,
		Actor:                      req.Actor,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *TemplateHandlers) handleList(w http.ResponseWriter, r *http.Request) {
	if h.templates == nil {
		writeJSONError(w, "template store not available", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	out, err := h.templates.List(r.Context(), limit, offset, q.Get("label"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDispatch handles GET /api/templates/{name}.
func (h *TemplateHandlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.templates == nil {
		writeJSONError(w, "template store not available", http.StatusServiceUnavailable)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/templates/")
	if name == "" {
		writeJSONError(w, "template name required", http.StatusBadRequest)
		return
	}
	t, err := h.templates.Get(r.Context(), name)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if t == nil {
		writeJSONError(w, "template not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TemplateHandlers) writeErr(w http.ResponseWriter, err error) {
	code := string(nexuserr.CodeOf(err))
	if code == "" {
		h.logger.Printf("internal error: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSONError(w, err.Error(), httpStatusForCode(code))
}
