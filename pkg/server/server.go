// Package server provides the HTTP API for the control plane: decision and
// bundle endpoints, audit package export/verify, the attestation queue,
// policy templates, and a health probe.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/nexusctl/core/pkg/attestqueue"
	"github.com/nexusctl/core/pkg/eventstore"
	"github.com/nexusctl/core/pkg/templatestore"
)

// Server wires the control plane's dependencies to an HTTP mux.
type Server struct {
	events    *eventstore.Store
	queue     *attestqueue.Store
	templates *templatestore.Store
	logger    *log.Logger

	decisionHandlers    *DecisionHandlers
	auditHandlers       *AuditHandlers
	attestationHandlers *AttestationHandlers
	templateHandlers    *TemplateHandlers
}

// New constructs a Server. A nil logger falls back to a package default,
// matching this package's other handler constructors. templates may be nil
// in deployments that don't use policy templates.
func New(events *eventstore.Store, queue *attestqueue.Store, templates *templatestore.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}
	return &Server{
		events:              events,
		queue:               queue,
		templates:           templates,
		logger:              logger,
		decisionHandlers:    NewDecisionHandlers(events, templates, logger),
		auditHandlers:       NewAuditHandlers(events, logger),
		attestationHandlers: NewAttestationHandlers(queue, logger),
		templateHandlers:    NewTemplateHandlers(templates, logger),
	}
}

// Handler builds the complete HTTP mux for the control plane API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/decisions", s.decisionHandlers.HandleCreate)
	mux.HandleFunc("/api/decisions/", s.decisionHandlers.HandleDispatch)

	mux.HandleFunc("/api/audit/export", s.auditHandlers.HandleExport)
	mux.HandleFunc("/api/audit/verify", s.auditHandlers.HandleVerify)

	mux.HandleFunc("/api/attestations/enqueue", s.attestationHandlers.HandleEnqueue)
	mux.HandleFunc("/api/attestations/", s.attestationHandlers.HandleDispatch)

	mux.HandleFunc("/api/templates", s.templateHandlers.HandleCreate)
	mux.HandleFunc("/api/templates/", s.templateHandlers.HandleDispatch)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	code := http.StatusOK
	if s.events == nil {
		status = "degraded"
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// httpStatusForCode maps a nexuserr code to the HTTP status the API returns
// for it. Codes not listed here fall back to 500, since they indicate a
// server-side failure the caller could not have prevented by fixing their
// request.
func httpStatusForCode(code string) int {
	switch code {
	case "DECISION_NOT_FOUND", "AGGREGATE_NOT_FOUND", "APPROVAL_NOT_FOUND", "TEMPLATE_NOT_FOUND":
		return http.StatusNotFound
	case "DECISION_EXISTS", "AGGREGATE_EXISTS", "DUPLICATE_APPROVAL", "TEMPLATE_ALREADY_EXISTS":
		return http.StatusConflict
	case "VALIDATION_FAILED", "BUNDLE_INVALID_SCHEMA", "CONFLICT_MODE_INVALID",
		"REPLAY_INVALID", "LABEL_INVALID", "MEMO_TOO_LARGE", "SEQ_GAP",
		"NO_ROUTER_LINK", "ROUTER_DIGEST_MISMATCH", "LINK_DIGEST_MISMATCH",
		"MODE_NOT_ALLOWED":
		return http.StatusBadRequest
	case "INTEGRITY_MISMATCH":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
