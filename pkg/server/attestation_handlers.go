package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/nexusctl/core/pkg/attestqueue"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// AttestationHandlers serves the attestation intent queue: enqueue, status,
// and receipt replay.
type AttestationHandlers struct {
	queue  *attestqueue.Store
	logger *log.Logger
}

// NewAttestationHandlers creates new attestation handlers.
func NewAttestationHandlers(queue *attestqueue.Store, logger *log.Logger) *AttestationHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[attestations] ", log.LstdFlags)
	}
	return &AttestationHandlers{queue: queue, logger: logger}
}

type enqueueRequest struct {
	SubjectType    string            `json:"subject_type"`
	BindingDigest  string            `json:"binding_digest"`
	PackageVersion *string           `json:"package_version,omitempty"`
	RunID          *string           `json:"run_id,omitempty"`
	Env            *string           `json:"env,omitempty"`
	Tenant         *string           `json:"tenant,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// HandleEnqueue handles POST /api/attestations/enqueue.
func (h *AttestationHandlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.queue == nil {
		writeJSONError(w, "attestation queue not available", http.StatusServiceUnavailable)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SubjectType == "" || req.BindingDigest == "" {
		writeJSONError(w, "subject_type and binding_digest are required", http.StatusBadRequest)
		return
	}

	intent := attestqueue.Intent{
		SubjectType:    req.SubjectType,
		BindingDigest:  req.BindingDigest,
		PackageVersion: req.PackageVersion,
		RunID:          req.RunID,
		Env:            req.Env,
		Tenant:         req.Tenant,
		Labels:         req.Labels,
	}

	queueID, err := h.queue.Enqueue(r.Context(), intent, nil)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"queue_id": queueID})
}

// HandleDispatch routes GET /api/attestations/{queue_id} and GET
// /api/attestations/{queue_id}/receipts.
func (h *AttestationHandlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.queue == nil {
		writeJSONError(w, "attestation queue not available", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/attestations/")
	if path == "" {
		writeJSONError(w, "queue id required", http.StatusBadRequest)
		return
	}

	if queueID, ok := strings.CutSuffix(path, "/receipts"); ok {
		h.handleReceipts(w, r, queueID)
		return
	}
	h.handleStatus(w, r, path)
}

func (h *AttestationHandlers) handleStatus(w http.ResponseWriter, r *http.Request, queueID string) {
	qi, err := h.queue.GetStatus(r.Context(), queueID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if qi == nil {
		writeJSONError(w, "no attestation intent for this queue id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, qi)
}

func (h *AttestationHandlers) handleReceipts(w http.ResponseWriter, r *http.Request, queueID string) {
	intentDigest := strings.TrimPrefix(queueID, "sha256:")
	receipts, err := h.queue.Replay(r.Context(), intentDigest)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

func (h *AttestationHandlers) writeErr(w http.ResponseWriter, err error) {
	code := string(nexuserr.CodeOf(err))
	if code == "" {
		h.logger.Printf("internal error: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSONError(w, err.Error(), httpStatusForCode(code))
}
