package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleHealth_DegradedWithoutEventStore(t *testing.T) {
	s := New(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.handleHealth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Fatalf("status = %q, want degraded", body["status"])
	}
}

func TestHandleHealth_MethodNotAllowed(t *testing.T) {
	s := New(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rr := httptest.NewRecorder()

	s.handleHealth(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestDecisionHandlers_CreateWithoutStoreIsUnavailable(t *testing.T) {
	h := NewDecisionHandlers(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/decisions", nil)
	rr := httptest.NewRecorder()

	h.HandleCreate(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestDecisionHandlers_DispatchRejectsNonGet(t *testing.T) {
	h := NewDecisionHandlers(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/decisions/abc", nil)
	rr := httptest.NewRecorder()

	h.HandleDispatch(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestDecisionHandlers_DispatchRequiresID(t *testing.T) {
	h := NewDecisionHandlers(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/decisions/", nil)
	rr := httptest.NewRecorder()

	h.HandleDispatch(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAuditHandlers_ExportWithoutStoreIsUnavailable(t *testing.T) {
	h := NewAuditHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/audit/export", nil)
	rr := httptest.NewRecorder()

	h.HandleExport(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the event store is unavailable", rr.Code)
	}
}

func TestAuditHandlers_VerifyRejectsInvalidBody(t *testing.T) {
	h := NewAuditHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/audit/verify", strings.NewReader("not json"))
	rr := httptest.NewRecorder()

	h.HandleVerify(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAttestationHandlers_EnqueueWithoutQueueIsUnavailable(t *testing.T) {
	h := NewAttestationHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/attestations/enqueue", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()

	// queue is nil, so the unavailable check fires before field validation.
	h.HandleEnqueue(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the queue is unavailable", rr.Code)
	}
}

func TestAttestationHandlers_DispatchWithoutQueueIsUnavailable(t *testing.T) {
	h := NewAttestationHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/attestations/", nil)
	rr := httptest.NewRecorder()

	h.HandleDispatch(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the queue is unavailable", rr.Code)
	}
}

func TestHTTPStatusForCode(t *testing.T) {
	cases := map[string]int{
		"DECISION_NOT_FOUND":   http.StatusNotFound,
		"DECISION_EXISTS":      http.StatusConflict,
		"VALIDATION_FAILED":    http.StatusBadRequest,
		"INTEGRITY_MISMATCH":   http.StatusUnprocessableEntity,
		"SOMETHING_UNEXPECTED": http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := httpStatusForCode(code); got != want {
			t.Errorf("httpStatusForCode(%q) = %d, want %d", code, got, want)
		}
	}
}
