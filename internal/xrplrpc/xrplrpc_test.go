package xrplrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmit_ParsesAcceptedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "submit" {
			t.Fatalf("method = %q, want submit", req.Method)
		}
		if req.Params[0].TxBlob != "DEADBEEF" {
			t.Fatalf("tx_blob = %q, want DEADBEEF", req.Params[0].TxBlob)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"accepted":true,"engine_result":"tesSUCCESS","tx_json":{"hash":"ABC123"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0, nil)
	result, err := c.Submit(context.Background(), "DEADBEEF")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Accepted {
		t.Fatal("Accepted = false, want true")
	}
	if result.TxHash != "ABC123" {
		t.Fatalf("TxHash = %q, want ABC123", result.TxHash)
	}
	if result.EngineResult != "tesSUCCESS" {
		t.Fatalf("EngineResult = %q, want tesSUCCESS", result.EngineResult)
	}
	if result.ExchangeDigest == "" {
		t.Fatal("ExchangeDigest is empty, want a digest of the request/response exchange")
	}
}

func TestGetTx_NotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"error":"txnNotFound"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0, nil)
	result, err := c.GetTx(context.Background(), "MISSING")
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if result.Found {
		t.Fatal("Found = true, want false for txnNotFound")
	}
}

func TestGetTx_ParsesValidatedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"validated":true,"ledger_index":12345,"meta":{"TransactionResult":"tesSUCCESS"},"date":700000000}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0, nil)
	result, err := c.GetTx(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if !result.Found || !result.Validated {
		t.Fatalf("result = %+v, want found and validated", result)
	}
	if result.LedgerIndex != 12345 {
		t.Fatalf("LedgerIndex = %d, want 12345", result.LedgerIndex)
	}
	if result.EngineResult != "tesSUCCESS" {
		t.Fatalf("EngineResult = %q, want tesSUCCESS", result.EngineResult)
	}
	if result.LedgerCloseTime == "" {
		t.Fatal("LedgerCloseTime is empty, want a formatted timestamp")
	}
}

func TestSubmit_TransportErrorIsReturned(t *testing.T) {
	c := New("http://127.0.0.1:1", 0, nil)
	if _, err := c.Submit(context.Background(), "DEADBEEF"); err == nil {
		t.Fatal("Submit: want a transport error for an unreachable endpoint")
	}
}
