// Integration tests against a real Postgres instance, gated behind
// NEXUSCTL_TEST_DATABASE_URL the same way pkg/eventstore's tests are.
package attestqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nexusctl/core/internal/pgstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("NEXUSCTL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NEXUSCTL_TEST_DATABASE_URL not set, skipping attestation queue integration tests")
	}

	ctx := context.Background()
	pg, err := pgstore.Open(ctx, pgstore.Config{URL: url})
	if err != nil {
		t.Fatalf("pgstore.Open: %v", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("pgstore.Migrate: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	return New(pg)
}

func sampleIntent() Intent {
	runID := "run-1"
	return Intent{
		SubjectType:   "decision",
		BindingDigest: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		RunID:         &runID,
		Labels:        map[string]string{"team": "platform"},
	}
}

func TestValidateLabels_RejectsTooManyLabels(t *testing.T) {
	labels := make(map[string]string, 33)
	for i := 0; i < 33; i++ {
		labels[string(rune('a'+i%26))+string(rune(i))] = "v"
	}
	if err := ValidateLabels(labels); err == nil {
		t.Fatal("ValidateLabels: want error for 33 labels, got nil")
	}
}

func TestValidateLabels_RejectsBadKey(t *testing.T) {
	if err := ValidateLabels(map[string]string{"bad key!": "v"}); err == nil {
		t.Fatal("ValidateLabels: want error for key with a space and bang, got nil")
	}
}

func TestComputeIntentDigest_IsDeterministic(t *testing.T) {
	i1 := sampleIntent()
	i2 := sampleIntent()
	d1, err := ComputeIntentDigest(i1)
	if err != nil {
		t.Fatalf("ComputeIntentDigest: %v", err)
	}
	d2, err := ComputeIntentDigest(i2)
	if err != nil {
		t.Fatalf("ComputeIntentDigest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ for identical intents: %s vs %s", d1, d2)
	}
}

func TestEnqueue_IsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	intent := sampleIntent()
	q1, err := s.Enqueue(ctx, intent, nil)
	if err != nil {
		t.Fatalf("Enqueue (1): %v", err)
	}
	q2, err := s.Enqueue(ctx, intent, nil)
	if err != nil {
		t.Fatalf("Enqueue (2): %v", err)
	}
	if q1 != q2 {
		t.Fatalf("Enqueue returned different queue_ids for the same intent: %s vs %s", q1, q2)
	}

	pending, err := s.NextPending(ctx, 10)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	count := 0
	for _, p := range pending {
		if p.QueueID == q1 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("found %d rows for queue_id %s, want exactly 1", count, q1)
	}
}

func TestNextPending_CarriesNextAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	intent := sampleIntent()
	intent.RunID = nil
	id := "run-next-attempt"
	intent.RunID = &id
	queueID, err := s.Enqueue(ctx, intent, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, err := s.NextPending(ctx, 10)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	var found *PendingIntent
	for i := range pending {
		if pending[i].QueueID == queueID {
			found = &pending[i]
		}
	}
	if found == nil {
		t.Fatal("freshly enqueued intent not found in NextPending")
	}
	if found.NextAttempt != 1 {
		t.Fatalf("NextAttempt = %d, want 1 for a never-attempted intent", found.NextAttempt)
	}
}

func TestRecordReceipt_DuplicateIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	intent := sampleIntent()
	runID := "run-record-receipt"
	intent.RunID = &runID
	digest, err := ComputeIntentDigest(intent)
	if err != nil {
		t.Fatalf("ComputeIntentDigest: %v", err)
	}
	if _, err := s.Enqueue(ctx, intent, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	receipt := Receipt{
		ReceiptVersion:  "1",
		IntentDigest:    digest,
		Backend:         "xrpl-testnet",
		Attempt:         1,
		Status:          StatusSubmitted,
		CreatedAt:       time.Now().UTC(),
		EvidenceDigests: map[string]string{"memo_digest": "sha256:" + digest},
		Proof:           map[string]interface{}{"tx_hash": "deadbeef"},
	}

	inserted, err := s.RecordReceipt(ctx, receipt)
	if err != nil {
		t.Fatalf("RecordReceipt (1): %v", err)
	}
	if !inserted {
		t.Fatal("RecordReceipt (1) = false, want true for a new receipt")
	}

	inserted2, err := s.RecordReceipt(ctx, receipt)
	if err != nil {
		t.Fatalf("RecordReceipt (2): %v", err)
	}
	if inserted2 {
		t.Fatal("RecordReceipt (2) = true, want false for a duplicate receipt_digest")
	}

	status, err := s.GetStatus(ctx, "sha256:"+digest)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status == nil {
		t.Fatal("GetStatus returned nil for a known queue_id")
	}
	if status.Status != StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", status.Status)
	}
}

func TestRecordReceipt_RejectsConfirmedWithoutProof(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	intent := sampleIntent()
	runID := "run-reject-confirm"
	intent.RunID = &runID
	digest, err := ComputeIntentDigest(intent)
	if err != nil {
		t.Fatalf("ComputeIntentDigest: %v", err)
	}
	if _, err := s.Enqueue(ctx, intent, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	receipt := Receipt{
		ReceiptVersion: "1",
		IntentDigest:   digest,
		Backend:        "xrpl-testnet",
		Attempt:        1,
		Status:         StatusConfirmed,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.RecordReceipt(ctx, receipt); err == nil {
		t.Fatal("RecordReceipt: want error for CONFIRMED receipt with empty proof, got nil")
	}
}

func TestGetStatus_ReturnsNilForUnknownQueueID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	status, err := s.GetStatus(ctx, "sha256:does-not-exist")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != nil {
		t.Fatalf("GetStatus = %+v, want nil for unknown queue_id", status)
	}
}
