// Integration tests against a real Postgres instance, gated behind
// NEXUSCTL_TEST_DATABASE_URL — skipped entirely when no test database is
// configured rather than mocked.
package eventstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/pkg/decision"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("NEXUSCTL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NEXUSCTL_TEST_DATABASE_URL not set, skipping event store integration tests")
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

func TestAppendEvent_AllocatesMonotonicSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAggregate(ctx, "")
	if err != nil {
		t.Fatalf("CreateAggregate: %v", err)
	}

	actor := decision.Actor{Type: decision.ActorHuman, ID: "alice"}
	ev1, err := s.AppendEvent(ctx, id, decision.EventDecisionCreated, actor, &decision.DecisionCreatedPayload{Goal: "g", RequestedMode: decision.ModeDryRun})
	if err != nil {
		t.Fatalf("AppendEvent (1): %v", err)
	}
	if ev1.Seq != 0 {
		t.Fatalf("first event seq = %d, want 0", ev1.Seq)
	}

	ev2, err := s.AppendEvent(ctx, id, decision.EventPolicyAttached, actor, &decision.PolicyAttachedPayload{MinApprovals: 1})
	if err != nil {
		t.Fatalf("AppendEvent (2): %v", err)
	}
	if ev2.Seq != 1 {
		t.Fatalf("second event seq = %d, want 1", ev2.Seq)
	}

	events, err := s.GetEvents(ctx, id)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(GetEvents) = %d, want 2", len(events))
	}
}

func TestAppendEvent_FailsForMissingAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	actor := decision.Actor{Type: decision.ActorHuman, ID: "alice"}
	_, err := s.AppendEvent(ctx, "does-not-exist", decision.EventDecisionCreated, actor, &decision.DecisionCreatedPayload{Goal: "g"})
	if err == nil {
		t.Fatal("AppendEvent: want error for missing aggregate, got nil")
	}
}

func TestImportAtomic_RejectsExistingWithoutOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAggregate(ctx, "")
	if err != nil {
		t.Fatalf("CreateAggregate: %v", err)
	}

	err = s.ImportAtomic(ctx, id, time.Now().UTC(), nil, false)
	if err == nil {
		t.Fatal("ImportAtomic: want DECISION_EXISTS error, got nil")
	}
}

func TestDeleteAggregate_ReportsWhetherSomethingWasDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAggregate(ctx, "")
	if err != nil {
		t.Fatalf("CreateAggregate: %v", err)
	}

	deleted, err := s.DeleteAggregate(ctx, id)
	if err != nil {
		t.Fatalf("DeleteAggregate: %v", err)
	}
	if !deleted {
		t.Fatal("DeleteAggregate = false, want true for an existing aggregate")
	}

	deletedAgain, err := s.DeleteAggregate(ctx, id)
	if err != nil {
		t.Fatalf("DeleteAggregate (2nd): %v", err)
	}
	if deletedAgain {
		t.Fatal("DeleteAggregate = true on second call, want false")
	}
}
