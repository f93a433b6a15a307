package bundle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nexusctl/core/pkg/decision"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func sampleDecision(t *testing.T) *decision.Decision {
	t.Helper()
	now, err := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}

	events := []decision.Event{
		{
			AggregateID: "dec-1", Seq: 0, Type: decision.EventDecisionCreated, Timestamp: now,
			Actor:   decision.Actor{Type: decision.ActorHuman, ID: "alice"},
			Payload: mustJSON(t, decision.DecisionCreatedPayload{Goal: "rotate keys", RequestedMode: decision.ModeDryRun}),
		},
		{
			AggregateID: "dec-1", Seq: 1, Type: decision.EventPolicyAttached, Timestamp: now.Add(time.Minute),
			Actor:   decision.Actor{Type: decision.ActorSystem, ID: "policy-engine"},
			Payload: mustJSON(t, decision.PolicyAttachedPayload{MinApprovals: 1, AllowedModes: []decision.Mode{decision.ModeDryRun}}),
		},
		{
			AggregateID: "dec-1", Seq: 2, Type: decision.EventApprovalGranted, Timestamp: now.Add(2 * time.Minute),
			Actor:   decision.Actor{Type: decision.ActorHuman, ID: "alice"},
			Payload: mustJSON(t, decision.ApprovalGrantedPayload{}),
		},
	}

	d, err := decision.Project(events)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	return d
}

func TestExport_DigestMatchesVerifyDigest(t *testing.T) {
	d := sampleDecision(t)
	b, err := Export(d)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	ok, _, err := VerifyDigest(b)
	if err != nil {
		t.Fatalf("VerifyDigest: %v", err)
	}
	if !ok {
		t.Fatal("VerifyDigest = false, want true for a freshly exported bundle")
	}
}

func TestExport_NoRouterLinkWithoutExecution(t *testing.T) {
	d := sampleDecision(t)
	b, err := Export(d)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if b.RouterLink != nil {
		t.Fatalf("RouterLink = %+v, want nil when no execution was requested", b.RouterLink)
	}
}

func TestValidateEventSeqs_RejectsGap(t *testing.T) {
	events := []Event{{Seq: 0}, {Seq: 2}}
	if err := validateEventSeqs(events); err == nil {
		t.Fatal("validateEventSeqs: want error for a seq gap, got nil")
	}
}

func TestValidateEventSeqs_AcceptsContiguousFromZero(t *testing.T) {
	events := []Event{{Seq: 0}, {Seq: 1}, {Seq: 2}}
	if err := validateEventSeqs(events); err != nil {
		t.Fatalf("validateEventSeqs: %v", err)
	}
}

func TestVerifyDigest_DetectsTampering(t *testing.T) {
	d := sampleDecision(t)
	b, err := Export(d)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	b.Decision.Goal = "tampered"

	ok, _, err := VerifyDigest(b)
	if err != nil {
		t.Fatalf("VerifyDigest: %v", err)
	}
	if ok {
		t.Fatal("VerifyDigest = true after tampering with the decision header, want false")
	}
}
