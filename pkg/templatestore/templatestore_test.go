// Integration tests against a real Postgres instance, gated behind
// NEXUSCTL_TEST_DATABASE_URL the same way pkg/eventstore's tests are.
package templatestore

import (
	"context"
	"os"
	"testing"

	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/nexuserr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("NEXUSCTL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NEXUSCTL_TEST_DATABASE_URL not set, skipping template store integration tests")
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

func sampleOptions(name string) CreateOptions {
	return CreateOptions{
		Name:         name,
		Description:  "standard approval policy",
		MinApprovals: 2,
		AllowedModes: []decision.Mode{decision.ModeDryRun, decision.ModeApply},
		Labels:       []string{"finance"},
		Actor:        decision.Actor{Type: decision.ActorSystem, ID: "test-harness"},
	}
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	opts := sampleOptions("duplicate-template")
	if _, err := s.Create(ctx, opts); err != nil {
		t.Fatalf("Create (1): %v", err)
	}
	_, err := s.Create(ctx, opts)
	if !nexuserr.Is(err, nexuserr.CodeTemplateExists) {
		t.Fatalf("Create (2): got %v, want CodeTemplateExists", err)
	}
}

func TestCreate_DefaultsMinApprovalsAndModes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tmpl, err := s.Create(ctx, CreateOptions{
		Name:  "defaulted-template",
		Actor: decision.Actor{Type: decision.ActorSystem, ID: "test-harness"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tmpl.MinApprovals != 1 {
		t.Fatalf("MinApprovals = %d, want 1", tmpl.MinApprovals)
	}
	if len(tmpl.AllowedModes) != 1 || tmpl.AllowedModes[0] != decision.ModeDryRun {
		t.Fatalf("AllowedModes = %v, want [dry_run]", tmpl.AllowedModes)
	}
	if tmpl.Digest == "" {
		t.Fatal("Digest is empty")
	}
}

func TestGet_RoundTripsCreatedTemplate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	opts := sampleOptions("roundtrip-template")
	created, err := s.Create(ctx, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, opts.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for a known template")
	}
	if got.Digest != created.Digest {
		t.Fatalf("Digest = %s, want %s", got.Digest, created.Digest)
	}
	if got.MinApprovals != 2 {
		t.Fatalf("MinApprovals = %d, want 2", got.MinApprovals)
	}
}

func TestGet_ReturnsNilForUnknownName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get = %+v, want nil", got)
	}
}

func TestGetEvents_RecordsSingleTemplateCreatedEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	opts := sampleOptions("events-template")
	if _, err := s.Create(ctx, opts); err != nil {
		t.Fatalf("Create: %v", err)
	}

	events, err := s.GetEvents(ctx, opts.Name)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].EventType != decision.EventTemplateCreated {
		t.Fatalf("event type = %s, want %s", events[0].EventType, decision.EventTemplateCreated)
	}
	if events[0].Seq != 0 {
		t.Fatalf("seq = %d, want 0", events[0].Seq)
	}
}

func TestBuildPolicyAttachment_RejectsDisallowedMode(t *testing.T) {
	tmpl := &Template{
		Name:         "mode-restricted",
		MinApprovals: 1,
		AllowedModes: []decision.Mode{decision.ModeDryRun},
		Digest:       "sha256:deadbeef",
	}
	_, err := BuildPolicyAttachment(tmpl, decision.ModeApply, Overrides{})
	if !nexuserr.Is(err, nexuserr.CodeModeNotAllowed) {
		t.Fatalf("BuildPolicyAttachment: got %v, want CodeModeNotAllowed", err)
	}
}

func TestBuildPolicyAttachment_RecordsOverridesApplied(t *testing.T) {
	tmpl := &Template{
		Name:         "override-template",
		MinApprovals: 1,
		AllowedModes: []decision.Mode{decision.ModeDryRun},
		Digest:       "sha256:deadbeef",
	}
	newMin := 3
	payload, err := BuildPolicyAttachment(tmpl, decision.ModeDryRun, Overrides{MinApprovals: &newMin})
	if err != nil {
		t.Fatalf("BuildPolicyAttachment: %v", err)
	}
	if payload.MinApprovals != 3 {
		t.Fatalf("MinApprovals = %d, want 3", payload.MinApprovals)
	}
	if payload.OverridesApplied == nil {
		t.Fatal("OverridesApplied is nil, want a non-empty map")
	}
	if v, ok := payload.OverridesApplied["min_approvals"]; !ok || v != 3 {
		t.Fatalf("OverridesApplied[min_approvals] = %v, want 3", v)
	}
	if payload.TemplateName == nil || *payload.TemplateName != tmpl.Name {
		t.Fatalf("TemplateName = %v, want %s", payload.TemplateName, tmpl.Name)
	}
}

func TestBuildPolicyAttachment_NoOverridesLeavesMapEmpty(t *testing.T) {
	tmpl := &Template{
		Name:         "no-override-template",
		MinApprovals: 2,
		AllowedModes: []decision.Mode{decision.ModeDryRun, decision.ModeApply},
		Digest:       "sha256:deadbeef",
	}
	payload, err := BuildPolicyAttachment(tmpl, decision.ModeApply, Overrides{})
	if err != nil {
		t.Fatalf("BuildPolicyAttachment: %v", err)
	}
	if payload.OverridesApplied != nil {
		t.Fatalf("OverridesApplied = %v, want nil when nothing was overridden", payload.OverridesApplied)
	}
}
