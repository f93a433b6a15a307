// Integration tests against a real Postgres instance, gated behind
// NEXUSCTL_TEST_DATABASE_URL the same way pkg/eventstore's tests are —
// skipped entirely when no test database is configured.
package execflow

import (
	"context"
	"os"
	"testing"

	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/eventstore"
	"github.com/nexusctl/core/pkg/nexuserr"
	"github.com/nexusctl/core/pkg/router"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	url := os.Getenv("NEXUSCTL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NEXUSCTL_TEST_DATABASE_URL not set, skipping execflow integration tests")
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
	return eventstore.New(pg)
}

type fakeDispatcher struct {
	runResult router.RunResult
	runErr    error
	caps      map[string]struct{}
	capsErr   error
}

func (d *fakeDispatcher) Run(ctx context.Context, req router.RunRequest) (router.RunResult, error) {
	return d.runResult, d.runErr
}

func (d *fakeDispatcher) GetAdapterCapabilities(ctx context.Context, adapterID string) (map[string]struct{}, error) {
	return d.caps, d.capsErr
}

func approvedDecision(t *testing.T, s *eventstore.Store) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.CreateAggregate(ctx, "")
	if err != nil {
		t.Fatalf("CreateAggregate: %v", err)
	}
	actor := decision.Actor{Type: decision.ActorHuman, ID: "requester-1"}
	if _, err := s.AppendEvent(ctx, id, decision.EventDecisionCreated, actor, &decision.DecisionCreatedPayload{
		Goal:          "deploy version X",
		RequestedMode: decision.ModeApply,
	}); err != nil {
		t.Fatalf("append DECISION_CREATED: %v", err)
	}
	if _, err := s.AppendEvent(ctx, id, decision.EventPolicyAttached, actor, &decision.PolicyAttachedPayload{
		MinApprovals: 1,
		AllowedModes: []decision.Mode{decision.ModeApply},
	}); err != nil {
		t.Fatalf("append POLICY_ATTACHED: %v", err)
	}
	approverActor := decision.Actor{Type: decision.ActorHuman, ID: "approver-1"}
	if _, err := s.AppendEvent(ctx, id, decision.EventApprovalGranted, approverActor, &decision.ApprovalGrantedPayload{}); err != nil {
		t.Fatalf("append APPROVAL_GRANTED: %v", err)
	}
	return id
}

func TestDispatch_SuccessRecordsExecutionCompleted(t *testing.T) {
	s := openTestStore(t)
	id := approvedDecision(t, s)
	dispatcher := &fakeDispatcher{runResult: router.RunResult{RunID: "run-1", StepsExecuted: 3}}
	actor := decision.Actor{Type: decision.ActorSystem, ID: "nexusd"}

	d, err := Dispatch(context.Background(), s, dispatcher, id, actor, DispatchRequest{AdapterID: "k8s", Goal: "deploy version X"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	exec := d.LatestExecution()
	if exec == nil || exec.RunID != "run-1" {
		t.Fatalf("LatestExecution = %+v, want run_id run-1", exec)
	}
}

func TestDispatch_RouterErrorRecordsExecutionFailed(t *testing.T) {
	s := openTestStore(t)
	id := approvedDecision(t, s)
	dispatcher := &fakeDispatcher{runErr: context.DeadlineExceeded}
	actor := decision.Actor{Type: decision.ActorSystem, ID: "nexusd"}

	d, err := Dispatch(context.Background(), s, dispatcher, id, actor, DispatchRequest{AdapterID: "k8s", Goal: "deploy version X"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	exec := d.LatestExecution()
	if exec == nil || exec.ErrorCode != "ROUTER_ERROR" {
		t.Fatalf("LatestExecution = %+v, want error_code ROUTER_ERROR", exec)
	}
}

func TestDispatch_MissingCapabilityFailsWithoutCallingRouter(t *testing.T) {
	s := openTestStore(t)
	id := approvedDecision(t, s)
	dispatcher := &fakeDispatcher{caps: map[string]struct{}{"deploy": {}}}
	actor := decision.Actor{Type: decision.ActorSystem, ID: "nexusd"}

	d, err := Dispatch(context.Background(), s, dispatcher, id, actor, DispatchRequest{
		AdapterID:           "k8s",
		Goal:                "deploy version X",
		RequireCapabilities: []string{"rollback"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	exec := d.LatestExecution()
	if exec == nil || exec.ErrorCode != "CAPABILITY_MISSING" {
		t.Fatalf("LatestExecution = %+v, want error_code CAPABILITY_MISSING", exec)
	}
}

func TestDispatch_UnapprovedDecisionIsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.CreateAggregate(ctx, "")
	if err != nil {
		t.Fatalf("CreateAggregate: %v", err)
	}
	actor := decision.Actor{Type: decision.ActorHuman, ID: "requester-1"}
	if _, err := s.AppendEvent(ctx, id, decision.EventDecisionCreated, actor, &decision.DecisionCreatedPayload{
		Goal:          "deploy version X",
		RequestedMode: decision.ModeApply,
	}); err != nil {
		t.Fatalf("append DECISION_CREATED: %v", err)
	}

	dispatcher := &fakeDispatcher{runResult: router.RunResult{RunID: "run-1"}}
	_, err = Dispatch(ctx, s, dispatcher, id, actor, DispatchRequest{AdapterID: "k8s", Goal: "deploy version X"})
	if err == nil {
		t.Fatal("Dispatch: want an error for an unapproved decision")
	}
	if nexuserr.CodeOf(err) != nexuserr.CodeMissingApprovals {
		t.Fatalf("error code = %v, want MISSING_APPROVALS", nexuserr.CodeOf(err))
	}
}
