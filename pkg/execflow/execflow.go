// Package execflow drives a decision's execution dispatch: it
// requests the action, calls the router dispatch port, and records the
// outcome as EXECUTION_STARTED/COMPLETED/FAILED events. It is the one place
// pkg/router.Dispatcher is called from.
package execflow

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/eventstore"
	"github.com/nexusctl/core/pkg/nexuserr"
	"github.com/nexusctl/core/pkg/router"
)

// DispatchRequest describes the action to execute.
type DispatchRequest struct {
	AdapterID           string
	Goal                string
	Plan                string
	DryRun              bool
	MaxSteps            *int
	RequireCapabilities []string
}

// Dispatch checks the decision is currently approved (appending nothing if
// not), appends EXECUTION_REQUESTED, checks adapter capabilities if the
// dispatcher reports them,
// calls Dispatcher.Run, and appends EXECUTION_STARTED followed by either
// EXECUTION_COMPLETED or EXECUTION_FAILED.
func Dispatch(ctx context.Context, store *eventstore.Store, dispatcher router.Dispatcher, decisionID string, actor decision.Actor, req DispatchRequest) (*decision.Decision, error) {
	events, err := store.GetEvents(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("execflow: load events: %w", err)
	}
	d, err := decision.Project(events)
	if err != nil {
		return nil, fmt.Errorf("execflow: project decision: %w", err)
	}
	if !d.IsApproved(time.Now().UTC()) {
		return nil, nexuserr.New(nexuserr.CodeMissingApprovals, "decision is not currently approved").WithContext("decision_id", decisionID)
	}

	if _, err := store.AppendEvent(ctx, decisionID, decision.EventExecutionRequested, actor, &decision.ExecutionRequestedPayload{
		AdapterID: req.AdapterID,
		DryRun:    req.DryRun,
	}); err != nil {
		return nil, fmt.Errorf("execflow: append EXECUTION_REQUESTED: %w", err)
	}

	if len(req.RequireCapabilities) > 0 {
		caps, err := dispatcher.GetAdapterCapabilities(ctx, req.AdapterID)
		if err != nil {
			return nil, fmt.Errorf("execflow: get adapter capabilities: %w", err)
		}
		if caps != nil {
			for _, required := range req.RequireCapabilities {
				if _, ok := caps[required]; !ok {
					return failExecution(ctx, store, decisionID, actor, "CAPABILITY_MISSING", fmt.Sprintf("adapter %s lacks required capability %s", req.AdapterID, required), nil)
				}
			}
		}
	}

	runReq := router.RunRequest{
		Goal:                req.Goal,
		AdapterID:           req.AdapterID,
		Plan:                req.Plan,
		DryRun:              req.DryRun,
		MaxSteps:            req.MaxSteps,
		RequireCapabilities: req.RequireCapabilities,
	}
	requestDigest, err := canonical.ContentDigest(map[string]interface{}{
		"goal":       runReq.Goal,
		"adapter_id": runReq.AdapterID,
		"plan":       runReq.Plan,
		"dry_run":    runReq.DryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("execflow: compute router request digest: %w", err)
	}

	if _, err := store.AppendEvent(ctx, decisionID, decision.EventExecutionStarted, actor, &decision.ExecutionStartedPayload{
		RouterRequestDigest: requestDigest,
	}); err != nil {
		return nil, fmt.Errorf("execflow: append EXECUTION_STARTED: %w", err)
	}

	result, runErr := dispatcher.Run(ctx, runReq)
	if runErr != nil {
		return failExecution(ctx, store, decisionID, actor, "ROUTER_ERROR", runErr.Error(), nil)
	}

	responseDigest, err := canonical.ContentDigest(map[string]interface{}{
		"run_id":         result.RunID,
		"steps_executed": result.StepsExecuted,
		"detail":         result.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("execflow: compute router response digest: %w", err)
	}

	steps := result.StepsExecuted
	if _, err := store.AppendEvent(ctx, decisionID, decision.EventExecutionCompleted, actor, &decision.ExecutionCompletedPayload{
		RunID:          result.RunID,
		ResponseDigest: responseDigest,
		StepsExecuted:  &steps,
	}); err != nil {
		return nil, fmt.Errorf("execflow: append EXECUTION_COMPLETED: %w", err)
	}

	finalEvents, err := store.GetEvents(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("execflow: reload events: %w", err)
	}
	return decision.Project(finalEvents)
}

func failExecution(ctx context.Context, store *eventstore.Store, decisionID string, actor decision.Actor, errorCode, errorMessage string, runID *string) (*decision.Decision, error) {
	if _, err := store.AppendEvent(ctx, decisionID, decision.EventExecutionFailed, actor, &decision.ExecutionFailedPayload{
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		RunID:        runID,
	}); err != nil {
		return nil, fmt.Errorf("execflow: append EXECUTION_FAILED: %w", err)
	}
	events, err := store.GetEvents(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("execflow: reload events after failure: %w", err)
	}
	return decision.Project(events)
}
