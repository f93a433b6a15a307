package decision

import (
	"fmt"
	"time"
)

// State is a decision's lifecycle state.
type State string

const (
	StateDraft           State = "DRAFT"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateExecuting       State = "EXECUTING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
)

// Policy is the governance policy attached to a decision.
type Policy struct {
	MinApprovals               int
	AllowedModes                []Mode
	RequireAdapterCapabilities []string
	MaxSteps                   *int
	Labels                     []string
}

// TemplateRef records which template (if any) a policy was derived from.
type TemplateRef struct {
	Name             string
	Digest           string
	Snapshot         map[string]interface{}
	OverridesApplied map[string]interface{}
}

// Approval is one actor's approval state.
type Approval struct {
	ActorID      string
	GrantedAt    time.Time
	ExpiresAt    *time.Time
	Comment      *string
	Revoked      bool
	RevokedAt    *time.Time
	RevokeReason string
}

// Active reports whether the approval currently counts toward the threshold:
// not revoked, and either no expiry or an expiry strictly in the future.
func (a *Approval) Active(now time.Time) bool {
	if a.Revoked {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Execution is one requested router dispatch and its outcome.
type Execution struct {
	AdapterID           string
	DryRun              bool
	RequestedAt         time.Time
	RequestedAtSeq      int64
	StartedAt           *time.Time
	RouterRequestDigest string
	RunID               string
	ResponseDigest      string
	StepsExecuted       *int
	CompletedAt         *time.Time
	ErrorCode           string
	ErrorMessage        string
	FailedAt            *time.Time
}

// Decision is the projected state of a decision aggregate: the deterministic
// fold of its event log. It is never persisted; Events is a
// read-only convenience slice populated by whoever replayed the log (the event
// store), not a backreference the projection owns.
type Decision struct {
	ID            string
	Goal          string
	Plan          *string
	RequestedMode Mode
	Labels        []string
	CreatedAt     time.Time

	State       State
	Policy      *Policy
	TemplateRef *TemplateRef
	Approvals   map[string]*Approval
	Executions  []*Execution

	Events []Event
}

// ActiveApprovalCount returns the number of non-revoked, non-expired approvals.
func (d *Decision) ActiveApprovalCount(now time.Time) int {
	n := 0
	for _, a := range d.Approvals {
		if a.Active(now) {
			n++
		}
	}
	return n
}

// TotalGrantedCount returns the number of non-revoked approvals, ignoring
// expiry — used to distinguish APPROVAL_EXPIRED from MISSING_APPROVALS: a
// decision whose granted-but-possibly-expired count already meets the
// threshold is "expired", not "missing".
func (d *Decision) TotalGrantedCount() int {
	n := 0
	for _, a := range d.Approvals {
		if !a.Revoked {
			n++
		}
	}
	return n
}

// IsApproved reports whether active approvals meet the policy threshold.
func (d *Decision) IsApproved(now time.Time) bool {
	if d.Policy == nil {
		return false
	}
	return d.ActiveApprovalCount(now) >= d.Policy.MinApprovals
}

// LatestExecution returns the most recently requested execution, or nil.
func (d *Decision) LatestExecution() *Execution {
	if len(d.Executions) == 0 {
		return nil
	}
	return d.Executions[len(d.Executions)-1]
}

// Project folds an ordered event log into a Decision. Replay is
// idempotent and pure: the same event slice always yields an equal Decision
//.
func Project(events []Event) (*Decision, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("decision: cannot project an empty event log")
	}

	d := &Decision{
		ID:        events[0].AggregateID,
		State:     StateDraft,
		Approvals: make(map[string]*Approval),
		CreatedAt: events[0].Timestamp,
	}

	for _, ev := range events {
		if ev.AggregateID != d.ID {
			return nil, fmt.Errorf("decision: event for aggregate %s encountered while projecting %s", ev.AggregateID, d.ID)
		}
		d.Events = append(d.Events, ev)

		payload, err := DecodePayload(ev.Type, ev.Payload)
		if err != nil {
			return nil, err
		}

		switch p := payload.(type) {
		case *DecisionCreatedPayload:
			d.Goal = p.Goal
			d.Plan = p.Plan
			d.RequestedMode = p.RequestedMode
			d.Labels = p.Labels

		case *PolicyAttachedPayload:
			d.Policy = &Policy{
				MinApprovals:               p.MinApprovals,
				AllowedModes:               p.AllowedModes,
				RequireAdapterCapabilities: p.RequireAdapterCapabilities,
				MaxSteps:                   p.MaxSteps,
				Labels:                     p.Labels,
			}
			if p.TemplateName != nil {
				ref := &TemplateRef{
					Snapshot:         p.TemplateSnapshot,
					OverridesApplied: p.OverridesApplied,
				}
				ref.Name = *p.TemplateName
				if p.TemplateDigest != nil {
					ref.Digest = *p.TemplateDigest
				}
				d.TemplateRef = ref
			}
			d.State = StatePendingApproval

		case *ApprovalGrantedPayload:
			d.Approvals[ev.Actor.ID] = &Approval{
				ActorID:   ev.Actor.ID,
				GrantedAt: ev.Timestamp,
				ExpiresAt: p.ExpiresAt,
				Comment:   p.Comment,
			}
			d.reevaluateApprovalState(ev.Timestamp)

		case *ApprovalRevokedPayload:
			a, ok := d.Approvals[ev.Actor.ID]
			if !ok {
				return nil, fmt.Errorf("decision: APPROVAL_REVOKED for actor %s with no existing approval", ev.Actor.ID)
			}
			a.Revoked = true
			revokedAt := ev.Timestamp
			a.RevokedAt = &revokedAt
			a.RevokeReason = p.Reason
			d.reevaluateApprovalState(ev.Timestamp)

		case *ExecutionRequestedPayload:
			d.Executions = append(d.Executions, &Execution{
				AdapterID:      p.AdapterID,
				DryRun:         p.DryRun,
				RequestedAt:    ev.Timestamp,
				RequestedAtSeq: ev.Seq,
			})

		case *ExecutionStartedPayload:
			exec := d.LatestExecution()
			if exec == nil {
				return nil, fmt.Errorf("decision: EXECUTION_STARTED with no prior EXECUTION_REQUESTED")
			}
			startedAt := ev.Timestamp
			exec.StartedAt = &startedAt
			exec.RouterRequestDigest = p.RouterRequestDigest
			d.State = StateExecuting

		case *ExecutionCompletedPayload:
			exec := d.LatestExecution()
			if exec == nil {
				return nil, fmt.Errorf("decision: EXECUTION_COMPLETED with no prior EXECUTION_REQUESTED")
			}
			exec.RunID = p.RunID
			exec.ResponseDigest = p.ResponseDigest
			exec.StepsExecuted = p.StepsExecuted
			completedAt := ev.Timestamp
			exec.CompletedAt = &completedAt
			d.State = StateCompleted

		case *ExecutionFailedPayload:
			exec := d.LatestExecution()
			if exec == nil {
				return nil, fmt.Errorf("decision: EXECUTION_FAILED with no prior EXECUTION_REQUESTED")
			}
			exec.ErrorCode = p.ErrorCode
			exec.ErrorMessage = p.ErrorMessage
			if p.RunID != nil {
				exec.RunID = *p.RunID
			}
			failedAt := ev.Timestamp
			exec.FailedAt = &failedAt
			d.State = StateFailed

		default:
			return nil, fmt.Errorf("decision: unhandled payload type %T for event %s", payload, ev.Type)
		}
	}

	return d, nil
}

// reevaluateApprovalState re-derives PENDING_APPROVAL vs APPROVED after an
// approval grant or revocation, : only while the decision is in
// one of those two states — approval changes after execution has started
// never move the state backwards.
func (d *Decision) reevaluateApprovalState(now time.Time) {
	if d.State != StatePendingApproval && d.State != StateApproved {
		return
	}
	if d.IsApproved(now) {
		d.State = StateApproved
	} else {
		d.State = StatePendingApproval
	}
}
