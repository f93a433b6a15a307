// Package decision implements the event-sourced decision aggregate: a pure fold from an ordered event log to a Decision
// projection, plus lifecycle analysis (blocking reasons, timeline).
//
// The projection is never persisted: every read replays
// the aggregate's event log. Events themselves are immutable once appended
//; this package only folds them, it never stores them — that
// is pkg/eventstore's job (C2).
package decision

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusctl/core/pkg/canonical"
)

// EventType enumerates the event variants below. Each variant has its own
// payload type — a tagged-variant design rather than an open payload map,
// while still serializing through the same canonical-JSON path on disk.
type EventType string

const (
	EventDecisionCreated    EventType = "DECISION_CREATED"
	EventPolicyAttached     EventType = "POLICY_ATTACHED"
	EventApprovalGranted    EventType = "APPROVAL_GRANTED"
	EventApprovalRevoked    EventType = "APPROVAL_REVOKED"
	EventExecutionRequested EventType = "EXECUTION_REQUESTED"
	EventExecutionStarted   EventType = "EXECUTION_STARTED"
	EventExecutionCompleted EventType = "EXECUTION_COMPLETED"
	EventExecutionFailed    EventType = "EXECUTION_FAILED"
	EventTemplateCreated    EventType = "TEMPLATE_CREATED"
)

// Mode is the execution mode requested for a decision or allowed by a policy.
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeApply  Mode = "apply"
)

// ActorType distinguishes a human approver from a service/system actor.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
)

// Actor identifies who performed an action.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Event is an immutable, already-appended record as returned by the event
// store. Payload is kept as raw canonical JSON so the projection can decode it
// per-variant without the store needing to know the payload shapes.
type Event struct {
	AggregateID string          `json:"aggregate_id"`
	Seq         int64           `json:"seq"`
	Type        EventType       `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       Actor           `json:"actor"`
	Payload     json.RawMessage `json:"payload"`
	Digest      string          `json:"digest"`
}

// Payload variant types.

type DecisionCreatedPayload struct {
	Goal          string   `json:"goal"`
	Plan          *string  `json:"plan,omitempty"`
	RequestedMode Mode     `json:"requested_mode"`
	Labels        []string `json:"labels"`
}

type PolicyAttachedPayload struct {
	MinApprovals               int                    `json:"min_approvals"`
	AllowedModes                []Mode                `json:"allowed_modes"`
	RequireAdapterCapabilities []string               `json:"require_adapter_capabilities"`
	MaxSteps                   *int                   `json:"max_steps,omitempty"`
	Labels                     []string               `json:"labels"`
	TemplateName               *string                `json:"template_name,omitempty"`
	TemplateDigest             *string                `json:"template_digest,omitempty"`
	TemplateSnapshot           map[string]interface{} `json:"template_snapshot,omitempty"`
	OverridesApplied           map[string]interface{} `json:"overrides_applied,omitempty"`
}

type ApprovalGrantedPayload struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Comment   *string    `json:"comment,omitempty"`
}

type ApprovalRevokedPayload struct {
	Reason string `json:"reason"`
}

type ExecutionRequestedPayload struct {
	AdapterID string `json:"adapter_id"`
	DryRun    bool   `json:"dry_run"`
}

type ExecutionStartedPayload struct {
	RouterRequestDigest string `json:"router_request_digest"`
}

type ExecutionCompletedPayload struct {
	RunID          string `json:"run_id"`
	ResponseDigest string `json:"response_digest"`
	StepsExecuted  *int   `json:"steps_executed,omitempty"`
}

type ExecutionFailedPayload struct {
	ErrorCode    string  `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
	RunID        *string `json:"run_id,omitempty"`
}

type TemplateCreatedPayload struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Policy      map[string]interface{} `json:"policy"`
}

// ComputeDigest is pure and deterministic: two logically identical
// (event_type, payload) pairs always produce the same digest, independent of
// the event's seq, timestamp, or actor.
func ComputeDigest(eventType EventType, payload interface{}) (string, error) {
	digest, err := canonical.ContentDigest(map[string]interface{}{
		"event_type": string(eventType),
		"payload":    payload,
	})
	if err != nil {
		return "", fmt.Errorf("decision: compute digest for %s: %w", eventType, err)
	}
	return digest, nil
}

// DecodePayload unmarshals raw into a typed payload for the given event type.
// Callers that already know the concrete type (e.g. command handlers building
// a new event) should prefer constructing the payload struct directly and
// calling ComputeDigest; this helper is for projection/replay, where only the
// raw bytes from storage are available.
func DecodePayload(eventType EventType, raw json.RawMessage) (interface{}, error) {
	var v interface{}
	switch eventType {
	case EventDecisionCreated:
		v = &DecisionCreatedPayload{}
	case EventPolicyAttached:
		v = &PolicyAttachedPayload{}
	case EventApprovalGranted:
		v = &ApprovalGrantedPayload{}
	case EventApprovalRevoked:
		v = &ApprovalRevokedPayload{}
	case EventExecutionRequested:
		v = &ExecutionRequestedPayload{}
	case EventExecutionStarted:
		v = &ExecutionStartedPayload{}
	case EventExecutionCompleted:
		v = &ExecutionCompletedPayload{}
	case EventExecutionFailed:
		v = &ExecutionFailedPayload{}
	case EventTemplateCreated:
		v = &TemplateCreatedPayload{}
	default:
		return nil, fmt.Errorf("decision: unknown event type %q", eventType)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decision: decode %s payload: %w", eventType, err)
	}
	return v, nil
}
