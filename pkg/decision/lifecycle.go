package decision

import (
	"fmt"
	"time"

	"github.com/nexusctl/core/pkg/nexuserr"
)

// BlockingReason explains why a decision cannot currently proceed.
// At most one is ever returned for a given decision.
type BlockingReason struct {
	Code    nexuserr.Code
	Details map[string]interface{}
}

// TimelineEntry is one human-friendly entry in a decision's timeline. Entries
// are sorted by (Seq, syntheticRank) so a synthetic entry shares a seq with
// the real event that produced it but always sorts after it.
type TimelineEntry struct {
	Seq       int64
	Synthetic bool
	Type      string
	Timestamp time.Time
	Summary   string
	Details   map[string]interface{}
}

// Lifecycle is the result of analyzing a Decision: its state, why it's
// blocked (if at all), how far along it is, and its event timeline.
type Lifecycle struct {
	State             State
	BlockingReasons   []BlockingReason
	Progress          float64
	Timeline          []TimelineEntry
	TimelineTotal     int
	TimelineTruncated bool
}

// TimelineLimit controls timeline truncation. The zero value is not valid —
// use DefaultTimelineLimit or UnlimitedTimeline or NewTimelineLimit.
type TimelineLimit struct {
	unlimited bool
	n         int
}

// DefaultTimelineLimit keeps the most recent 20 entries.
func DefaultTimelineLimit() TimelineLimit {
	return TimelineLimit{n: 20}
}

// UnlimitedTimeline disables truncation entirely.
func UnlimitedTimeline() TimelineLimit {
	return TimelineLimit{unlimited: true}
}

// NewTimelineLimit keeps at most n entries.
func NewTimelineLimit(n int) TimelineLimit {
	return TimelineLimit{n: n}
}

// AnalyzeBlockingReasons implements the fixed priority checklist of 
// The first matching rule is returned exclusively.
func AnalyzeBlockingReasons(d *Decision, now time.Time) []BlockingReason {
	if d.Policy == nil {
		return []BlockingReason{{Code: nexuserr.CodeNoPolicy}}
	}

	if d.State == StateCompleted {
		exec := d.LatestExecution()
		runID := ""
		if exec != nil {
			runID = exec.RunID
		}
		return []BlockingReason{{
			Code:    nexuserr.CodeAlreadyExecuted,
			Details: map[string]interface{}{"run_id": runID},
		}}
	}

	if d.State == StateFailed {
		exec := d.LatestExecution()
		errorCode, errorMessage := "", ""
		if exec != nil {
			errorCode, errorMessage = exec.ErrorCode, exec.ErrorMessage
		}
		return []BlockingReason{{
			Code: nexuserr.CodeExecutionFailed,
			Details: map[string]interface{}{
				"error_code":    errorCode,
				"error_message": errorMessage,
			},
		}}
	}

	required := d.Policy.MinApprovals
	currentValid := d.ActiveApprovalCount(now)
	totalGranted := d.TotalGrantedCount()
	expiredCount := 0
	for _, a := range d.Approvals {
		if !a.Revoked && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			expiredCount++
		}
	}

	if expiredCount > 0 && totalGranted >= required {
		return []BlockingReason{{
			Code: nexuserr.CodeApprovalExpired,
			Details: map[string]interface{}{
				"expired_count": expiredCount,
				"current_valid": currentValid,
				"required":      required,
			},
		}}
	}

	if currentValid < required {
		return []BlockingReason{{
			Code: nexuserr.CodeMissingApprovals,
			Details: map[string]interface{}{
				"required": required,
				"current":  currentValid,
				"missing":  required - currentValid,
			},
		}}
	}

	return nil
}

// Progress is a single approval-phase completion fraction in [0,1]: active
// approvals over the policy's required count, capped at 1.0. Once a decision
// reaches APPROVED it stays at 1.0 through EXECUTING/COMPLETED/FAILED — the
// approval requirement, once met, doesn't retroactively un-meet itself just
// because the decision moved on (see DESIGN.md for the reasoning behind this
// choice).
func Progress(d *Decision, now time.Time) float64 {
	if d.Policy == nil || d.Policy.MinApprovals <= 0 {
		return 0
	}
	if d.State == StateApproved || d.State == StateExecuting || d.State == StateCompleted || d.State == StateFailed {
		return 1.0
	}
	p := float64(d.ActiveApprovalCount(now)) / float64(d.Policy.MinApprovals)
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// AnalyzeLifecycle runs blocking-reason analysis and builds the timeline.
func AnalyzeLifecycle(d *Decision, now time.Time, limit TimelineLimit) (*Lifecycle, error) {
	timeline, err := buildTimeline(d)
	if err != nil {
		return nil, err
	}

	total := len(timeline)
	truncated := false
	if !limit.unlimited && limit.n >= 0 && total > limit.n {
		timeline = timeline[total-limit.n:]
		truncated = true
	}

	return &Lifecycle{
		State:             d.State,
		BlockingReasons:   AnalyzeBlockingReasons(d, now),
		Progress:          Progress(d, now),
		Timeline:          timeline,
		TimelineTotal:     total,
		TimelineTruncated: truncated,
	}, nil
}

func buildTimeline(d *Decision) ([]TimelineEntry, error) {
	entries := make([]TimelineEntry, 0, len(d.Events)+1)

	var required *int
	approvals := map[string]*Approval{}
	thresholdSeq, thresholdFound := int64(0), false

	for _, ev := range d.Events {
		payload, err := DecodePayload(ev.Type, ev.Payload)
		if err != nil {
			return nil, err
		}

		entries = append(entries, timelineEntryFor(ev, payload))

		switch p := payload.(type) {
		case *PolicyAttachedPayload:
			r := p.MinApprovals
			required = &r
		case *ApprovalGrantedPayload:
			approvals[ev.Actor.ID] = &Approval{ActorID: ev.Actor.ID, ExpiresAt: p.ExpiresAt}
		case *ApprovalRevokedPayload:
			if a, ok := approvals[ev.Actor.ID]; ok {
				a.Revoked = true
			}
		}

		if !thresholdFound && required != nil && (ev.Type == EventApprovalGranted || ev.Type == EventApprovalRevoked) {
			count := 0
			for _, a := range approvals {
				if a.Active(ev.Timestamp) {
					count++
				}
			}
			if count >= *required {
				thresholdSeq = ev.Seq
				thresholdFound = true
			}
		}
	}

	if thresholdFound {
		var ts time.Time
		for _, ev := range d.Events {
			if ev.Seq == thresholdSeq {
				ts = ev.Timestamp
				break
			}
		}
		entries = append(entries, TimelineEntry{
			Seq:       thresholdSeq,
			Synthetic: true,
			Type:      "THRESHOLD_MET",
			Timestamp: ts,
			Summary:   fmt.Sprintf("approval threshold met (%d required)", *required),
			Details:   map[string]interface{}{"required": *required},
		})
	}

	// Stable sort by (seq, syntheticRank): entries were appended in seq order
	// already except for the single appended synthetic entry, so an insertion
	// sort keyed on (seq, synthetic) suffices and preserves relative order.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && timelineLess(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	return entries, nil
}

func timelineLess(a, b TimelineEntry) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return boolRank(a.Synthetic) < boolRank(b.Synthetic)
}

func boolRank(synthetic bool) int {
	if synthetic {
		return 1
	}
	return 0
}

func timelineEntryFor(ev Event, payload interface{}) TimelineEntry {
	entry := TimelineEntry{
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Details:   map[string]interface{}{},
	}

	switch p := payload.(type) {
	case *DecisionCreatedPayload:
		entry.Summary = fmt.Sprintf("decision created: %s", p.Goal)
	case *PolicyAttachedPayload:
		entry.Summary = fmt.Sprintf("policy attached: %d approval(s) required", p.MinApprovals)
	case *ApprovalGrantedPayload:
		entry.Summary = fmt.Sprintf("%s approved", ev.Actor.ID)
	case *ApprovalRevokedPayload:
		entry.Summary = fmt.Sprintf("%s revoked approval: %s", ev.Actor.ID, p.Reason)
	case *ExecutionRequestedPayload:
		entry.Summary = fmt.Sprintf("execution requested via adapter %s", p.AdapterID)
	case *ExecutionStartedPayload:
		entry.Summary = "execution started"
	case *ExecutionCompletedPayload:
		entry.Summary = fmt.Sprintf("execution completed: run %s", p.RunID)
	case *ExecutionFailedPayload:
		entry.Summary = fmt.Sprintf("execution failed: %s", p.ErrorCode)
	case *TemplateCreatedPayload:
		entry.Summary = fmt.Sprintf("template created: %s", p.Name)
	default:
		entry.Summary = string(ev.Type)
	}

	return entry
}
