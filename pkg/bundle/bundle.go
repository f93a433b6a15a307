// Package bundle implements export/import of DecisionBundle, the portable
// deterministic rendering of a decision — component
// C4. A bundle round-trips a decision's full event log through a single
// canonical-JSON document whose digest anyone can recompute and check.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/eventstore"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// Version is the current bundle wire-format version.
const Version = "0.5"

// Conflict modes accepted by Import.
const (
	ConflictRejectOnConflict = "reject_on_conflict"
	ConflictNewDecisionID    = "new_decision_id"
	ConflictOverwrite        = "overwrite"
)

// Decision is the bundle's decision header.
type Decision struct {
	DecisionID string    `json:"decision_id"`
	Goal       string    `json:"goal,omitempty"`
	Mode       string    `json:"mode"`
	CreatedAt  time.Time `json:"created_at"`
	Status     string    `json:"status"`
}

// Event is one event as it appears inside a bundle.
type Event struct {
	EventID    string      `json:"event_id"`
	DecisionID string      `json:"decision_id"`
	Seq        int64       `json:"seq"`
	Type       string      `json:"type"`
	Payload    interface{} `json:"payload"`
	Timestamp  time.Time   `json:"ts"`
	Actor      EventActor  `json:"actor"`
	Digest     string      `json:"digest"`
}

// EventActor mirrors decision.Actor with bundle JSON tags.
type EventActor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// TemplateSnapshot captures the template a decision's policy was derived
// from, if any.
type TemplateSnapshot struct {
	Present   bool                   `json:"present"`
	Name      string                 `json:"name,omitempty"`
	Digest    string                 `json:"digest,omitempty"`
	Snapshot  map[string]interface{} `json:"snapshot,omitempty"`
	Overrides map[string]interface{} `json:"overrides,omitempty"`
}

// RouterLink is the portable proof that a decision authorized a router run.
type RouterLink struct {
	Present                 bool   `json:"-"`
	RunID                   string `json:"run_id,omitempty"`
	AdapterID               string `json:"adapter_id,omitempty"`
	RouterRequestDigest     string `json:"router_request_digest,omitempty"`
	RouterResultDigest      string `json:"router_result_digest,omitempty"`
	ControlRouterLinkDigest string `json:"control_router_link_digest,omitempty"`
}

// Integrity carries the bundle's self-describing digest.
type Integrity struct {
	Alg             string `json:"alg"`
	CanonicalDigest string `json:"canonical_digest"`
}

// ProvenanceRecord documents one derivation step that produced this bundle.
type ProvenanceRecord struct {
	ProvID   string                 `json:"prov_id"`
	MethodID string                 `json:"method_id"`
	Inputs   map[string]interface{} `json:"inputs"`
	Outputs  map[string]interface{} `json:"outputs"`
}

// Provenance wraps the bundle's provenance records.
type Provenance struct {
	Records []ProvenanceRecord `json:"records"`
}

// Meta holds fields excluded from the canonical digest input.
type Meta struct {
	ExportedAt time.Time `json:"exported_at"`
}

// DecisionBundle is the full wire-format document.
type DecisionBundle struct {
	BundleVersion    string            `json:"bundle_version"`
	Decision         Decision          `json:"decision"`
	Events           []Event           `json:"events"`
	TemplateSnapshot TemplateSnapshot  `json:"template_snapshot"`
	RouterLink       *RouterLink       `json:"router_link,omitempty"`
	Integrity        Integrity         `json:"integrity"`
	Provenance       Provenance        `json:"provenance"`
	Meta             Meta              `json:"meta"`
}

// canonicalPayload returns the subset of fields the canonical digest is
// computed over — bundle_version, decision, events, template_snapshot,
// router_link — explicitly excluding integrity, provenance, and meta.
func canonicalPayload(b *DecisionBundle) map[string]interface{} {
	payload := map[string]interface{}{
		"bundle_version":    b.BundleVersion,
		"decision":          b.Decision,
		"events":            b.Events,
		"template_snapshot": b.TemplateSnapshot,
	}
	if b.RouterLink != nil {
		payload["router_link"] = b.RouterLink
	} else {
		payload["router_link"] = nil
	}
	return payload
}

// Export builds a DecisionBundle from an already-projected Decision.
func Export(d *decision.Decision) (*DecisionBundle, error) {
	if len(d.Events) == 0 {
		return nil, nexuserr.New(nexuserr.CodeDecisionNotFound, "decision has no events to export")
	}

	events := make([]decision.Event, len(d.Events))
	copy(events, d.Events)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	mode := string(d.RequestedMode)
	if mode == "" {
		mode = string(decision.ModeDryRun)
	}

	b := &DecisionBundle{
		BundleVersion: Version,
		Decision: Decision{
			DecisionID: d.ID,
			Goal:       d.Goal,
			Mode:       mode,
			CreatedAt:  events[0].Timestamp,
			Status:     strings.ToUpper(string(d.State)),
		},
		Events: make([]Event, len(events)),
	}

	for i, ev := range events {
		payload, err := decision.DecodePayload(ev.Type, ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("bundle: decode event payload: %w", err)
		}
		b.Events[i] = Event{
			EventID:    fmt.Sprintf("%s:%d", d.ID, ev.Seq),
			DecisionID: d.ID,
			Seq:        ev.Seq,
			Type:       string(ev.Type),
			Payload:    payload,
			Timestamp:  ev.Timestamp,
			Actor:      EventActor{Type: string(ev.Actor.Type), ID: ev.Actor.ID},
			Digest:     ev.Digest,
		}
	}

	if d.TemplateRef != nil {
		b.TemplateSnapshot = TemplateSnapshot{
			Present:   true,
			Name:      d.TemplateRef.Name,
			Digest:    d.TemplateRef.Digest,
			Snapshot:  d.TemplateRef.Snapshot,
			Overrides: d.TemplateRef.OverridesApplied,
		}
	}

	if exec := d.LatestExecution(); exec != nil {
		linkDigest, err := canonical.ContentDigest(map[string]interface{}{
			"decision_id":           d.ID,
			"run_id":                exec.RunID,
			"router_request_digest": exec.RouterRequestDigest,
			"router_result_digest":  exec.ResponseDigest,
		})
		if err != nil {
			return nil, fmt.Errorf("bundle: compute control-router link digest: %w", err)
		}
		b.RouterLink = &RouterLink{
			Present:                 true,
			RunID:                   exec.RunID,
			AdapterID:               exec.AdapterID,
			RouterRequestDigest:     exec.RouterRequestDigest,
			RouterResultDigest:      exec.ResponseDigest,
			ControlRouterLinkDigest: linkDigest,
		}
	}

	digest, err := canonical.ContentDigest(canonicalPayload(b))
	if err != nil {
		return nil, fmt.Errorf("bundle: compute canonical digest: %w", err)
	}
	b.Integrity = Integrity{Alg: "sha256", CanonicalDigest: digest}

	provID := provenanceID(d.ID, digest)
	b.Provenance = Provenance{
		Records: []ProvenanceRecord{{
			ProvID:   provID,
			MethodID: "export",
			Inputs:   map[string]interface{}{"decision_id": d.ID},
			Outputs:  map[string]interface{}{"canonical_digest": digest},
		}},
	}
	b.Meta = Meta{ExportedAt: time.Now().UTC()}

	return b, nil
}

// provenanceID derives a deterministic provenance record id: "prov_" plus the
// first 12 hex characters of sha256(decisionID + ":" + digest).
func provenanceID(decisionID, digest string) string {
	sum := sha256.Sum256([]byte(decisionID + ":" + digest))
	return "prov_" + hex.EncodeToString(sum[:])[:12]
}

// VerifyDigest recomputes b's canonical digest and compares it to
// b.Integrity.CanonicalDigest.
func VerifyDigest(b *DecisionBundle) (bool, string, error) {
	digest, err := canonical.ContentDigest(canonicalPayload(b))
	if err != nil {
		return false, "", fmt.Errorf("bundle: recompute canonical digest: %w", err)
	}
	return digest == b.Integrity.CanonicalDigest, digest, nil
}

// Options controls Import behavior.
type Options struct {
	ConflictMode      string
	VerifyDigest      bool
	ReplayAfterImport bool
	// NewDecisionID supplies the id to use when ConflictMode is
	// new_decision_id and the bundle's own id already exists. If nil, the new
	// id is the bundle's id plus "-" plus the bundle's provenance id.
	NewDecisionID func() string
}

// Result reports what Import actually did.
type Result struct {
	DecisionID string
	Digest     string
	Replayed   bool
}

// Import validates and writes a DecisionBundle via store.ImportAtomic. Any
// failure leaves the store untouched except for the decision rolled back in
// the REPLAY_INVALID case.
func Import(ctx context.Context, store *eventstore.Store, b *DecisionBundle, opts Options) (*Result, error) {
	if err := validateSchema(b); err != nil {
		return nil, err
	}

	switch opts.ConflictMode {
	case ConflictRejectOnConflict, ConflictNewDecisionID, ConflictOverwrite:
	default:
		return nil, nexuserr.Newf(nexuserr.CodeConflictModeInvalid, "unknown conflict mode %q", opts.ConflictMode)
	}

	if opts.VerifyDigest {
		ok, recomputed, err := VerifyDigest(b)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nexuserr.New(nexuserr.CodeIntegrityMismatch, "recomputed canonical digest does not match integrity.canonical_digest").
				WithContext("expected", b.Integrity.CanonicalDigest).
				WithContext("actual", recomputed)
		}
	}

	if err := validateEventSeqs(b.Events); err != nil {
		return nil, err
	}

	targetID := b.Decision.DecisionID
	exists, err := store.Exists(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("bundle: check target existence: %w", err)
	}

	overwrite := false
	if exists {
		switch opts.ConflictMode {
		case ConflictRejectOnConflict:
			return nil, nexuserr.New(nexuserr.CodeDecisionExists, fmt.Sprintf("decision %s already exists", targetID)).WithContext("decision_id", targetID)
		case ConflictOverwrite:
			overwrite = true
		case ConflictNewDecisionID:
			if opts.NewDecisionID != nil {
				targetID = opts.NewDecisionID()
			} else {
				targetID = targetID + "-" + provenanceID(targetID, b.Integrity.CanonicalDigest)
			}
		}
	}

	events := make([]decision.Event, len(b.Events))
	for i, ev := range b.Events {
		rawPayload, err := canonical.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("bundle: re-marshal event payload: %w", err)
		}
		events[i] = decision.Event{
			AggregateID: targetID,
			Seq:         ev.Seq,
			Type:        decision.EventType(ev.Type),
			Timestamp:   ev.Timestamp,
			Actor:       decision.Actor{Type: decision.ActorType(ev.Actor.Type), ID: ev.Actor.ID},
			Payload:     rawPayload,
			Digest:      ev.Digest,
		}
	}

	if err := store.ImportAtomic(ctx, targetID, b.Decision.CreatedAt, events, overwrite); err != nil {
		return nil, err
	}

	result := &Result{DecisionID: targetID, Digest: b.Integrity.CanonicalDigest}

	if opts.ReplayAfterImport {
		replayed, err := store.GetEvents(ctx, targetID)
		if err != nil {
			store.DeleteAggregate(ctx, targetID)
			return nil, nexuserr.Wrap(nexuserr.CodeReplayInvalid, "failed to reload imported events", err)
		}
		if _, err := decision.Project(replayed); err != nil {
			store.DeleteAggregate(ctx, targetID)
			return nil, nexuserr.Wrap(nexuserr.CodeReplayInvalid, "imported event log does not replay", err)
		}
		result.Replayed = true
	}

	return result, nil
}

func validateSchema(b *DecisionBundle) error {
	if b.BundleVersion == "" {
		return nexuserr.New(nexuserr.CodeBundleInvalidSchema, "bundle_version is required")
	}
	if b.Decision.DecisionID == "" {
		return nexuserr.New(nexuserr.CodeBundleInvalidSchema, "decision.decision_id is required")
	}
	if len(b.Events) == 0 {
		return nexuserr.New(nexuserr.CodeBundleInvalidSchema, "events must be non-empty")
	}
	if b.Integrity.CanonicalDigest == "" {
		return nexuserr.New(nexuserr.CodeBundleInvalidSchema, "integrity.canonical_digest is required")
	}
	return nil
}

// validateEventSeqs enforces the seq invariant on an imported event log:
// seqs start at 0, no gaps, strictly increasing by 1.
func validateEventSeqs(events []Event) error {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	for i, ev := range sorted {
		if ev.Seq != int64(i) {
			return nexuserr.Newf(nexuserr.CodeBundleInvalidSchema, "event seqs must start at 0 with no gaps: expected %d, got %d", i, ev.Seq)
		}
	}
	return nil
}
