// Package templatestore implements named, immutable policy templates and the
// append-only event log backing them — a reusable governance bundle decision
// creation can reference instead of restating a policy every time.
package templatestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// Template is an immutable, named policy bundle. Once created it is never
// updated in place; a new policy means a new template name.
type Template struct {
	Name                       string
	Description                string
	MinApprovals               int
	AllowedModes               []decision.Mode
	RequireAdapterCapabilities []string
	MaxSteps                   *int
	Labels                     []string
	CreatedAt                  time.Time
	CreatedBy                  decision.Actor
	Digest                     string
}

// CreateOptions is the input to Create. AllowedModes defaults to
// {ModeDryRun} and MinApprovals to 1 when left unset, matching the
// original's dataclass defaults.
type CreateOptions struct {
	Name                       string
	Description                string
	MinApprovals               int
	AllowedModes               []decision.Mode
	RequireAdapterCapabilities []string
	MaxSteps                   *int
	Labels                     []string
	Actor                      decision.Actor
}

// Snapshot returns the minimal policy values to embed in a decision's
// POLICY_ATTACHED event — template metadata (digest, created_at, created_by)
// is deliberately excluded, matching Template.to_snapshot in the original.
func (t *Template) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"template_name":                t.Name,
		"template_description":        t.Description,
		"min_approvals":                t.MinApprovals,
		"allowed_modes":                modeStrings(t.AllowedModes),
		"require_adapter_capabilities": stringsOrEmpty(t.RequireAdapterCapabilities),
		"max_steps":                    maxStepsValue(t.MaxSteps),
		"labels":                       stringsOrEmpty(t.Labels),
	}
}

// policyDict is the subset of Snapshot stored in the templates.policy_json
// column — everything but the name/description, which have their own
// columns.
func (t *Template) policyDict() map[string]interface{} {
	return map[string]interface{}{
		"min_approvals":                t.MinApprovals,
		"allowed_modes":                modeStrings(t.AllowedModes),
		"require_adapter_capabilities": stringsOrEmpty(t.RequireAdapterCapabilities),
		"max_steps":                    maxStepsValue(t.MaxSteps),
		"labels":                       stringsOrEmpty(t.Labels),
	}
}

// canonicalDict is the full dict digest() hashes: every field including
// created_at/created_by, matching Template.to_dict/digest in the original —
// a template's digest is therefore bound to who created it and when, not
// just its policy content.
func (t *Template) canonicalDict() map[string]interface{} {
	return map[string]interface{}{
		"name":                         t.Name,
		"description":                  t.Description,
		"min_approvals":                t.MinApprovals,
		"allowed_modes":                modeStrings(t.AllowedModes),
		"require_adapter_capabilities": stringsOrEmpty(t.RequireAdapterCapabilities),
		"max_steps":                    maxStepsValue(t.MaxSteps),
		"labels":                       stringsOrEmpty(t.Labels),
		"created_at":                   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"created_by": map[string]interface{}{
			"type": string(t.CreatedBy.Type),
			"id":   t.CreatedBy.ID,
		},
	}
}

func (t *Template) computeDigest() (string, error) {
	return canonical.ContentDigest(t.canonicalDict())
}

func modeStrings(modes []decision.Mode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func maxStepsValue(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

// validateModes checks every mode is one of the two the aggregate
// understands.
func validateModes(modes []decision.Mode) error {
	for _, m := range modes {
		if m != decision.ModeDryRun && m != decision.ModeApply {
			return nexuserr.Newf(nexuserr.CodeValidationFailed, "invalid mode: %s", m)
		}
	}
	return nil
}

// Store is the Postgres-backed template store: a materialized `templates`
// row per template plus its own append-only `template_events` log, the same
// split pkg/eventstore uses for decisions.
type Store struct {
	pg *pgstore.Store
}

// New wraps an already-open pgstore.Store.
func New(pg *pgstore.Store) *Store {
	return &Store{pg: pg}
}

// Create builds a new Template from opts, appends its single
// TEMPLATE_CREATED event, and persists both inside one transaction. Returns
// CodeTemplateExists if the name is already taken.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (*Template, error) {
	if opts.Name == "" {
		return nil, nexuserr.New(nexuserr.CodeValidationFailed, "template name cannot be empty")
	}
	minApprovals := opts.MinApprovals
	if minApprovals == 0 {
		minApprovals = 1
	}
	if minApprovals < 1 {
		return nil, nexuserr.New(nexuserr.CodeValidationFailed, "min_approvals must be at least 1")
	}
	allowedModes := opts.AllowedModes
	if len(allowedModes) == 0 {
		allowedModes = []decision.Mode{decision.ModeDryRun}
	}
	if err := validateModes(allowedModes); err != nil {
		return nil, err
	}
	if opts.MaxSteps != nil && *opts.MaxSteps < 1 {
		return nil, nexuserr.New(nexuserr.CodeValidationFailed, "max_steps must be at least 1 if specified")
	}

	t := &Template{
		Name:                       opts.Name,
		Description:                opts.Description,
		MinApprovals:               minApprovals,
		AllowedModes:               allowedModes,
		RequireAdapterCapabilities: stringsOrEmpty(opts.RequireAdapterCapabilities),
		MaxSteps:                   opts.MaxSteps,
		Labels:                     stringsOrEmpty(opts.Labels),
		CreatedAt:                  time.Now().UTC(),
		CreatedBy:                  opts.Actor,
	}
	digest, err := t.computeDigest()
	if err != nil {
		return nil, fmt.Errorf("templatestore: compute template digest: %w", err)
	}
	t.Digest = digest

	policyJSON, err := json.Marshal(t.policyDict())
	if err != nil {
		return nil, fmt.Errorf("templatestore: marshal policy: %w", err)
	}

	payload := decision.TemplateCreatedPayload{
		Name:        t.Name,
		Description: t.Description,
		Policy:      t.Snapshot(),
	}
	eventDigest, err := decision.ComputeDigest(decision.EventTemplateCreated, payload)
	if err != nil {
		return nil, fmt.Errorf("templatestore: compute event digest: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("templatestore: marshal event payload: %w", err)
	}

	err = s.pg.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM templates WHERE name = $1)", t.Name).Scan(&exists); err != nil {
			return fmt.Errorf("check existing template: %w", err)
		}
		if exists {
			return nexuserr.Newf(nexuserr.CodeTemplateExists, "template already exists: %s", t.Name).WithContext("name", t.Name)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO templates (name, description, policy_json, created_at, created_by_type, created_by_id, digest)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.Name, t.Description, policyJSON, t.CreatedAt, string(t.CreatedBy.Type), t.CreatedBy.ID, t.Digest); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO template_events (template_name, seq, event_type, ts, actor_type, actor_id, payload_json, digest)
			VALUES ($1, 0, $2, $3, $4, $5, $6, $7)`,
			t.Name, string(decision.EventTemplateCreated), t.CreatedAt, string(t.CreatedBy.Type), t.CreatedBy.ID, payloadJSON, eventDigest); err != nil {
			return fmt.Errorf("insert template event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the template named name, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, name string) (*Template, error) {
	row := s.pg.DB().QueryRowContext(ctx, `
		SELECT name, description, policy_json, created_at, created_by_type, created_by_id, digest
		FROM templates WHERE name = $1`, name)
	t, err := scanTemplate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("templatestore: get: %w", err)
	}
	return t, nil
}

// Exists reports whether a template named name has been created.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := s.pg.DB().QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM templates WHERE name = $1)", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("templatestore: exists: %w", err)
	}
	return exists, nil
}

// List returns templates newest-first, optionally filtered to those whose
// labels include labelFilter.
func (s *Store) List(ctx context.Context, limit, offset int, labelFilter string) ([]*Template, error) {
	var rows *sql.Rows
	var err error
	if labelFilter != "" {
		rows, err = s.pg.DB().QueryContext(ctx, `
			SELECT name, description, policy_json, created_at, created_by_type, created_by_id, digest
			FROM templates
			WHERE policy_json->'labels' ? $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`, labelFilter, limit, offset)
	} else {
		rows, err = s.pg.DB().QueryContext(ctx, `
			SELECT name, description, policy_json, created_at, created_by_type, created_by_id, digest
			FROM templates
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("templatestore: list: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("templatestore: scan list row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	var policyJSON []byte
	var createdByType, createdByID string
	if err := row.Scan(&t.Name, &t.Description, &policyJSON, &t.CreatedAt, &createdByType, &createdByID, &t.Digest); err != nil {
		return nil, err
	}
	t.CreatedBy = decision.Actor{Type: decision.ActorType(createdByType), ID: createdByID}

	var policy struct {
		MinApprovals               int      `json:"min_approvals"`
		AllowedModes               []string `json:"allowed_modes"`
		RequireAdapterCapabilities []string `json:"require_adapter_capabilities"`
		MaxSteps                   *int     `json:"max_steps"`
		Labels                     []string `json:"labels"`
	}
	if err := json.Unmarshal(policyJSON, &policy); err != nil {
		return nil, fmt.Errorf("decode policy_json: %w", err)
	}
	t.MinApprovals = policy.MinApprovals
	t.AllowedModes = make([]decision.Mode, len(policy.AllowedModes))
	for i, m := range policy.AllowedModes {
		t.AllowedModes[i] = decision.Mode(m)
	}
	t.RequireAdapterCapabilities = policy.RequireAdapterCapabilities
	t.MaxSteps = policy.MaxSteps
	t.Labels = policy.Labels
	return &t, nil
}

// MaxStepsOverride distinguishes "not overridden" from "explicitly overridden
// to no limit" for the one optional-int field a template carries.
type MaxStepsOverride struct {
	Set   bool
	Value *int
}

// Overrides holds explicit field overrides supplied at decision-creation time
// on top of a template's defaults. A nil field means "use the template's
// value unchanged".
type Overrides struct {
	MinApprovals               *int
	AllowedModes               []decision.Mode
	RequireAdapterCapabilities []string
	MaxSteps                   *MaxStepsOverride
	Labels                     []string
}

// BuildPolicyAttachment applies ov on top of template, validates requestedMode
// against the resulting allowed_modes, and returns a ready-to-append
// PolicyAttachedPayload carrying the template reference and the dict of
// fields that were overridden (field name -> applied value), matching
// Decision.template_ref.overrides_applied in the original.
func BuildPolicyAttachment(t *Template, requestedMode decision.Mode, ov Overrides) (*decision.PolicyAttachedPayload, error) {
	minApprovals := t.MinApprovals
	allowedModes := t.AllowedModes
	requireCaps := t.RequireAdapterCapabilities
	maxSteps := t.MaxSteps
	labels := t.Labels

	overridesApplied := map[string]interface{}{}

	if ov.MinApprovals != nil {
		minApprovals = *ov.MinApprovals
		overridesApplied["min_approvals"] = minApprovals
	}
	if ov.AllowedModes != nil {
		allowedModes = ov.AllowedModes
		overridesApplied["allowed_modes"] = modeStrings(allowedModes)
	}
	if ov.RequireAdapterCapabilities != nil {
		requireCaps = ov.RequireAdapterCapabilities
		overridesApplied["require_adapter_capabilities"] = requireCaps
	}
	if ov.MaxSteps != nil && ov.MaxSteps.Set {
		maxSteps = ov.MaxSteps.Value
		overridesApplied["max_steps"] = maxStepsValue(maxSteps)
	}
	if ov.Labels != nil {
		labels = ov.Labels
		overridesApplied["labels"] = labels
	}

	if minApprovals < 1 {
		return nil, nexuserr.New(nexuserr.CodeValidationFailed, "min_approvals must be at least 1")
	}
	if err := validateModes(allowedModes); err != nil {
		return nil, err
	}

	allowed := false
	for _, m := range allowedModes {
		if m == requestedMode {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nexuserr.Newf(nexuserr.CodeModeNotAllowed, "mode %q is not in template %q's allowed_modes", requestedMode, t.Name).
			WithContext("template", t.Name).WithContext("mode", string(requestedMode))
	}

	name := t.Name
	digest := t.Digest
	payload := &decision.PolicyAttachedPayload{
		MinApprovals:               minApprovals,
		AllowedModes:               allowedModes,
		RequireAdapterCapabilities: requireCaps,
		MaxSteps:                   maxSteps,
		Labels:                     labels,
		TemplateName:               &name,
		TemplateDigest:             &digest,
		TemplateSnapshot:           t.Snapshot(),
	}
	if len(overridesApplied) > 0 {
		payload.OverridesApplied = overridesApplied
	}
	return payload, nil
}

// StoredEvent is one row of a template's event log, as GetEvents returns it.
type StoredEvent struct {
	TemplateName string
	Seq          int64
	EventType    decision.EventType
	Timestamp    time.Time
	Actor        decision.Actor
	Payload      json.RawMessage
	Digest       string
}

// GetEvents returns every event recorded for name, ordered by seq.
func (s *Store) GetEvents(ctx context.Context, name string) ([]StoredEvent, error) {
	rows, err := s.pg.DB().QueryContext(ctx, `
		SELECT seq, event_type, ts, actor_type, actor_id, payload_json, digest
		FROM template_events WHERE template_name = $1 ORDER BY seq ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("templatestore: get events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var eventType, actorType string
		ev.TemplateName = name
		if err := rows.Scan(&ev.Seq, &eventType, &ev.Timestamp, &actorType, &ev.Actor.ID, &ev.Payload, &ev.Digest); err != nil {
			return nil, fmt.Errorf("templatestore: scan event: %w", err)
		}
		ev.EventType = decision.EventType(eventType)
		ev.Actor.Type = decision.ActorType(actorType)
		out = append(out, ev)
	}
	return out, rows.Err()
}
