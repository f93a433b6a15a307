// Package attestqueue implements the durable attestation intent ledger and
// append-only receipt log — component C6. It owns the state
// machine that tracks a single intent from enqueue through CONFIRMED or
// FAILED, and is the only package that assigns attempt numbers.
package attestqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode"

	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/pkg/canonical"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// Queue statuses. CONFIRMED and FAILED are
// terminal.
const (
	StatusPending   = "PENDING"
	StatusSubmitted = "SUBMITTED"
	StatusConfirmed = "CONFIRMED"
	StatusDeferred  = "DEFERRED"
	StatusFailed    = "FAILED"
)

var labelKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Intent is an AttestationIntent. It carries no wall-clock time,
// secrets, or PII — only what a third-party verifier needs to recompute the
// binding it witnesses.
type Intent struct {
	SubjectType    string
	BindingDigest  string
	PackageVersion *string
	RunID          *string
	Env            *string
	Tenant         *string
	Labels         map[string]string
}

// ValidateLabels enforces 's label constraints: key matches
// [a-zA-Z0-9._-]{1,64}, value is at most 256 bytes with no control
// characters, and there are at most 32 labels.
func ValidateLabels(labels map[string]string) error {
	if len(labels) > 32 {
		return nexuserr.Newf(nexuserr.CodeLabelInvalid, "at most 32 labels allowed, got %d", len(labels))
	}
	for k, v := range labels {
		if !labelKeyPattern.MatchString(k) {
			return nexuserr.Newf(nexuserr.CodeLabelInvalid, "label key %q does not match [a-zA-Z0-9._-]{1,64}", k)
		}
		if len(v) > 256 {
			return nexuserr.Newf(nexuserr.CodeLabelInvalid, "label %q value exceeds 256 bytes", k)
		}
		for _, r := range v {
			if unicode.IsControl(r) {
				return nexuserr.Newf(nexuserr.CodeLabelInvalid, "label %q value contains a control character", k)
			}
		}
	}
	return nil
}

// canonicalDict returns intent as the map ComputeIntentDigest canonicalizes:
// labels sorted (the canonical encoder sorts map keys itself) and any
// None-valued optional field omitted entirely.
func (intent Intent) canonicalDict() map[string]interface{} {
	d := map[string]interface{}{
		"subject_type":   intent.SubjectType,
		"binding_digest": intent.BindingDigest,
		"labels":         intent.Labels,
	}
	if intent.PackageVersion != nil {
		d["package_version"] = *intent.PackageVersion
	}
	if intent.RunID != nil {
		d["run_id"] = *intent.RunID
	}
	if intent.Env != nil {
		d["env"] = *intent.Env
	}
	if intent.Tenant != nil {
		d["tenant"] = *intent.Tenant
	}
	return d
}

// ComputeIntentDigest computes intent_digest = SHA-256 of the canonical
// dict, labels sorted and None-valued fields omitted.
func ComputeIntentDigest(intent Intent) (string, error) {
	return canonical.ContentDigest(intent.canonicalDict())
}

// ReceiptError is the receipt's optional {code, detail?} failure record.
type ReceiptError struct {
	Code   string
	Detail string
}

// Receipt is an AttestationReceipt. Immutable once written.
type Receipt struct {
	ReceiptVersion  string
	IntentDigest    string
	Backend         string
	Attempt         int
	Status          string
	CreatedAt       time.Time
	EvidenceDigests map[string]string
	Proof           map[string]interface{}
	Error           *ReceiptError
	ReceiptDigest   string
}

// ComputeReceiptDigest computes receipt_digest as the content digest of
// every receipt field except receipt_digest itself — the same
// canonicalize-then-hash pattern used for every other digest in this module.
func ComputeReceiptDigest(r Receipt) (string, error) {
	d := map[string]interface{}{
		"receipt_version":  r.ReceiptVersion,
		"intent_digest":    r.IntentDigest,
		"backend":          r.Backend,
		"attempt":          r.Attempt,
		"status":           r.Status,
		"created_at":       r.CreatedAt.UTC().Format(time.RFC3339),
		"evidence_digests": r.EvidenceDigests,
		"proof":            r.Proof,
	}
	if r.Error != nil {
		errDict := map[string]interface{}{"code": r.Error.Code}
		if r.Error.Detail != "" {
			errDict["detail"] = r.Error.Detail
		}
		d["error"] = errDict
	}
	return canonical.ContentDigest(d)
}

// QueuedIntent is the queue-side projection of an intent.
type QueuedIntent struct {
	QueueID       string
	Intent        Intent
	Status        string
	LastAttempt   int
	LastErrorCode *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PendingIntent is what next_pending returns: a QueuedIntent plus the
// attempt number the caller must use for its next plan/submit cycle.
type PendingIntent struct {
	QueuedIntent
	NextAttempt int
}

// Store is the Postgres-backed attestation queue.
type Store struct {
	pg *pgstore.Store
}

// New wraps an already-open pgstore.Store.
func New(pg *pgstore.Store) *Store {
	return &Store{pg: pg}
}

// Enqueue inserts intent if its digest is new, or does nothing and returns
// the existing queue_id if it already exists.
// createdAt defaults to now if nil.
func (s *Store) Enqueue(ctx context.Context, intent Intent, createdAt *time.Time) (string, error) {
	if err := ValidateLabels(intent.Labels); err != nil {
		return "", err
	}
	digest, err := ComputeIntentDigest(intent)
	if err != nil {
		return "", fmt.Errorf("attestqueue: compute intent digest: %w", err)
	}
	queueID := "sha256:" + digest

	ts := time.Now().UTC()
	if createdAt != nil {
		ts = createdAt.UTC()
	}

	intentJSON, err := canonical.Marshal(intent.canonicalDict())
	if err != nil {
		return "", fmt.Errorf("attestqueue: marshal intent: %w", err)
	}

	var existing string
	err = s.pg.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT queue_id FROM attestation_intents WHERE intent_digest = $1", digest)
		scanErr := row.Scan(&existing)
		if scanErr == nil {
			return nil // duplicate: no-op
		}
		if scanErr != sql.ErrNoRows {
			return fmt.Errorf("check existing intent: %w", scanErr)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO attestation_intents (queue_id, intent_digest, intent_json, created_at, status, last_attempt, last_error_code, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, NULL, $4)`,
			queueID, digest, intentJSON, ts, StatusPending)
		if err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}
	return queueID, nil
}

// NextPending returns up to limit intents with status PENDING or DEFERRED,
// ordered by (created_at asc, intent_digest asc) — deterministic so
// different processes converge on the same order.
func (s *Store) NextPending(ctx context.Context, limit int) ([]PendingIntent, error) {
	rows, err := s.pg.DB().QueryContext(ctx, `
		SELECT queue_id, intent_digest, intent_json, status, last_attempt, last_error_code, created_at, updated_at
		FROM attestation_intents
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC, intent_digest ASC
		LIMIT $3`,
		StatusPending, StatusDeferred, limit)
	if err != nil {
		return nil, fmt.Errorf("attestqueue: query next_pending: %w", err)
	}
	defer rows.Close()

	var out []PendingIntent
	for rows.Next() {
		qi, err := scanQueuedIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingIntent{QueuedIntent: *qi, NextAttempt: qi.LastAttempt + 1})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueuedIntent(row rowScanner) (*QueuedIntent, error) {
	var qi QueuedIntent
	var intentDigest string
	var intentJSON []byte
	var lastErrorCode sql.NullString

	if err := row.Scan(&qi.QueueID, &intentDigest, &intentJSON, &qi.Status, &qi.LastAttempt, &lastErrorCode, &qi.CreatedAt, &qi.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("attestqueue: scan queued intent: %w", err)
	}
	if lastErrorCode.Valid {
		v := lastErrorCode.String
		qi.LastErrorCode = &v
	}
	intent, err := decodeIntent(intentJSON)
	if err != nil {
		return nil, err
	}
	qi.Intent = *intent
	return &qi, nil
}

func decodeIntent(raw []byte) (*Intent, error) {
	var d struct {
		SubjectType    string            `json:"subject_type"`
		BindingDigest  string            `json:"binding_digest"`
		PackageVersion *string           `json:"package_version"`
		RunID          *string           `json:"run_id"`
		Env            *string           `json:"env"`
		Tenant         *string           `json:"tenant"`
		Labels         map[string]string `json:"labels"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("attestqueue: decode intent: %w", err)
	}
	return &Intent{
		SubjectType:    d.SubjectType,
		BindingDigest:  d.BindingDigest,
		PackageVersion: d.PackageVersion,
		RunID:          d.RunID,
		Env:            d.Env,
		Tenant:         d.Tenant,
		Labels:         d.Labels,
	}, nil
}

// RecordReceipt appends receipt to the log keyed by receipt_digest (a
// duplicate is a no-op returning false) and idempotently updates the
// intent's {status, last_attempt, updated_at, last_error_code}.
func (s *Store) RecordReceipt(ctx context.Context, r Receipt) (bool, error) {
	if r.Status == StatusConfirmed && len(r.Proof) == 0 {
		return false, nexuserr.New(nexuserr.CodeValidationFailed, "CONFIRMED receipt must carry a non-empty proof")
	}
	digest := r.ReceiptDigest
	if digest == "" {
		computed, err := ComputeReceiptDigest(r)
		if err != nil {
			return false, fmt.Errorf("attestqueue: compute receipt digest: %w", err)
		}
		digest = computed
	}

	receiptJSON, err := canonical.Marshal(receiptDict(r))
	if err != nil {
		return false, fmt.Errorf("attestqueue: marshal receipt: %w", err)
	}

	inserted := false
	err = s.pg.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM attestation_receipts WHERE receipt_digest = $1)", digest).Scan(&exists); err != nil {
			return fmt.Errorf("check existing receipt: %w", err)
		}
		if exists {
			return nil // duplicate: no-op
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attestation_receipts (receipt_digest, intent_digest, attempt, created_at, backend, status, receipt_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			digest, r.IntentDigest, r.Attempt, r.CreatedAt, r.Backend, r.Status, receiptJSON); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		inserted = true

		var lastErrorCode interface{}
		if r.Error != nil {
			lastErrorCode = r.Error.Code
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE attestation_intents
			SET status = $1, last_attempt = $2, last_error_code = $3, updated_at = $4
			WHERE intent_digest = $5`,
			r.Status, r.Attempt, lastErrorCode, time.Now().UTC(), r.IntentDigest)
		if err != nil {
			return fmt.Errorf("update intent status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nexuserr.New(nexuserr.CodeAggregateNotFound, "receipt references an unknown intent_digest").WithContext("intent_digest", r.IntentDigest)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func receiptDict(r Receipt) map[string]interface{} {
	d := map[string]interface{}{
		"receipt_version":  r.ReceiptVersion,
		"intent_digest":    r.IntentDigest,
		"backend":          r.Backend,
		"attempt":          r.Attempt,
		"status":           r.Status,
		"created_at":       r.CreatedAt.UTC().Format(time.RFC3339),
		"evidence_digests": r.EvidenceDigests,
		"proof":            r.Proof,
		"receipt_digest":   r.ReceiptDigest,
	}
	if r.Error != nil {
		errDict := map[string]interface{}{"code": r.Error.Code}
		if r.Error.Detail != "" {
			errDict["detail"] = r.Error.Detail
		}
		d["error"] = errDict
	}
	return d
}

// Replay returns every receipt recorded for intentDigest, ordered by
// (attempt, created_at).
func (s *Store) Replay(ctx context.Context, intentDigest string) ([]Receipt, error) {
	rows, err := s.pg.DB().QueryContext(ctx, `
		SELECT receipt_digest, receipt_json
		FROM attestation_receipts
		WHERE intent_digest = $1
		ORDER BY attempt ASC, created_at ASC`, intentDigest)
	if err != nil {
		return nil, fmt.Errorf("attestqueue: query replay: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var digest string
		var raw []byte
		if err := rows.Scan(&digest, &raw); err != nil {
			return nil, fmt.Errorf("attestqueue: scan receipt: %w", err)
		}
		r, err := decodeReceipt(raw)
		if err != nil {
			return nil, err
		}
		r.ReceiptDigest = digest
		out = append(out, *r)
	}
	return out, rows.Err()
}

func decodeReceipt(raw []byte) (*Receipt, error) {
	var d struct {
		ReceiptVersion  string                 `json:"receipt_version"`
		IntentDigest    string                 `json:"intent_digest"`
		Backend         string                 `json:"backend"`
		Attempt         int                    `json:"attempt"`
		Status          string                 `json:"status"`
		CreatedAt       string                 `json:"created_at"`
		EvidenceDigests map[string]string      `json:"evidence_digests"`
		Proof           map[string]interface{} `json:"proof"`
		Error           *ReceiptError          `json:"error"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("attestqueue: decode receipt: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("attestqueue: parse receipt created_at: %w", err)
	}
	return &Receipt{
		ReceiptVersion:  d.ReceiptVersion,
		IntentDigest:    d.IntentDigest,
		Backend:         d.Backend,
		Attempt:         d.Attempt,
		Status:          d.Status,
		CreatedAt:       createdAt,
		EvidenceDigests: d.EvidenceDigests,
		Proof:           d.Proof,
		Error:           d.Error,
	}, nil
}

// GetStatus returns queue_id's current projection, or nil if no such queue
// entry exists.
func (s *Store) GetStatus(ctx context.Context, queueID string) (*QueuedIntent, error) {
	row := s.pg.DB().QueryRowContext(ctx, `
		SELECT queue_id, intent_digest, intent_json, status, last_attempt, last_error_code, created_at, updated_at
		FROM attestation_intents
		WHERE queue_id = $1`, queueID)
	qi, err := scanQueuedIntent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return qi, nil
}
