// Package exchangestore implements content-addressed storage for XRPL
// JSON-RPC exchange evidence: a Postgres index keyed by content_digest plus
// optional request/response body blobs on disk, mirroring the two-stage
// digest scheme DCL's transport layer defines.
package exchangestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/pkg/canonical"
)

// Record is one XRPL JSON-RPC request/response exchange, content-addressed
// by ContentDigest. Timestamp is metadata only: two records with identical
// digests but different timestamps are the same exchange observed twice.
type Record struct {
	RequestDigest  string
	ResponseDigest string
	Timestamp      time.Time
}

// contentDict is what ContentDigest hashes — deliberately excludes
// Timestamp, so the same request/response pair always produces the same
// content_digest regardless of when it was observed.
func (r Record) contentDict() map[string]interface{} {
	return map[string]interface{}{
		"request_digest":  r.RequestDigest,
		"response_digest": r.ResponseDigest,
	}
}

// ContentDigest computes the record's content_digest: sha256 of the
// canonical JSON of {request_digest, response_digest}, "sha256:"-prefixed
// like the other digests in this package.
func (r Record) ContentDigest() (string, error) {
	d, err := canonical.ContentDigest(r.contentDict())
	if err != nil {
		return "", err
	}
	return "sha256:" + d, nil
}

// RequestDigest computes request_digest = sha256(canonical_json({url,
// payload})), "sha256:"-prefixed. payload is the already-decoded JSON-RPC
// request body (method/params/id), not raw bytes, so semantically identical
// requests serialized differently still hash the same.
func RequestDigest(url string, payload interface{}) (string, error) {
	d, err := canonical.ContentDigest(map[string]interface{}{
		"url":     url,
		"payload": payload,
	})
	if err != nil {
		return "", fmt.Errorf("exchangestore: compute request digest: %w", err)
	}
	return "sha256:" + d, nil
}

// ResponseDigest computes response_digest = sha256(raw response bytes),
// "sha256:"-prefixed. Unlike RequestDigest this hashes the bytes exactly as
// received, not a re-serialized form.
func ResponseDigest(raw []byte) string {
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Store is the Postgres-backed dcl_exchanges index, with an optional
// filesystem body store alongside it.
type Store struct {
	pg       *pgstore.Store
	bodyRoot string
}

// Option configures a Store.
type Option func(*Store)

// WithBodyRoot enables persisting request/response bodies to disk under
// root, fanned out as <root>/sha256/<first-2-hex>/<digest>.blob. Without
// this option, Put only records the digests, not the bodies.
func WithBodyRoot(root string) Option {
	return func(s *Store) { s.bodyRoot = root }
}

// New wraps an already-open pgstore.Store.
func New(pg *pgstore.Store, opts ...Option) *Store {
	s := &Store{pg: pg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores record, idempotently — re-storing an identical record is a
// no-op, since it's keyed by content_digest. requestBody/responseBody are
// optional raw bytes persisted to the body store if one is configured.
func (s *Store) Put(ctx context.Context, record Record, requestBody, responseBody []byte) (string, error) {
	contentDigest, err := record.ContentDigest()
	if err != nil {
		return "", fmt.Errorf("exchangestore: compute content digest: %w", err)
	}

	_, err = s.pg.DB().ExecContext(ctx, `
		INSERT INTO dcl_exchanges (content_digest, request_digest, response_digest, exchange_timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (content_digest) DO NOTHING`,
		contentDigest, record.RequestDigest, record.ResponseDigest, record.Timestamp)
	if err != nil {
		return "", fmt.Errorf("exchangestore: insert exchange: %w", err)
	}

	if s.bodyRoot != "" {
		if requestBody != nil {
			if err := s.putBody(record.RequestDigest, requestBody); err != nil {
				return "", err
			}
		}
		if responseBody != nil {
			if err := s.putBody(record.ResponseDigest, responseBody); err != nil {
				return "", err
			}
		}
	}

	return contentDigest, nil
}

// Get retrieves a record by content_digest, or nil if not found.
func (s *Store) Get(ctx context.Context, contentDigest string) (*Record, error) {
	row := s.pg.DB().QueryRowContext(ctx,
		"SELECT request_digest, response_digest, exchange_timestamp FROM dcl_exchanges WHERE content_digest = $1", contentDigest)
	var r Record
	if err := row.Scan(&r.RequestDigest, &r.ResponseDigest, &r.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("exchangestore: get: %w", err)
	}
	return &r, nil
}

// Exists reports whether a record with the given content_digest is stored.
func (s *Store) Exists(ctx context.Context, contentDigest string) (bool, error) {
	var exists bool
	if err := s.pg.DB().QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM dcl_exchanges WHERE content_digest = $1)", contentDigest).Scan(&exists); err != nil {
		return false, fmt.Errorf("exchangestore: exists: %w", err)
	}
	return exists, nil
}

// ListByRequest returns every exchange recorded against requestDigest, most
// recent first.
func (s *Store) ListByRequest(ctx context.Context, requestDigest string, limit int) ([]*Record, error) {
	return s.listBy(ctx, "request_digest", requestDigest, limit)
}

// ListByResponse returns every exchange recorded against responseDigest,
// most recent first.
func (s *Store) ListByResponse(ctx context.Context, responseDigest string, limit int) ([]*Record, error) {
	return s.listBy(ctx, "response_digest", responseDigest, limit)
}

func (s *Store) listBy(ctx context.Context, column, value string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pg.DB().QueryContext(ctx, fmt.Sprintf(
		"SELECT request_digest, response_digest, exchange_timestamp FROM dcl_exchanges WHERE %s = $1 ORDER BY exchange_timestamp DESC LIMIT $2", column),
		value, limit)
	if err != nil {
		return nil, fmt.Errorf("exchangestore: list by %s: %w", column, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.RequestDigest, &r.ResponseDigest, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("exchangestore: scan: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Count returns the total number of exchanges recorded.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pg.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM dcl_exchanges").Scan(&n); err != nil {
		return 0, fmt.Errorf("exchangestore: count: %w", err)
	}
	return n, nil
}

// bodyPath returns <bodyRoot>/sha256/<hh>/<digest>.blob for a
// "sha256:"-prefixed digest, fanned out by its first two hex characters.
func (s *Store) bodyPath(digest string) (string, error) {
	const prefix = "sha256:"
	if len(digest) <= len(prefix) || digest[:len(prefix)] != prefix {
		return "", fmt.Errorf("exchangestore: digest must start with %q, got %q", prefix, digest)
	}
	hexPart := digest[len(prefix):]
	if len(hexPart) < 2 {
		return "", fmt.Errorf("exchangestore: digest too short: %q", digest)
	}
	return filepath.Join(s.bodyRoot, "sha256", hexPart[:2], hexPart+".blob"), nil
}

func (s *Store) putBody(digest string, body []byte) error {
	path, err := s.bodyPath(digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil // already stored, content-addressed and immutable
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("exchangestore: create body directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("exchangestore: write body: %w", err)
	}
	return nil
}

// GetBody retrieves a body blob by digest, or nil if not found or no body
// store is configured.
func (s *Store) GetBody(digest string) ([]byte, error) {
	if s.bodyRoot == "" {
		return nil, nil
	}
	path, err := s.bodyPath(digest)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("exchangestore: read body: %w", err)
	}
	return body, nil
}
