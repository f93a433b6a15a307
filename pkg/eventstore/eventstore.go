// Package eventstore implements the durable, append-only event log keyed by
// (aggregate_id, seq) — component C2. It is the only package in this module
// that persists anything about a decision; pkg/decision only folds whatever
// this package hands it.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nexusctl/core/internal/pgstore"
	"github.com/nexusctl/core/pkg/decision"
	"github.com/nexusctl/core/pkg/nexuserr"
)

// AggregateHeader is one row of `decisions`: just the id and creation time,
// returned by ListAggregates without pulling the full event log.
type AggregateHeader struct {
	ID        string
	CreatedAt time.Time
}

// Store is the Postgres-backed event log for decision aggregates.
type Store struct {
	pg *pgstore.Store
}

// New wraps an already-open pgstore.Store.
func New(pg *pgstore.Store) *Store {
	return &Store{pg: pg}
}

// CreateAggregate creates a new decision header. If id is empty, one is
// assigned.
func (s *Store) CreateAggregate(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := time.Now().UTC()

	_, err := s.pg.DB().ExecContext(ctx,
		"INSERT INTO decisions (id, created_at) VALUES ($1, $2)", id, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return "", nexuserr.New(nexuserr.CodeAggregateExists, fmt.Sprintf("aggregate %s already exists", id)).WithContext("aggregate_id", id)
		}
		return "", fmt.Errorf("eventstore: create aggregate: %w", err)
	}
	return id, nil
}

// AppendEvent allocates the next seq for aggregateID inside a transaction,
// computes the event's digest, and persists it. payload is a
// pointer to the concrete payload struct for eventType (e.g.
// *decision.ApprovalGrantedPayload), matching decision.DecodePayload's
// expectations on read-back.
func (s *Store) AppendEvent(ctx context.Context, aggregateID string, eventType decision.EventType, actor decision.Actor, payload interface{}) (*decision.Event, error) {
	digest, err := decision.ComputeDigest(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("eventstore: compute digest: %w", err)
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal payload: %w", err)
	}

	var stored *decision.Event
	err = s.pg.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM decisions WHERE id = $1)", aggregateID).Scan(&exists); err != nil {
			return fmt.Errorf("check aggregate exists: %w", err)
		}
		if !exists {
			return nexuserr.New(nexuserr.CodeAggregateNotFound, fmt.Sprintf("aggregate %s not found", aggregateID)).WithContext("aggregate_id", aggregateID)
		}

		// seq is 0-based and gapless per aggregate, so the
		// first event gets seq 0: COALESCE(MAX(seq), -1) + 1.
		var nextSeq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), -1) + 1 FROM decision_events WHERE decision_id = $1", aggregateID).Scan(&nextSeq); err != nil {
			return fmt.Errorf("allocate seq: %w", err)
		}

		ts := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decision_events (decision_id, seq, event_type, ts, actor_type, actor_id, payload_json, digest)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			aggregateID, nextSeq, string(eventType), ts, string(actor.Type), actor.ID, rawPayload, digest)
		if err != nil {
			if isUniqueViolation(err) {
				return nexuserr.New(nexuserr.CodeSeqGap, "concurrent append raced on seq allocation, retry").WithContext("aggregate_id", aggregateID)
			}
			return fmt.Errorf("insert event: %w", err)
		}

		stored = &decision.Event{
			AggregateID: aggregateID,
			Seq:         nextSeq,
			Type:        eventType,
			Timestamp:   ts,
			Actor:       actor,
			Payload:     rawPayload,
			Digest:      digest,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Exists reports whether an aggregate header with id already exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.pg.DB().QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM decisions WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("eventstore: check exists: %w", err)
	}
	return exists, nil
}

// GetEvents returns every event for aggregateID, ordered by seq.
func (s *Store) GetEvents(ctx context.Context, aggregateID string) ([]decision.Event, error) {
	return s.queryEvents(ctx, "SELECT seq, event_type, ts, actor_type, actor_id, payload_json, digest FROM decision_events WHERE decision_id = $1 ORDER BY seq ASC", aggregateID)
}

// GetEventsUpTo returns events for aggregateID with seq <= maxSeq, ordered by
// seq — a historical point-in-time replay, analogous to replaying a ledger up
// to a given height.
func (s *Store) GetEventsUpTo(ctx context.Context, aggregateID string, maxSeq int64) ([]decision.Event, error) {
	return s.queryEvents(ctx,
		"SELECT seq, event_type, ts, actor_type, actor_id, payload_json, digest FROM decision_events WHERE decision_id = $1 AND seq <= $2 ORDER BY seq ASC",
		aggregateID, maxSeq)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]decision.Event, error) {
	rows, err := s.pg.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query events: %w", err)
	}
	defer rows.Close()

	var aggregateID string
	if len(args) > 0 {
		aggregateID, _ = args[0].(string)
	}

	var events []decision.Event
	for rows.Next() {
		var ev decision.Event
		var eventType, actorType string
		ev.AggregateID = aggregateID
		if err := rows.Scan(&ev.Seq, &eventType, &ev.Timestamp, &actorType, &ev.Actor.ID, &ev.Payload, &ev.Digest); err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		ev.Type = decision.EventType(eventType)
		ev.Actor.Type = decision.ActorType(actorType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListAggregates returns decision headers, newest created_at first.
func (s *Store) ListAggregates(ctx context.Context, limit, offset int) ([]AggregateHeader, error) {
	rows, err := s.pg.DB().QueryContext(ctx,
		"SELECT id, created_at FROM decisions ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list aggregates: %w", err)
	}
	defer rows.Close()

	var headers []AggregateHeader
	for rows.Next() {
		var h AggregateHeader
		if err := rows.Scan(&h.ID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventstore: scan header: %w", err)
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// DeleteAggregate removes an aggregate's events then its header. Used by
// bundle import to roll back a decision whose imported log fails replay; not
// exposed as a general delete operation.
func (s *Store) DeleteAggregate(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.pg.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM decision_events WHERE decision_id = $1", id); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM decisions WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("delete header: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// ImportAtomic inserts a header plus every event verbatim — preserving each
// event's own seq, digest, and payload rather than recomputing them — inside
// one transaction. If the aggregate exists and overwrite is
// false, it fails with DECISION_EXISTS; if overwrite, the aggregate is
// deleted first.
func (s *Store) ImportAtomic(ctx context.Context, id string, createdAt time.Time, events []decision.Event, overwrite bool) error {
	return s.pg.WithTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM decisions WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("check existing: %w", err)
		}
		if exists {
			if !overwrite {
				return nexuserr.New(nexuserr.CodeDecisionExists, fmt.Sprintf("decision %s already exists", id)).WithContext("decision_id", id)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM decision_events WHERE decision_id = $1", id); err != nil {
				return fmt.Errorf("delete existing events: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM decisions WHERE id = $1", id); err != nil {
				return fmt.Errorf("delete existing header: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO decisions (id, created_at) VALUES ($1, $2)", id, createdAt); err != nil {
			return fmt.Errorf("insert header: %w", err)
		}

		for _, ev := range events {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO decision_events (decision_id, seq, event_type, ts, actor_type, actor_id, payload_json, digest)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, ev.Seq, string(ev.Type), ev.Timestamp, string(ev.Actor.Type), ev.Actor.ID, ev.Payload, ev.Digest)
			if err != nil {
				return nexuserr.Wrap(nexuserr.CodeImportAtomicityFailed, fmt.Sprintf("insert event seq %d", ev.Seq), err)
			}
		}
		return nil
	})
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the race callers must retry-on 
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}
