// Package store keeps an append-only audit trail of roster mutations in
// SQLite. The JSON state document remains the source of truth for the
// roster; this store is observability only, and callers treat its failures
// as non-fatal.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type AuditEvent struct {
	ID        int64  `json:"id"`
	Op        string `json:"op"`
	Actor     string `json:"actor"`
	Detail    string `json:"detail"`
	CreatedAt int64  `json:"createdAt"`
}

type actorKey struct{}

// WithActor tags a context with the identity performing the operation.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Record appends one audit event.
func (s *Store) Record(ctx context.Context, op, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_event(op, actor, detail, created_at) VALUES(?, ?, ?, ?)`,
		op, actorFrom(ctx), detail, time.Now().UnixMilli())
	return err
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, actor, detail, created_at FROM audit_event ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Op, &ev.Actor, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneOlderThan drops events created before the cutoff (unix millis).
func (s *Store) PruneOlderThan(ctx context.Context, cutoff int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_event WHERE created_at < ?`, cutoff)
	return err
}
