// Package postgres provides an append-only audit store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

// Schema creates the audit table and the triggers that make it append-only.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT        NOT NULL DEFAULT '',
	type         TEXT        NOT NULL CHECK (type <> ''),
	actor        TEXT        NOT NULL CHECK (actor <> ''),
	target       TEXT        NOT NULL DEFAULT '',
	reason       TEXT        NOT NULL DEFAULT '',
	occurred_at  TIMESTAMPTZ NOT NULL,
	details      JSONB       NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS audit_events_occurred_at ON audit_events (occurred_at);
CREATE INDEX IF NOT EXISTS audit_events_actor ON audit_events (actor);
CREATE OR REPLACE FUNCTION audit_events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit_events is append-only';
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS audit_events_no_mutation ON audit_events;
CREATE TRIGGER audit_events_no_mutation
	BEFORE UPDATE OR DELETE ON audit_events
	FOR EACH ROW EXECUTE FUNCTION audit_events_append_only();
`

const insertSQL = `INSERT INTO audit_events (id, type, actor, target, reason, occurred_at, details) VALUES ($1, $2, $3, $4, $5, $6, $7)`

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store implements audit.Store and audit.QueryStore on PostgreSQL.
type Store struct {
	db    DB
	close func()

	mu     sync.RWMutex
	closed bool
}

// Connect opens a pool for dsn and applies Schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(pool)
	s.close = pool.Close
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool or connection. The caller keeps ownership of db.
func New(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies Schema. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

// Append inserts events in one batch. The batch runs in an implicit
// transaction, so either every row is inserted or none.
func (s *Store) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return audit.ErrStoreClosed
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		details, err := json.Marshal(e.ToRecord().Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		batch.Queue(insertSQL, e.ID, e.Type, e.Actor, e.Target, e.Reason, e.Timestamp.UTC(), details)
	}

	br := s.db.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert audit event: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert audit batch: %w", err)
	}
	return nil
}

// Query returns events matching filter in insertion order. When more
// events match than the limit, the most recent are returned.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, audit.ErrStoreClosed
	}

	q, args := buildQuery(filter)
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e       audit.Event
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Actor, &e.Target, &e.Reason, &e.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func buildQuery(filter audit.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("occurred_at <= $%d", filter.Until.UTC())
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}

	var b strings.Builder
	b.WriteString("SELECT id, type, actor, target, reason, occurred_at, details FROM audit_events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, filter.EffectiveLimit())
	fmt.Fprintf(&b, " ORDER BY seq DESC LIMIT $%d", len(args))
	return b.String(), args
}

// Flush is a no-op; every Append is committed before it returns.
func (s *Store) Flush(context.Context) error {
	return nil
}

// Close releases the pool when the store owns it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close != nil {
		s.close()
	}
	return nil
}

// Compile-time interface verification.
var (
	_ audit.Store      = (*Store)(nil)
	_ audit.QueryStore = (*Store)(nil)
	_ DB               = (*pgxpool.Pool)(nil)
)
