package audit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by stores and writers after Close.
var ErrStoreClosed = errors.New("audit store closed")

// Appender accepts validated events. Each Append call is atomic from the
// caller's perspective: either every event is accepted or an error is
// returned.
type Appender interface {
	Append(ctx context.Context, events ...Event) error
}

// Store persists audit events.
// Interface owned by domain per hexagonal architecture.
// Stores expose no update or delete operation.
type Store interface {
	Appender

	// Flush forces pending events to durable storage.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter selects events for operator queries.
type Filter struct {
	// Since and Until bound Timestamp (zero means unbounded).
	Since time.Time
	Until time.Time
	// Actor filters by principal ID (optional).
	Actor string
	// Type filters by event type (optional).
	Type string
	// Limit caps the result size (default 100).
	Limit int
}

// Match reports whether e satisfies the filter bounds (Limit is ignored).
func (f Filter) Match(e Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

// EffectiveLimit returns Limit or the default when unset.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// QueryStore provides read access for operators. It is never handed to
// feature code.
type QueryStore interface {
	// Query returns matching events in insertion order.
	Query(ctx context.Context, filter Filter) ([]Event, error)
}
