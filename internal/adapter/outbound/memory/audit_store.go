// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

// entry is one ledger slot. Seq is assigned on insertion and never reused.
type entry struct {
	seq   uint64
	event audit.Event
}

// AuditLedger is an append-only, insertion-ordered audit ledger.
// Thread-safe for concurrent access. For development/testing only.
// An optional writer mirrors every accepted event as a JSON line.
type AuditLedger struct {
	mu      sync.RWMutex
	entries []entry
	nextSeq uint64
	mirror  io.Writer
	closed  bool
}

// NewAuditLedger creates an empty ledger.
func NewAuditLedger() *AuditLedger {
	return &AuditLedger{nextSeq: 1}
}

// NewAuditLedgerWithWriter creates a ledger that mirrors events to w.
func NewAuditLedgerWithWriter(w io.Writer) *AuditLedger {
	l := NewAuditLedger()
	l.mirror = w
	return l
}

// Append adds events in order. Either all events are accepted or none.
func (l *AuditLedger) Append(ctx context.Context, events ...audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return audit.ErrStoreClosed
	}
	if l.mirror != nil {
		// One write per batch; a failed write appends nothing.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, e := range events {
			if err := enc.Encode(e.ToRecord()); err != nil {
				return err
			}
		}
		if _, err := l.mirror.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	for _, e := range events {
		l.entries = append(l.entries, entry{seq: l.nextSeq, event: cloneEvent(e)})
		l.nextSeq++
	}
	return nil
}

// Flush is a no-op; the ledger has no buffering.
func (l *AuditLedger) Flush(context.Context) error {
	return nil
}

// Close rejects further appends. Recorded events remain readable.
func (l *AuditLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Len returns the number of recorded events.
func (l *AuditLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Events returns a copy of every recorded event in insertion order.
func (l *AuditLedger) Events() []audit.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]audit.Event, len(l.entries))
	for i, en := range l.entries {
		out[i] = cloneEvent(en.event)
	}
	return out
}

// Seq returns the insertion sequence of the i-th event (1-based sequence,
// 0-based index). It returns 0 when i is out of range.
func (l *AuditLedger) Seq(i int) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.entries) {
		return 0
	}
	return l.entries[i].seq
}

// Query returns matching events in insertion order, capped by the filter
// limit. When more events match than the limit allows, the most recent
// ones are returned.
func (l *AuditLedger) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := filter.EffectiveLimit()
	var matched []audit.Event
	for i := len(l.entries) - 1; i >= 0 && len(matched) < limit; i-- {
		if e := l.entries[i].event; filter.Match(e) {
			matched = append(matched, cloneEvent(e))
		}
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

func cloneEvent(e audit.Event) audit.Event {
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

// Compile-time interface verification.
var (
	_ audit.Store      = (*AuditLedger)(nil)
	_ audit.QueryStore = (*AuditLedger)(nil)
)
