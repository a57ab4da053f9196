package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeEvent(ts time.Time, actor string) audit.Event {
	return audit.Event{
		ID:        "6f1c2f5e-3b1a-4c7a-9d0e-0a1b2c3d4e5f",
		Type:      audit.EventFeatureSucceeded,
		Actor:     actor,
		Target:    "team:t-1",
		Reason:    "owner has full access",
		Timestamp: ts,
		Details:   map[string]string{audit.DetailFeature: "team.create", audit.DetailRole: "owner"},
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") returned nil error")
	}
}

func TestStore_AppendAndQueryRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	ts := time.UnixMilli(1767225600123).UTC()

	if err := s.Append(ctx, makeEvent(ts, "u-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, err := s.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Query() = %d events, want 1", len(got))
	}
	want := makeEvent(ts, "u-1")
	e := got[0]
	if e.ID != want.ID || e.Type != want.Type || e.Actor != want.Actor || e.Target != want.Target || e.Reason != want.Reason {
		t.Errorf("Query()[0] = %+v, want %+v", e, want)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, ts)
	}
	if e.Details[audit.DetailRole] != "owner" {
		t.Errorf("Details[role] = %q, want %q", e.Details[audit.DetailRole], "owner")
	}
}

func TestStore_RejectsUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Append(ctx, makeEvent(time.Now(), "u-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	for _, stmt := range []string{
		"UPDATE audit_events SET actor = 'mallory'",
		"DELETE FROM audit_events",
	} {
		_, err := s.db.ExecContext(ctx, stmt)
		if err == nil || !strings.Contains(err.Error(), "append-only") {
			t.Errorf("%q error = %v, want append-only rejection", stmt, err)
		}
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestStore_RejectsBlankMandatoryFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	e := makeEvent(time.Now(), "")
	if err := s.Append(ctx, makeEvent(time.Now(), "u-1"), e); err == nil {
		t.Fatal("Append() with blank actor returned nil error")
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count() = %d after failed batch, want 0", n)
	}
}

func TestStore_QueryFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		e := makeEvent(base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("u-%d", i%2))
		if i%5 == 0 {
			e.Type = audit.EventFeatureFailed
		}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter audit.Filter
		want   int
		first  time.Time
	}{
		{name: "all", filter: audit.Filter{}, want: 10, first: base},
		{name: "actor", filter: audit.Filter{Actor: "u-1"}, want: 5, first: base.Add(time.Minute)},
		{name: "type", filter: audit.Filter{Type: audit.EventFeatureFailed}, want: 2, first: base},
		{name: "window", filter: audit.Filter{Since: base.Add(3 * time.Minute), Until: base.Add(6 * time.Minute)}, want: 4, first: base.Add(3 * time.Minute)},
		{name: "limit keeps newest", filter: audit.Filter{Limit: 3}, want: 3, first: base.Add(7 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("Query() = %d events, want %d", len(got), tt.want)
			}
			if !got[0].Timestamp.Equal(tt.first) {
				t.Errorf("first Timestamp = %v, want %v", got[0].Timestamp, tt.first)
			}
		})
	}
}

func TestStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := s.Append(ctx, makeEvent(time.Now(), fmt.Sprintf("u-%d", i))); err != nil {
					t.Errorf("Append() error: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if n, _ := s.Count(ctx); n != 40 {
		t.Errorf("Count() = %d, want 40", n)
	}
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Append(context.Background(), makeEvent(time.Now(), "u-1")); !errors.Is(err, audit.ErrStoreClosed) {
		t.Errorf("Append() after Close error = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Query(context.Background(), audit.Filter{}); !errors.Is(err, audit.ErrStoreClosed) {
		t.Errorf("Query() after Close error = %v, want ErrStoreClosed", err)
	}
}

func TestStore_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	s1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	_ = s1.Append(ctx, makeEvent(time.Now(), "u-1"))
	_ = s1.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer func() { _ = s2.Close() }()
	if n, _ := s2.Count(ctx); n != 1 {
		t.Errorf("Count() after reopen = %d, want 1", n)
	}
}
