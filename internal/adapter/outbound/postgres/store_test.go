package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

// fakeDB records statements and serves canned rows.
type fakeDB struct {
	execSQL  []string
	execErr  error
	batches  []*pgx.Batch
	batchErr error
	querySQL string
	queryArg []any
	rows     [][]any
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag("CREATE"), f.execErr
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL, f.queryArg = sql, args
	return &fakeRows{rows: f.rows, idx: -1}, nil
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batches = append(f.batches, b)
	return &fakeBatchResults{err: f.batchErr}
}

type fakeBatchResults struct {
	err    error
	closed bool
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}
func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (r *fakeBatchResults) Close() error {
	r.closed = true
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		case *[]byte:
			*p = row[i].([]byte)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

func makeEvent(ts time.Time, actor string) audit.Event {
	return audit.Event{
		ID:        "inv-1",
		Type:      audit.EventFeatureFailed,
		Actor:     actor,
		Target:    "team:t-1",
		Reason:    "no management permissions",
		Timestamp: ts,
		Details:   map[string]string{audit.DetailErrorKind: "forbidden"},
	}
}

func TestConnect_RequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), ""); err == nil {
		t.Fatal("Connect(\"\") returned nil error")
	}
}

func TestStore_EnsureSchema(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	if err := New(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "BEFORE UPDATE OR DELETE") {
		t.Errorf("schema statement missing append-only trigger: %v", db.execSQL)
	}

	db.execErr = errors.New("permission denied")
	if err := New(db).EnsureSchema(context.Background()); !errors.Is(err, db.execErr) {
		t.Errorf("EnsureSchema() error = %v, want wrapped exec error", err)
	}
}

func TestStore_AppendQueuesOneInsertPerEvent(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	s := New(db)
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, loc)

	if err := s.Append(context.Background(), makeEvent(ts, "u-1"), makeEvent(ts, "u-2")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if len(db.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(db.batches))
	}
	queued := db.batches[0].QueuedQueries
	if len(queued) != 2 {
		t.Fatalf("queued = %d, want 2", len(queued))
	}
	args := queued[1].Arguments
	if args[2] != "u-2" {
		t.Errorf("actor arg = %v, want u-2", args[2])
	}
	if got := args[5].(time.Time); got.Location() != time.UTC || !got.Equal(ts) {
		t.Errorf("occurred_at arg = %v, want %v in UTC", got, ts)
	}
	var details map[string]string
	if err := json.Unmarshal(args[6].([]byte), &details); err != nil {
		t.Fatalf("details arg is not JSON: %v", err)
	}
	if details[audit.DetailErrorKind] != "forbidden" {
		t.Errorf("details = %v", details)
	}
}

func TestStore_AppendEmptyDetailsIsObject(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	e := makeEvent(time.Now(), "u-1")
	e.Details = nil
	if err := New(db).Append(context.Background(), e); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if got := string(db.batches[0].QueuedQueries[0].Arguments[6].([]byte)); got != "{}" {
		t.Errorf("details = %s, want {}", got)
	}
}

func TestStore_AppendError(t *testing.T) {
	t.Parallel()

	db := &fakeDB{batchErr: errors.New("check constraint violated")}
	err := New(db).Append(context.Background(), makeEvent(time.Now(), ""))
	if !errors.Is(err, db.batchErr) {
		t.Errorf("Append() error = %v, want wrapped batch error", err)
	}
}

func TestStore_Query(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: [][]any{
		{"inv-2", audit.EventFeatureSucceeded, "u-1", "team", "owner has full access", base.Add(time.Minute), []byte(`{"feature":"team.create"}`)},
		{"inv-1", audit.EventFeatureFailed, "u-1", "team", "no management permissions", base, []byte(`{}`)},
	}}
	s := New(db)

	got, err := s.Query(context.Background(), audit.Filter{Actor: "u-1", Since: base, Limit: 2})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Query() = %d events, want 2", len(got))
	}
	if got[0].ID != "inv-1" || got[1].ID != "inv-2" {
		t.Errorf("Query() order = %s, %s; want inv-1, inv-2", got[0].ID, got[1].ID)
	}
	if got[1].Details["feature"] != "team.create" {
		t.Errorf("Details = %v", got[1].Details)
	}

	wantSQL := "SELECT id, type, actor, target, reason, occurred_at, details FROM audit_events WHERE occurred_at >= $1 AND actor = $2 ORDER BY seq DESC LIMIT $3"
	if db.querySQL != wantSQL {
		t.Errorf("SQL = %q, want %q", db.querySQL, wantSQL)
	}
	if len(db.queryArg) != 3 || db.queryArg[2] != 2 {
		t.Errorf("args = %v, want limit 2 last", db.queryArg)
	}
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()

	s := New(&fakeDB{})
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
