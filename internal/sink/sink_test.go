package sink

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/event"
	"github.com/gyaneshwarpardhi/streamforge/internal/retry"
	"github.com/gyaneshwarpardhi/streamforge/internal/store"
)

func newStore(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s, db
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func rows(n int) ([]event.RawRow, []event.FactRow) {
	base := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	price, qty, meta := 9.5, int64(2), `{"k":1}`
	var raw []event.RawRow
	var facts []event.FactRow
	for i := 0; i < n; i++ {
		r := event.RawRow{
			EventID:   "evt-" + string(rune('a'+i)),
			Stream:    "user_events",
			Partition: 0,
			Offset:    int64(i),
			Event: event.Event{
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				UserID:    "u1",
				Type:      event.TypePurchase,
				Price:     &price,
				Quantity:  &qty,
				Metadata:  &meta,
			},
			IngestedAt: base,
		}
		raw = append(raw, r)
		facts = append(facts, r.Fact())
	}
	return raw, facts
}

// flakySink fails its first `failures` writes before delegating.
type flakySink[R any] struct {
	Sink[R]
	failures int32
	calls    atomic.Int32
}

func (f *flakySink[R]) Write(ctx context.Context, rows []R) (int64, error) {
	if f.calls.Add(1) <= f.failures {
		return 0, errors.New("connection reset")
	}
	return f.Sink.Write(ctx, rows)
}

var fastBackoff = retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}

func TestSinkWriteIsIdempotent(t *testing.T) {
	s, db := newStore(t)
	raw, _ := rows(3)
	ctx := context.Background()

	n, err := s.RawEvents().Write(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("first write inserted %d, want 3", n)
	}
	if _, err := s.RawEvents().Write(ctx, raw); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := count(t, db, "raw_events"); got != 3 {
		t.Errorf("raw_events has %d rows after replay, want 3", got)
	}
}

func TestDualWriterRetriesWholePair(t *testing.T) {
	s, db := newStore(t)
	raw, facts := rows(4)
	fact := &flakySink[event.FactRow]{Sink: s.FactEvents(), failures: 2}

	var retries []int
	w := &DualWriter[event.RawRow, event.FactRow]{
		Pipeline:    "user_events",
		Raw:         s.RawEvents(),
		Fact:        fact,
		MaxAttempts: 5,
		Backoff:     fastBackoff,
		OnRetry:     func(attempt int, _ error) { retries = append(retries, attempt) },
	}
	out, err := w.Write(context.Background(), raw, facts)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if len(retries) != 2 {
		t.Errorf("OnRetry called %d times, want 2", len(retries))
	}
	if got := count(t, db, "raw_events"); got != 4 {
		t.Errorf("raw_events has %d rows, want 4 (no duplicates from retries)", got)
	}
	if got := count(t, db, "fact_events"); got != 4 {
		t.Errorf("fact_events has %d rows, want 4", got)
	}
}

func TestDualWriterExhaustion(t *testing.T) {
	s, _ := newStore(t)
	raw, facts := rows(1)
	w := &DualWriter[event.RawRow, event.FactRow]{
		Raw:         s.RawEvents(),
		Fact:        &flakySink[event.FactRow]{Sink: s.FactEvents(), failures: 100},
		MaxAttempts: 3,
		Backoff:     fastBackoff,
	}
	_, err := w.Write(context.Background(), raw, facts)
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want *WriteError", err)
	}
	if we.Attempts != 3 || we.Sink != "fact_events" {
		t.Errorf("WriteError = %+v", we)
	}
}

func TestDualWriterCancelledDuringBackoff(t *testing.T) {
	s, _ := newStore(t)
	raw, facts := rows(1)
	ctx, cancel := context.WithCancel(context.Background())
	w := &DualWriter[event.RawRow, event.FactRow]{
		Raw:         s.RawEvents(),
		Fact:        &flakySink[event.FactRow]{Sink: s.FactEvents(), failures: 100},
		MaxAttempts: 5,
		Backoff:     retry.Backoff{Base: time.Hour},
		OnRetry:     func(int, error) { cancel() },
	}
	_, err := w.Write(ctx, raw, facts)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStreamStats(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	st, err := s.StreamStats(ctx, "user_events")
	if err != nil {
		t.Fatal(err)
	}
	if st.Rows != 0 || !st.LastEvent.IsZero() {
		t.Errorf("empty stats = %+v", st)
	}

	raw, _ := rows(3)
	if _, err := s.RawEvents().Write(ctx, raw); err != nil {
		t.Fatal(err)
	}
	st, err = s.StreamStats(ctx, "user_events")
	if err != nil {
		t.Fatal(err)
	}
	if st.Rows != 3 || !st.LastEvent.Equal(raw[2].Timestamp) {
		t.Errorf("stats = %+v, want 3 rows ending at %v", st, raw[2].Timestamp)
	}
}

func TestTransactionsAndRuns(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)
	country := "DE"
	raw := []event.RawTransaction{{TxID: "t1", Timestamp: ts, UserID: "u", ProductID: "p", Price: 2.5, Quantity: 2, Country: &country, SourceFile: "a.csv", IngestedAt: ts}}
	facts := []event.FactTransaction{{TxID: "t1", Timestamp: ts, UserID: "u", ProductID: "p", Price: 2.5, Quantity: 2, Revenue: 5, Country: &country, Date: event.Date(ts), IngestedAt: ts}}

	w := &DualWriter[event.RawTransaction, event.FactTransaction]{Pipeline: "batch", Raw: s.RawTransactions(), Fact: s.FactTransactions()}
	if _, err := w.Write(ctx, raw, facts); err != nil {
		t.Fatal(err)
	}
	if got := count(t, db, "fact_transactions"); got != 1 {
		t.Errorf("fact_transactions has %d rows", got)
	}

	if _, found, err := s.LastSuccessfulRun(ctx, "batch"); err != nil || found {
		t.Fatalf("LastSuccessfulRun before any run: found %v, err %v", found, err)
	}
	_ = s.RecordRun(ctx, Run{ID: "r1", Pipeline: "batch", StartedAt: ts, FinishedAt: ts, Status: RunFailed, Error: "boom"})
	if err := s.RecordRun(ctx, Run{ID: "r2", Pipeline: "batch", StartedAt: ts, FinishedAt: ts.Add(time.Minute), Status: RunSucceeded, RowsProcessed: 1}); err != nil {
		t.Fatal(err)
	}
	run, found, err := s.LastSuccessfulRun(ctx, "batch")
	if err != nil || !found {
		t.Fatalf("LastSuccessfulRun: found %v, err %v", found, err)
	}
	if run.ID != "r2" || run.RowsProcessed != 1 {
		t.Errorf("run = %+v", run)
	}
}

func TestWritersOfDifferentStreamsDoNotWaitOnEachOther(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	// Another stream's batch is mid-write.
	held, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Rollback()
	now := time.Now().UTC()
	if _, err := held.ExecContext(ctx, `
		INSERT INTO raw_events (event_id, stream, source_partition, source_offset, ts, user_id, event_type, ingested_at)
		VALUES ('other-1', 'orders', 0, 0, $1, 'u9', 'view', $1)`, now); err != nil {
		t.Fatal(err)
	}

	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, facts := rows(2)
	if _, err := s.RawEvents().Write(tctx, raw); err != nil {
		t.Fatalf("raw write blocked by another stream: %v", err)
	}
	if _, err := s.FactEvents().Write(tctx, facts); err != nil {
		t.Fatalf("fact write blocked by another stream: %v", err)
	}
	if _, _, err := s.LastSuccessfulRun(tctx, "daily_transactions"); err != nil {
		t.Fatalf("health read blocked by a write: %v", err)
	}

	if err := held.Commit(); err != nil {
		t.Fatal(err)
	}
	if got := count(t, db, "raw_events"); got != 3 {
		t.Errorf("raw_events = %d, want 3", got)
	}
}

func TestTableCounts(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	got, err := s.TableCounts(ctx)
	if err != nil {
		t.Fatalf("TableCounts: %v", err)
	}
	for _, table := range []string{"raw_events", "fact_events", "raw_transactions", "fact_transactions"} {
		n, ok := got[table]
		if !ok || n != 0 {
			t.Errorf("%s = %d (present %v), want 0", table, n, ok)
		}
	}

	raw, facts := rows(3)
	if _, err := s.RawEvents().Write(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FactEvents().Write(ctx, facts[:2]); err != nil {
		t.Fatal(err)
	}
	got, err = s.TableCounts(ctx)
	if err != nil {
		t.Fatalf("TableCounts: %v", err)
	}
	if got["raw_events"] != 3 || got["fact_events"] != 2 || got["raw_transactions"] != 0 {
		t.Errorf("counts = %v", got)
	}
}
