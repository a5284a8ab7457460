package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/event"
)

// Destination tables. Column types are chosen to be valid in both Postgres and
// DuckDB.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		event_id         TEXT PRIMARY KEY,
		stream           TEXT        NOT NULL,
		source_partition INTEGER     NOT NULL,
		source_offset    BIGINT      NOT NULL,
		ts               TIMESTAMPTZ NOT NULL,
		user_id          TEXT        NOT NULL,
		session_id       TEXT,
		event_type       TEXT        NOT NULL,
		product_id       TEXT,
		price            FLOAT8,
		quantity         BIGINT,
		metadata         TEXT,
		ingested_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fact_events (
		event_id    TEXT PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		user_id     TEXT        NOT NULL,
		session_id  TEXT,
		event_type  TEXT        NOT NULL,
		product_id  TEXT,
		price       FLOAT8,
		quantity    BIGINT,
		date        DATE        NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS raw_transactions (
		tx_id       TEXT PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		user_id     TEXT        NOT NULL,
		product_id  TEXT        NOT NULL,
		price       FLOAT8      NOT NULL,
		quantity    BIGINT      NOT NULL,
		country     TEXT,
		channel     TEXT,
		source_file TEXT        NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fact_transactions (
		tx_id       TEXT PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		user_id     TEXT        NOT NULL,
		product_id  TEXT        NOT NULL,
		price       FLOAT8      NOT NULL,
		quantity    BIGINT      NOT NULL,
		revenue     FLOAT8      NOT NULL,
		country     TEXT,
		channel     TEXT,
		date        DATE        NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id         TEXT PRIMARY KEY,
		pipeline_name  TEXT        NOT NULL,
		started_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ NOT NULL,
		status         TEXT        NOT NULL,
		rows_processed BIGINT      NOT NULL,
		error          TEXT
	)`,
}

// SQLStore owns the destination tables. It is safe for concurrent use by
// writers of different streams.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a store on db. The database is owned by the caller.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the destination tables if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// tableSink inserts rows one statement at a time inside a transaction.
type tableSink[R any] struct {
	db    *sql.DB
	table string
	query string
	args  func(R) []any
}

func (t *tableSink[R]) Name() string { return t.table }

func (t *tableSink[R]) Write(ctx context.Context, rows []R) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: begin: %w", t.table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, t.query)
	if err != nil {
		return 0, fmt.Errorf("%s: prepare: %w", t.table, err)
	}
	defer stmt.Close()

	var inserted int64
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, t.args(r)...)
		if err != nil {
			return 0, fmt.Errorf("%s: insert: %w", t.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: commit: %w", t.table, err)
	}
	return inserted, nil
}

// RawEvents is the landing table of decoded events.
func (s *SQLStore) RawEvents() Sink[event.RawRow] {
	return &tableSink[event.RawRow]{
		db:    s.db,
		table: "raw_events",
		query: `INSERT INTO raw_events (event_id, stream, source_partition, source_offset, ts, user_id,
				session_id, event_type, product_id, price, quantity, metadata, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (event_id) DO NOTHING`,
		args: func(r event.RawRow) []any {
			return []any{r.EventID, r.Stream, r.Partition, r.Offset, r.Timestamp.UTC(), r.UserID,
				nullString(r.SessionID), string(r.Type), nullString(r.ProductID), nullFloat(r.Price),
				nullInt(r.Quantity), nullString(r.Metadata), r.IngestedAt.UTC()}
		},
	}
}

// FactEvents is the curated events table, partitioned by date.
func (s *SQLStore) FactEvents() Sink[event.FactRow] {
	return &tableSink[event.FactRow]{
		db:    s.db,
		table: "fact_events",
		query: `INSERT INTO fact_events (event_id, ts, user_id, session_id, event_type, product_id,
				price, quantity, date, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CAST($9 AS DATE), $10)
			ON CONFLICT (event_id) DO NOTHING`,
		args: func(r event.FactRow) []any {
			return []any{r.EventID, r.Timestamp.UTC(), r.UserID, nullString(r.SessionID), string(r.Type),
				nullString(r.ProductID), nullFloat(r.Price), nullInt(r.Quantity), r.Date, r.IngestedAt.UTC()}
		},
	}
}

// RawTransactions is the landing table of transaction files.
func (s *SQLStore) RawTransactions() Sink[event.RawTransaction] {
	return &tableSink[event.RawTransaction]{
		db:    s.db,
		table: "raw_transactions",
		query: `INSERT INTO raw_transactions (tx_id, ts, user_id, product_id, price, quantity, country,
				channel, source_file, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tx_id) DO NOTHING`,
		args: func(r event.RawTransaction) []any {
			return []any{r.TxID, r.Timestamp.UTC(), r.UserID, r.ProductID, r.Price, r.Quantity,
				nullString(r.Country), nullString(r.Channel), r.SourceFile, r.IngestedAt.UTC()}
		},
	}
}

// FactTransactions is the curated transactions table with revenue.
func (s *SQLStore) FactTransactions() Sink[event.FactTransaction] {
	return &tableSink[event.FactTransaction]{
		db:    s.db,
		table: "fact_transactions",
		query: `INSERT INTO fact_transactions (tx_id, ts, user_id, product_id, price, quantity, revenue,
				country, channel, date, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CAST($10 AS DATE), $11)
			ON CONFLICT (tx_id) DO NOTHING`,
		args: func(r event.FactTransaction) []any {
			return []any{r.TxID, r.Timestamp.UTC(), r.UserID, r.ProductID, r.Price, r.Quantity, r.Revenue,
				nullString(r.Country), nullString(r.Channel), r.Date, r.IngestedAt.UTC()}
		},
	}
}

// Stats describes what a stream has landed so far.
type Stats struct {
	Rows      int64
	LastEvent time.Time // zero when Rows is 0
}

// StreamStats reads row count and latest event time of a stream. It seeds
// health reporting after a restart.
func (s *SQLStore) StreamStats(ctx context.Context, stream string) (Stats, error) {
	var (
		st   Stats
		last sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(ts) FROM raw_events WHERE stream = $1`, stream).Scan(&st.Rows, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("stream stats %s: %w", stream, err)
	}
	if last.Valid {
		st.LastEvent = last.Time.UTC()
	}
	return st, nil
}

// Run statuses recorded in pipeline_runs.
const (
	RunSucceeded = "success"
	RunFailed    = "failed"
)

// Run is one execution of a batch pipeline.
type Run struct {
	ID            string    `json:"run_id"`
	Pipeline      string    `json:"pipeline_name"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Status        string    `json:"status"`
	RowsProcessed int64     `json:"rows_processed"`
	Error         string    `json:"error,omitempty"`
}

// RecordRun stores the outcome of a batch pipeline run.
func (s *SQLStore) RecordRun(ctx context.Context, r Run) error {
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, pipeline_name, started_at, finished_at, status, rows_processed, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO NOTHING`,
		r.ID, r.Pipeline, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Status, r.RowsProcessed, errText)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// LastSuccessfulRun returns the most recent successful run of pipeline.
func (s *SQLStore) LastSuccessfulRun(ctx context.Context, pipeline string) (Run, bool, error) {
	r := Run{Pipeline: pipeline}
	var errText sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, status, rows_processed, error
		FROM pipeline_runs
		WHERE pipeline_name = $1 AND status = $2
		ORDER BY finished_at DESC
		LIMIT 1`, pipeline, RunSucceeded).
		Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.RowsProcessed, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("last run %s: %w", pipeline, err)
	}
	r.Error = errText.String
	r.StartedAt, r.FinishedAt = r.StartedAt.UTC(), r.FinishedAt.UTC()
	return r, true, nil
}

var countedTables = []string{"raw_events", "fact_events", "raw_transactions", "fact_transactions"}

// TableCounts returns the row count of every destination table.
func (s *SQLStore) TableCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(countedTables))
	for _, table := range countedTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
