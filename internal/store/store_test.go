package store

import (
	"context"
	"testing"
	"time"
)

func TestNormalizeDriver(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"postgres", DriverPostgres, false},
		{"PostgreSQL", DriverPostgres, false},
		{"pgx", DriverPostgres, false},
		{"duckdb", DriverDuckDB, false},
		{"", DriverDuckDB, false},
		{"mysql", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeDriver(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("NormalizeDriver(%q) err = %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("NormalizeDriver(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDuckDBServesConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `CREATE TABLE t (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}

	held, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Rollback()
	if _, err := held.ExecContext(ctx, `INSERT INTO t VALUES ('a')`); err != nil {
		t.Fatal(err)
	}

	// A second writer and a reader proceed while the first transaction is open.
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := db.ExecContext(tctx, `INSERT INTO t VALUES ('b')`); err != nil {
		t.Fatalf("second writer: %v", err)
	}
	var n int
	if err := db.QueryRowContext(tctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatalf("reader: %v", err)
	}
	if n != 1 {
		t.Errorf("reader sees %d rows, want 1 (uncommitted row hidden)", n)
	}
	if err := held.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil || n != 2 {
		t.Errorf("rows after commit = %d, err %v", n, err)
	}
}
