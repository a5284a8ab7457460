// Package store opens the relational database shared by the sinks and the
// checkpoint store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Driver names accepted in config. "postgres" is an alias for the pgx driver.
const (
	DriverPostgres = "pgx"
	DriverDuckDB   = "duckdb"
)

// duckDBConns bounds the embedded pool. Every stream holds at most one write
// transaction at a time, plus health reads and checkpoint commits.
const duckDBConns = 8

// NormalizeDriver maps config spellings onto registered database/sql drivers.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "pgx", "postgres", "postgresql":
		return DriverPostgres, nil
	case "duckdb", "":
		return DriverDuckDB, nil
	}
	return "", fmt.Errorf("unsupported store driver %q (want postgres or duckdb)", driver)
}

// Open connects to the database and verifies the connection. An empty DSN with
// the duckdb driver gives an in-memory database.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	name, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if name == DriverDuckDB {
		// Connections from one connector share the database, in-memory
		// included; concurrent transactions are isolated by MVCC.
		db.SetMaxOpenConns(duckDBConns)
		db.SetMaxIdleConns(duckDBConns)
	} else {
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", name, err)
	}
	return db, nil
}
