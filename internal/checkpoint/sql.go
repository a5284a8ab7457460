package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS stream_checkpoints (
		stream_id        TEXT        NOT NULL,
		source_partition INTEGER     NOT NULL,
		committed_offset BIGINT      NOT NULL,
		batch_id         BIGINT      NOT NULL,
		committed_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stream_id, source_partition)
	)`

// SQLStore keeps checkpoints in the stream_checkpoints table, one row per
// stream partition. It works with both the pgx and duckdb drivers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a store on db. The database is owned by the caller.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the checkpoint table if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create stream_checkpoints: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, streamID string) (Checkpoint, bool, error) {
	return load(ctx, s.db, streamID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func load(ctx context.Context, q querier, streamID string) (Checkpoint, bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source_partition, committed_offset, batch_id, committed_at
		FROM stream_checkpoints
		WHERE stream_id = $1`, streamID)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", streamID, err)
	}
	defer rows.Close()

	cp := Checkpoint{StreamID: streamID, Committed: make(map[int32]int64)}
	for rows.Next() {
		var (
			partition int32
			offset    int64
			batchID   int64
			at        time.Time
		)
		if err := rows.Scan(&partition, &offset, &batchID, &at); err != nil {
			return Checkpoint{}, false, fmt.Errorf("scan checkpoint %s: %w", streamID, err)
		}
		cp.Committed[partition] = offset
		if uint64(batchID) > cp.BatchID {
			cp.BatchID = uint64(batchID)
		}
		if at.After(cp.CommittedAt) {
			cp.CommittedAt = at.UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", streamID, err)
	}
	return cp, len(cp.Committed) > 0, nil
}

// Commit implements Store. The stored positions are read and updated inside a
// single transaction.
func (s *SQLStore) Commit(ctx context.Context, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.StreamID, err)
	}
	defer tx.Rollback()

	prev, _, err := load(ctx, tx, cp.StreamID)
	if err != nil {
		return err
	}
	if _, err := Merge(prev.Committed, cp.Committed); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.StreamID, err)
	}

	at := cp.CommittedAt
	if at.IsZero() {
		at = time.Now()
	}
	for p, o := range cp.Committed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stream_checkpoints (stream_id, source_partition, committed_offset, batch_id, committed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (stream_id, source_partition) DO UPDATE SET
				committed_offset = EXCLUDED.committed_offset,
				batch_id = EXCLUDED.batch_id,
				committed_at = EXCLUDED.committed_at`,
			cp.StreamID, p, o, int64(cp.BatchID), at.UTC())
		if err != nil {
			return fmt.Errorf("commit checkpoint %s partition %d: %w", cp.StreamID, p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.StreamID, err)
	}
	return nil
}
