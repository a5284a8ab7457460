// Package checkpoint persists the per-stream read position. A committed
// checkpoint is the only acknowledgement a log source ever receives.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRegression is returned when a commit would move a partition backwards.
var ErrRegression = errors.New("checkpoint: offset regression")

// Checkpoint is the last durably processed offset per partition of a stream.
type Checkpoint struct {
	StreamID    string          `json:"stream_id"`
	Committed   map[int32]int64 `json:"committed"`
	BatchID     uint64          `json:"batch_id"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Store keeps exactly one live checkpoint per stream. Each stream has a single
// writer; Commit is atomic with respect to concurrent readers.
type Store interface {
	// Load returns the stream's checkpoint; found is false when the stream has
	// never committed.
	Load(ctx context.Context, streamID string) (cp Checkpoint, found bool, err error)
	// Commit merges cp.Committed into the stored positions. Partitions absent
	// from cp keep their stored offset.
	Commit(ctx context.Context, cp Checkpoint) error
}

// Merge returns the positions of prev updated with next. It fails with
// ErrRegression if next moves any partition below prev.
func Merge(prev, next map[int32]int64) (map[int32]int64, error) {
	out := make(map[int32]int64, len(prev)+len(next))
	for p, o := range prev {
		out[p] = o
	}
	for p, o := range next {
		if old, ok := prev[p]; ok && o < old {
			return nil, fmt.Errorf("%w: partition %d from %d to %d", ErrRegression, p, old, o)
		}
		out[p] = o
	}
	return out, nil
}
