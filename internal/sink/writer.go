// Package sink writes transformed rows to their raw and curated destinations.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/metrics"
	"github.com/gyaneshwarpardhi/streamforge/internal/retry"
)

// Sink persists rows of one table. Writes are idempotent by the row's natural
// key: rows already present are skipped, so a retried write never duplicates.
type Sink[R any] interface {
	Name() string
	// Write persists rows and reports how many were newly inserted.
	Write(ctx context.Context, rows []R) (inserted int64, err error)
}

// WriteOutcome summarises a successful dual write.
type WriteOutcome struct {
	RawRows      int   `json:"raw_rows"`
	FactRows     int   `json:"fact_rows"`
	RawInserted  int64 `json:"raw_inserted"`
	FactInserted int64 `json:"fact_inserted"`
	Attempts     int   `json:"attempts"`
}

// WriteError is returned once every attempt of a dual write has failed.
type WriteError struct {
	Sink     string // sink that failed on the last attempt
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s failed after %d attempts: %v", e.Sink, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DualWriter writes a batch to a raw sink and then to a fact sink. If either
// write fails the whole pair is retried from the same rows; the raw sink's
// idempotency absorbs the replay. Nothing already written is rolled back.
type DualWriter[R, F any] struct {
	Pipeline    string
	Raw         Sink[R]
	Fact        Sink[F]
	MaxAttempts int
	Backoff     retry.Backoff
	// OnRetry, if set, is called synchronously before each backoff sleep.
	OnRetry func(attempt int, err error)
	Logger  *slog.Logger
}

func (w *DualWriter[R, F]) maxAttempts() int {
	if w.MaxAttempts < 1 {
		return 5
	}
	return w.MaxAttempts
}

func (w *DualWriter[R, F]) backoff() retry.Backoff {
	if w.Backoff.Base <= 0 {
		return retry.Backoff{Base: time.Second, Max: 30 * time.Second}
	}
	return w.Backoff
}

// Write persists raw then facts. Individual writes run to completion even if
// ctx is cancelled; cancellation is only observed while backing off, in which
// case ctx's error is returned and the batch is abandoned.
func (w *DualWriter[R, F]) Write(ctx context.Context, raw []R, facts []F) (WriteOutcome, error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := WriteOutcome{RawRows: len(raw), FactRows: len(facts)}
	writeCtx := context.WithoutCancel(ctx)
	max := w.maxAttempts()

	var (
		lastErr  error
		lastSink string
	)
	for attempt := 1; attempt <= max; attempt++ {
		out.Attempts = attempt

		n, err := w.Raw.Write(writeCtx, raw)
		out.RawInserted += n
		lastSink = w.Raw.Name()
		if err == nil {
			n, err = w.Fact.Write(writeCtx, facts)
			out.FactInserted += n
			lastSink = w.Fact.Name()
		}
		if err == nil {
			w.observe(out)
			return out, nil
		}
		lastErr = err
		if attempt == max {
			break
		}

		metrics.SinkRetries.WithLabelValues(w.Pipeline).Inc()
		d := w.backoff().Delay(attempt)
		logger.Warn("sink write failed, retrying", "sink", lastSink, "attempt", attempt, "retry_in", d, "err", err)
		if w.OnRetry != nil {
			w.OnRetry(attempt, err)
		}
		if err := retry.Sleep(ctx, d); err != nil {
			return out, err
		}
	}
	return out, &WriteError{Sink: lastSink, Attempts: out.Attempts, Err: lastErr}
}

func (w *DualWriter[R, F]) observe(out WriteOutcome) {
	metrics.RowsWritten.WithLabelValues(w.Pipeline, w.Raw.Name()).Add(float64(out.RawRows))
	metrics.RowsWritten.WithLabelValues(w.Pipeline, w.Fact.Name()).Add(float64(out.FactRows))
	metrics.RowsInserted.WithLabelValues(w.Pipeline, w.Raw.Name()).Add(float64(out.RawInserted))
	metrics.RowsInserted.WithLabelValues(w.Pipeline, w.Fact.Name()).Add(float64(out.FactInserted))
}
