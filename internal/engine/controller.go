package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/batch"
	"github.com/gyaneshwarpardhi/streamforge/internal/checkpoint"
	"github.com/gyaneshwarpardhi/streamforge/internal/event"
	"github.com/gyaneshwarpardhi/streamforge/internal/health"
	"github.com/gyaneshwarpardhi/streamforge/internal/metrics"
	"github.com/gyaneshwarpardhi/streamforge/internal/retry"
	"github.com/gyaneshwarpardhi/streamforge/internal/sink"
	"github.com/gyaneshwarpardhi/streamforge/internal/source"
	"github.com/gyaneshwarpardhi/streamforge/internal/transform"
)

// ErrHalted is returned by Controller.Run when a batch could not be written
// after all retries. The stream's checkpoint is left at the last good batch.
var ErrHalted = errors.New("ingestion halted")

// CheckpointWriteError means a batch was written but its checkpoint could not
// be committed. It is fatal for the process.
type CheckpointWriteError struct {
	Stream  string
	BatchID uint64
	Err     error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("stream %s: commit checkpoint for batch %d: %v", e.Stream, e.BatchID, e.Err)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Err }

// StatsReader reports what a stream has already landed.
type StatsReader interface {
	StreamStats(ctx context.Context, stream string) (sink.Stats, error)
}

// StreamConfig describes one stream to ingest.
type StreamConfig struct {
	Name  string
	Topic string
	// Start applies only when the stream has no checkpoint yet.
	Start source.StartPolicy
	Batch batch.Config
}

// Deps are the collaborators shared by all controllers.
type Deps struct {
	Log          source.Log
	Checkpoints  checkpoint.Store
	Raw          sink.Sink[event.RawRow]
	Fact         sink.Sink[event.FactRow]
	Stats        StatsReader // optional
	Monitor      *health.Monitor
	SinkAttempts int
	SinkBackoff  retry.Backoff
	Logger       *slog.Logger
}

// Controller drives one stream: read, transform, write, commit, publish.
// Run must not be called concurrently on the same Controller.
type Controller struct {
	cfg    StreamConfig
	deps   Deps
	writer *sink.DualWriter[event.RawRow, event.FactRow]
	logger *slog.Logger
	snap   health.Snapshot
}

// NewController returns a controller for cfg. It registers the stream with
// the monitor in the STARTING state.
func NewController(cfg StreamConfig, deps Deps) *Controller {
	if cfg.Topic == "" {
		cfg.Topic = cfg.Name
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "controller", "stream", cfg.Name)

	c := &Controller{cfg: cfg, deps: deps, logger: logger}
	c.writer = &sink.DualWriter[event.RawRow, event.FactRow]{
		Pipeline:    cfg.Name,
		Raw:         deps.Raw,
		Fact:        deps.Fact,
		MaxAttempts: deps.SinkAttempts,
		Backoff:     deps.SinkBackoff,
		Logger:      logger,
	}
	deps.Monitor.RegisterStream(cfg.Name)
	return c
}

// Name returns the stream name.
func (c *Controller) Name() string { return c.cfg.Name }

func (c *Controller) setState(s health.State) {
	c.snap.State = s
	c.deps.Monitor.Publish(c.cfg.Name, c.snap)
	for _, st := range health.States {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.ControllerState.WithLabelValues(c.cfg.Name, string(st)).Set(v)
	}
}

// Run ingests until ctx is cancelled (returns nil, state STOPPED), a batch
// exhausts its write retries (returns an error wrapping ErrHalted, state
// HALTED) or a checkpoint commit fails (returns *CheckpointWriteError).
func (c *Controller) Run(ctx context.Context) error {
	c.snap.LastError = ""
	c.snap.FailedRanges = nil
	c.setState(health.StateStarting)

	if c.deps.Stats != nil {
		st, err := c.deps.Stats.StreamStats(ctx, c.cfg.Name)
		if err != nil {
			c.logger.Warn("cannot seed health from store", "err", err)
		} else {
			c.snap.Rows, c.snap.LastEvent = st.Rows, st.LastEvent
		}
	}

	cp, found, err := c.deps.Checkpoints.Load(ctx, c.cfg.Name)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(health.StateStopped)
			return nil
		}
		return fmt.Errorf("stream %s: %w", c.cfg.Name, err)
	}
	policy := c.cfg.Start
	if found {
		policy = source.FromPosition(cp.Committed)
	}

	handle, err := c.deps.Log.Open(ctx, c.cfg.Name, c.cfg.Topic, policy)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(health.StateStopped)
			return nil
		}
		return fmt.Errorf("stream %s: open: %w", c.cfg.Name, err)
	}
	defer handle.Close()

	asm := batch.NewAssembler(c.cfg.Name, handle, c.cfg.Batch, cp.BatchID+1)
	tr := transform.New(c.cfg.Name)
	c.logger.Info("ingestion started", "start", policy.String(), "first_batch", cp.BatchID+1)
	c.setState(health.StateRunning)

	for {
		if ctx.Err() != nil {
			c.stopped()
			return nil
		}
		b, err := asm.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.stopped()
				return nil
			}
			return fmt.Errorf("stream %s: read: %w", c.cfg.Name, err)
		}
		if err := c.process(ctx, tr, b); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("batch abandoned during backoff", "batch_id", b.ID)
				c.stopped()
				return nil
			}
			return err
		}
	}
}

func (c *Controller) stopped() {
	c.logger.Info("ingestion stopped")
	c.setState(health.StateStopped)
}

func (c *Controller) process(ctx context.Context, tr *transform.Transformer, b *batch.MicroBatch) error {
	res := tr.Transform(b)
	for _, de := range res.Errors {
		c.logger.Debug("record skipped", "err", de)
	}

	c.writer.OnRetry = func(attempt int, err error) {
		c.snap.LastError = err.Error()
		c.setState(health.StateBackoff)
	}
	out, err := c.writer.Write(ctx, res.Raw, res.Facts)
	if err != nil {
		var we *sink.WriteError
		if !errors.As(err, &we) {
			return err
		}
		c.snap.LastError = err.Error()
		c.snap.FailedRanges = b.Ranges
		c.setState(health.StateHalted)
		c.logger.Error("ingestion halted", "batch_id", b.ID, "ranges", b.Ranges, "err", err)
		return fmt.Errorf("%w: stream %s batch %d: %w", ErrHalted, c.cfg.Name, b.ID, err)
	}

	// The write is durable; the commit must not be interrupted by shutdown.
	now := time.Now().UTC()
	err = c.deps.Checkpoints.Commit(context.WithoutCancel(ctx), checkpoint.Checkpoint{
		StreamID:    c.cfg.Name,
		Committed:   b.EndPositions(),
		BatchID:     b.ID,
		CommittedAt: now,
	})
	if err != nil {
		c.snap.LastError = err.Error()
		c.setState(health.StateHalted)
		c.logger.Error("checkpoint commit failed", "batch_id", b.ID, "err", err)
		return &CheckpointWriteError{Stream: c.cfg.Name, BatchID: b.ID, Err: err}
	}

	c.snap.Rows += int64(len(res.Raw))
	if ts := res.MaxTimestamp(); ts.After(c.snap.LastEvent) {
		c.snap.LastEvent = ts
	}
	c.snap.LastCommit = now
	c.snap.LastError = ""
	c.snap.FailedRanges = nil
	c.setState(health.StateRunning)

	metrics.BatchesCommitted.WithLabelValues(c.cfg.Name).Inc()
	metrics.BatchDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(b.CreatedAt).Seconds())
	for p, o := range b.EndPositions() {
		metrics.CheckpointOffset.WithLabelValues(c.cfg.Name, strconv.Itoa(int(p))).Set(float64(o))
	}
	c.logger.Info("batch committed",
		"batch_id", b.ID,
		"messages", len(b.Messages),
		"rows", len(res.Raw),
		"decode_errors", len(res.Errors),
		"coercion_errors", len(res.Coercions),
		"attempts", out.Attempts,
	)
	return nil
}
