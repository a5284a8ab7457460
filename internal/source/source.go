// Package source reads ordered message batches from a partitioned append-only log.
//
// Acknowledgement is implicit: a source never commits offsets itself. Consumers
// resume by opening a handle with a StartPolicy derived from their checkpoint.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/metrics"
	"github.com/gyaneshwarpardhi/streamforge/internal/retry"
)

// ErrClosed is returned by Poll once the handle has been closed.
var ErrClosed = errors.New("source: handle closed")

// Position identifies a message inside a log: offsets are monotonic per partition.
type Position struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

func (p Position) String() string { return fmt.Sprintf("%d@%d", p.Partition, p.Offset) }

// RawMessage is an immutable payload as delivered by the log.
type RawMessage struct {
	Topic string
	Position
	Payload   []byte
	ArrivedAt time.Time
}

// StartKind selects where a new handle begins reading.
type StartKind int

const (
	StartEarliest StartKind = iota
	StartLatest
	StartFromPosition
)

// StartPolicy describes the initial read position of a handle. For
// StartFromPosition, Committed holds the last committed offset per partition and
// reading resumes right after it; partitions missing from the map start at the
// earliest retained offset.
type StartPolicy struct {
	Kind      StartKind
	Committed map[int32]int64
}

func Earliest() StartPolicy { return StartPolicy{Kind: StartEarliest} }
func Latest() StartPolicy   { return StartPolicy{Kind: StartLatest} }

// FromPosition resumes after the given committed offsets.
func FromPosition(committed map[int32]int64) StartPolicy {
	cp := make(map[int32]int64, len(committed))
	for p, o := range committed {
		cp[p] = o
	}
	return StartPolicy{Kind: StartFromPosition, Committed: cp}
}

// ParseStartPolicy maps the config spelling to a policy.
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch strings.ToLower(s) {
	case "", "earliest":
		return Earliest(), nil
	case "latest":
		return Latest(), nil
	}
	return StartPolicy{}, fmt.Errorf("unknown start policy %q (want earliest or latest)", s)
}

// next returns the first offset to read on partition p whose log currently
// ends at end (the offset the next append will receive).
func (sp StartPolicy) next(p int32, end int64) int64 {
	switch sp.Kind {
	case StartLatest:
		return end
	case StartFromPosition:
		if o, ok := sp.Committed[p]; ok {
			return o + 1
		}
	}
	return 0
}

func (sp StartPolicy) String() string {
	switch sp.Kind {
	case StartLatest:
		return "latest"
	case StartFromPosition:
		parts := make([]int, 0, len(sp.Committed))
		for p := range sp.Committed {
			parts = append(parts, int(p))
		}
		sort.Ints(parts)
		var b strings.Builder
		b.WriteString("from[")
		for i, p := range parts {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%d:%d", p, sp.Committed[int32(p)])
		}
		b.WriteByte(']')
		return b.String()
	}
	return "earliest"
}

// Log opens stream handles on a topic. stream names the consumer and labels
// its logs and metrics; several streams may read the same topic.
type Log interface {
	Open(ctx context.Context, stream, topic string, policy StartPolicy) (*StreamHandle, error)
}

// Options tune the resilience behaviour shared by all Log implementations.
type Options struct {
	Backoff retry.Backoff
	Logger  *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) backoff() retry.Backoff {
	if o.Backoff.Base <= 0 {
		return retry.Backoff{Base: 2 * time.Second, Max: 30 * time.Second}
	}
	return o.Backoff
}

// fetcher performs one bounded read attempt against a concrete log.
type fetcher interface {
	fetch(ctx context.Context, maxWait time.Duration, max int) ([]RawMessage, error)
	close() error
}

// StreamHandle is the read cursor of one consumer on one topic. It is owned by
// a single controller and must not be shared.
type StreamHandle struct {
	stream  string
	topic   string
	f       fetcher
	backoff retry.Backoff
	logger  *slog.Logger
	closed  atomic.Bool
}

func newHandle(stream, topic string, f fetcher, opts Options) *StreamHandle {
	return &StreamHandle{
		stream:  stream,
		topic:   topic,
		f:       f,
		backoff: opts.backoff(),
		logger:  opts.logger().With("component", "source", "stream", stream, "topic", topic),
	}
}

// Topic returns the topic this handle reads.
func (h *StreamHandle) Topic() string { return h.topic }

// Poll returns up to maxMessages messages, waiting at most maxWait for the
// first one. An idle log yields an empty slice. Transient failures are
// absorbed with exponential backoff for as long as it takes; only cancellation
// of ctx or a closed handle end Poll with an error.
func (h *StreamHandle) Poll(ctx context.Context, maxWait time.Duration, maxMessages int) ([]RawMessage, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	failures := 0
	for {
		if h.closed.Load() {
			return nil, ErrClosed
		}
		msgs, err := h.f.fetch(ctx, maxWait, maxMessages)
		if err == nil {
			if failures > 0 {
				h.logger.Info("log source available again", "failed_attempts", failures)
			}
			metrics.MessagesPolled.WithLabelValues(h.stream).Add(float64(len(msgs)))
			return msgs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		failures++
		metrics.SourceUnavailable.WithLabelValues(h.stream).Inc()
		d := h.backoff.Delay(failures)
		h.logger.Warn("log source unavailable, backing off", "attempt", failures, "retry_in", d, "err", err)
		if err := retry.Sleep(ctx, d); err != nil {
			return nil, err
		}
	}
}

// Close releases the underlying consumer. Close is idempotent.
func (h *StreamHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.f.close()
}

// untilAvailable runs fn until it succeeds, backing off between failures.
func untilAvailable(ctx context.Context, opts Options, stream, topic string, fn func() error) error {
	b := opts.backoff()
	logger := opts.logger().With("component", "source", "stream", stream, "topic", topic)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.SourceUnavailable.WithLabelValues(stream).Inc()
		d := b.Delay(attempt)
		logger.Warn("cannot open log, backing off", "attempt", attempt, "retry_in", d, "err", err)
		if err := retry.Sleep(ctx, d); err != nil {
			return err
		}
	}
}
