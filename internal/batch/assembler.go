// Package batch groups polled messages into micro-batches, the unit of
// transform, write and checkpoint commit.
package batch

import (
	"context"
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/source"
)

// Range is the inclusive offset span a batch covers on one partition.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// MicroBatch is an ordered group of messages processed as one commit unit.
type MicroBatch struct {
	ID        uint64
	Stream    string
	Messages  []source.RawMessage
	Ranges    map[int32]Range
	CreatedAt time.Time
}

// EndPositions returns the last offset per partition covered by the batch.
func (b *MicroBatch) EndPositions() map[int32]int64 {
	out := make(map[int32]int64, len(b.Ranges))
	for p, r := range b.Ranges {
		out[p] = r.End
	}
	return out
}

// Partitions lists the batch's partitions in ascending order.
func (b *MicroBatch) Partitions() []int32 {
	out := make([]int32, 0, len(b.Ranges))
	for p := range b.Ranges {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Poller is the part of a source handle the assembler needs.
type Poller interface {
	Poll(ctx context.Context, maxWait time.Duration, maxMessages int) ([]source.RawMessage, error)
}

// Config bounds a micro-batch.
type Config struct {
	Interval    time.Duration // time trigger, measured from the previous boundary
	MaxMessages int           // size trigger
	PollTimeout time.Duration // upper bound of a single poll
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 5000
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	return c
}

// Assembler turns a stream of polled messages into a lazy sequence of
// micro-batches. It is not safe for concurrent use.
type Assembler struct {
	stream   string
	src      Poller
	cfg      Config
	now      func() time.Time
	nextID   uint64
	boundary time.Time
	pending  []source.RawMessage
}

// NewAssembler returns an Assembler reading from src. Batch IDs start at
// firstID and increase by one per emitted batch.
func NewAssembler(stream string, src Poller, cfg Config, firstID uint64) *Assembler {
	return &Assembler{
		stream: stream,
		src:    src,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		nextID: firstID,
	}
}

// Next blocks until a batch boundary fires and returns the batch. A boundary
// fires when Interval has elapsed since the previous one or MaxMessages have
// accumulated, whichever comes first. Intervals without messages are skipped
// rather than emitted empty. Messages buffered when ctx is cancelled are
// dropped; they are redelivered from the checkpoint on the next run.
func (a *Assembler) Next(ctx context.Context) (*MicroBatch, error) {
	if a.boundary.IsZero() {
		a.boundary = a.now()
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := a.boundary.Add(a.cfg.Interval).Sub(a.now())
		if remaining <= 0 {
			a.boundary = a.now()
			if len(a.pending) > 0 {
				return a.cut(), nil
			}
			continue
		}

		wait := a.cfg.PollTimeout
		if remaining < wait {
			wait = remaining
		}
		msgs, err := a.src.Poll(ctx, wait, a.cfg.MaxMessages-len(a.pending))
		if err != nil {
			return nil, err
		}
		a.pending = append(a.pending, msgs...)
		if len(a.pending) >= a.cfg.MaxMessages {
			a.boundary = a.now()
			return a.cut(), nil
		}
	}
}

func (a *Assembler) cut() *MicroBatch {
	msgs := a.pending
	a.pending = nil

	ranges := make(map[int32]Range)
	for _, m := range msgs {
		r, ok := ranges[m.Partition]
		if !ok {
			ranges[m.Partition] = Range{Start: m.Offset, End: m.Offset}
			continue
		}
		if m.Offset < r.Start {
			r.Start = m.Offset
		}
		if m.Offset > r.End {
			r.End = m.Offset
		}
		ranges[m.Partition] = r
	}

	b := &MicroBatch{
		ID:        a.nextID,
		Stream:    a.stream,
		Messages:  msgs,
		Ranges:    ranges,
		CreatedAt: a.now().UTC(),
	}
	a.nextID++
	return b
}
