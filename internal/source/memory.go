package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is what a MemoryLog reports while it is marked down.
var ErrUnavailable = errors.New("source: log unavailable")

type memRecord struct {
	payload []byte
	arrived time.Time
}

// MemoryLog is an in-process partitioned log. It backs tests and local
// replays, and can simulate an outage with SetAvailable(false).
type MemoryLog struct {
	mu     sync.Mutex
	topics map[string][][]memRecord
	down   bool
	wake   chan struct{}
	opts   Options
}

// NewMemoryLog returns an empty log.
func NewMemoryLog(opts Options) *MemoryLog {
	return &MemoryLog{
		topics: make(map[string][][]memRecord),
		wake:   make(chan struct{}),
		opts:   opts,
	}
}

// CreateTopic registers topic with the given number of partitions. Calling it
// again for an existing topic is a no-op.
func (l *MemoryLog) CreateTopic(topic string, partitions int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.topics[topic]; ok {
		return
	}
	if partitions < 1 {
		partitions = 1
	}
	l.topics[topic] = make([][]memRecord, partitions)
}

// Append adds payload to a partition and returns its position.
func (l *MemoryLog) Append(topic string, partition int32, payload []byte) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts, ok := l.topics[topic]
	if !ok {
		return Position{}, fmt.Errorf("unknown topic %q", topic)
	}
	if partition < 0 || int(partition) >= len(parts) {
		return Position{}, fmt.Errorf("topic %q has no partition %d", topic, partition)
	}
	off := int64(len(parts[partition]))
	parts[partition] = append(parts[partition], memRecord{payload: payload, arrived: time.Now()})
	l.broadcastLocked()
	return Position{Partition: partition, Offset: off}, nil
}

// SetAvailable toggles the simulated outage.
func (l *MemoryLog) SetAvailable(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = !ok
	l.broadcastLocked()
}

func (l *MemoryLog) broadcastLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// Open implements Log.
func (l *MemoryLog) Open(ctx context.Context, stream, topic string, policy StartPolicy) (*StreamHandle, error) {
	var next map[int32]int64
	err := untilAvailable(ctx, l.opts, stream, topic, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.down {
			return ErrUnavailable
		}
		parts, ok := l.topics[topic]
		if !ok {
			return fmt.Errorf("unknown topic %q", topic)
		}
		next = make(map[int32]int64, len(parts))
		for p, recs := range parts {
			next[int32(p)] = policy.next(int32(p), int64(len(recs)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newHandle(stream, topic, &memFetcher{log: l, topic: topic, next: next}, l.opts), nil
}

type memFetcher struct {
	log   *MemoryLog
	topic string
	next  map[int32]int64
}

func (f *memFetcher) fetch(ctx context.Context, maxWait time.Duration, max int) ([]RawMessage, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		msgs, wake, err := f.collect(max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		select {
		case <-wake:
		case <-timer.C:
			return []RawMessage{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// collect drains available records partition by partition, lowest first.
func (f *memFetcher) collect(max int) ([]RawMessage, <-chan struct{}, error) {
	f.log.mu.Lock()
	defer f.log.mu.Unlock()
	if f.log.down {
		return nil, nil, ErrUnavailable
	}
	parts := f.log.topics[f.topic]
	var msgs []RawMessage
	for p := range parts {
		pid := int32(p)
		for off := f.next[pid]; off < int64(len(parts[p])) && len(msgs) < max; off++ {
			rec := parts[p][off]
			msgs = append(msgs, RawMessage{
				Topic:     f.topic,
				Position:  Position{Partition: pid, Offset: off},
				Payload:   rec.payload,
				ArrivedAt: rec.arrived,
			})
			f.next[pid] = off + 1
		}
	}
	return msgs, f.log.wake, nil
}

func (f *memFetcher) close() error { return nil }
