// Package health derives pipeline status from what the ingestion loops
// publish and what the store records.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/batch"
	"github.com/gyaneshwarpardhi/streamforge/internal/metrics"
	"github.com/gyaneshwarpardhi/streamforge/internal/sink"
)

// ErrUnknownPipeline is returned by Status for names never registered.
var ErrUnknownPipeline = errors.New("health: unknown pipeline")

// DefaultRunningThreshold is the lag below which a stream counts as running.
const DefaultRunningThreshold = 600 * time.Second

// Status is the derived health of a pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
)

// State is the lifecycle state of a stream's ingestion controller.
type State string

const (
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateBackoff  State = "BACKOFF"
	StateHalted   State = "HALTED"
	StateStopped  State = "STOPPED"
)

// States lists every controller state.
var States = []State{StateStarting, StateRunning, StateBackoff, StateHalted, StateStopped}

// Kind distinguishes streaming pipelines from batch ones.
type Kind string

const (
	KindStreaming Kind = "streaming"
	KindBatch     Kind = "batch"
)

// Snapshot is an immutable view of a stream published by its controller.
type Snapshot struct {
	State        State
	Rows         int64     // committed rows since the stream first landed data
	LastEvent    time.Time // max committed event timestamp
	LastCommit   time.Time
	LastError    string
	FailedRanges map[int32]batch.Range
}

// PipelineStatus is the externally visible health of one pipeline.
type PipelineStatus struct {
	PipelineName     string                `json:"pipeline_name"`
	Kind             Kind                  `json:"kind"`
	LastRunTimestamp *time.Time            `json:"last_run_timestamp"`
	Status           Status                `json:"status"`
	RowsProcessed    int64                 `json:"rows_processed"`
	LagSeconds       *float64              `json:"lag_seconds"`
	ControllerState  State                 `json:"controller_state,omitempty"`
	LastError        string                `json:"last_error,omitempty"`
	FailedRanges     map[int32]batch.Range `json:"failed_ranges,omitempty"`
}

// RunLookup finds the latest successful run of a batch pipeline.
type RunLookup interface {
	LastSuccessfulRun(ctx context.Context, pipeline string) (sink.Run, bool, error)
}

// TableCounter reports row counts of the destination tables. A RunLookup that
// also implements it has its counts included in pipeline listings.
type TableCounter interface {
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// Monitor holds the latest snapshot of every stream. Publishing is a single
// atomic store so readers never hold up an ingestion loop.
type Monitor struct {
	mu        sync.RWMutex
	streams   map[string]*atomic.Pointer[Snapshot]
	batches   map[string]struct{}
	observers []func(name string, s Snapshot)

	runs      RunLookup
	threshold atomic.Int64
	now       func() time.Time
}

// NewMonitor returns a Monitor. runs may be nil when no batch pipeline is
// registered; threshold <= 0 selects DefaultRunningThreshold.
func NewMonitor(runs RunLookup, threshold time.Duration) *Monitor {
	m := &Monitor{
		streams: make(map[string]*atomic.Pointer[Snapshot]),
		batches: make(map[string]struct{}),
		runs:    runs,
		now:     time.Now,
	}
	m.SetRunningThreshold(threshold)
	return m
}

// SetRunningThreshold changes the running/idle boundary. Safe to call while
// the monitor is in use.
func (m *Monitor) SetRunningThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultRunningThreshold
	}
	m.threshold.Store(int64(d))
}

// RunningThreshold returns the current running/idle boundary.
func (m *Monitor) RunningThreshold() time.Duration {
	return time.Duration(m.threshold.Load())
}

// RegisterStream adds a streaming pipeline in the STARTING state.
func (m *Monitor) RegisterStream(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[name]; ok {
		return
	}
	p := new(atomic.Pointer[Snapshot])
	p.Store(&Snapshot{State: StateStarting})
	m.streams[name] = p
}

// RegisterBatch adds a batch pipeline whose status is read from the store.
func (m *Monitor) RegisterBatch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[name] = struct{}{}
}

// Observe registers fn to be called synchronously on every Publish.
func (m *Monitor) Observe(fn func(name string, s Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Publish replaces the stream's snapshot. Unregistered streams are registered
// on first publish.
func (m *Monitor) Publish(name string, s Snapshot) {
	m.mu.RLock()
	p, ok := m.streams[name]
	observers := m.observers
	m.mu.RUnlock()
	if !ok {
		m.RegisterStream(name)
		m.mu.RLock()
		p = m.streams[name]
		m.mu.RUnlock()
	}
	snap := s
	p.Store(&snap)
	for _, fn := range observers {
		fn(name, snap)
	}
}

// Transition moves the stream from state from to state to, but only if it is
// in from. It reports whether the move happened.
func (m *Monitor) Transition(name string, from, to State) bool {
	m.mu.RLock()
	p, ok := m.streams[name]
	observers := m.observers
	m.mu.RUnlock()
	if !ok {
		return false
	}
	for {
		cur := p.Load()
		if cur.State != from {
			return false
		}
		next := *cur
		next.State = to
		if p.CompareAndSwap(cur, &next) {
			for _, fn := range observers {
				fn(name, next)
			}
			return true
		}
	}
}

// Snapshot returns the stream's latest published snapshot.
func (m *Monitor) Snapshot(name string) (Snapshot, bool) {
	m.mu.RLock()
	p, ok := m.streams[name]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return *p.Load(), true
}

// Seed initialises a stream's counters from what the store already holds, so
// status survives a restart. It does not touch the controller state.
func (m *Monitor) Seed(name string, st sink.Stats) {
	cur, _ := m.Snapshot(name)
	if cur.State == "" {
		cur.State = StateStarting
	}
	cur.Rows = st.Rows
	cur.LastEvent = st.LastEvent
	m.Publish(name, cur)
}

// Status derives the current health of the named pipeline.
func (m *Monitor) Status(ctx context.Context, name string) (PipelineStatus, error) {
	if snap, ok := m.Snapshot(name); ok {
		return m.streamStatus(name, snap), nil
	}
	m.mu.RLock()
	_, isBatch := m.batches[name]
	m.mu.RUnlock()
	if isBatch {
		return m.batchStatus(ctx, name)
	}
	return PipelineStatus{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
}

// All returns the status of every registered pipeline, sorted by name.
func (m *Monitor) All(ctx context.Context) ([]PipelineStatus, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.streams)+len(m.batches))
	for n := range m.streams {
		names = append(names, n)
	}
	for n := range m.batches {
		names = append(names, n)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make([]PipelineStatus, 0, len(names))
	for _, n := range names {
		st, err := m.Status(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// TableCounts returns destination row counts, or nil when the run store
// cannot count tables.
func (m *Monitor) TableCounts(ctx context.Context) (map[string]int64, error) {
	tc, ok := m.runs.(TableCounter)
	if !ok {
		return nil, nil
	}
	return tc.TableCounts(ctx)
}

// Halted lists the streams whose controller is HALTED.
func (m *Monitor) Halted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for n, p := range m.streams {
		if p.Load().State == StateHalted {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) streamStatus(name string, s Snapshot) PipelineStatus {
	st := PipelineStatus{
		PipelineName:    name,
		Kind:            KindStreaming,
		Status:          StatusPending,
		RowsProcessed:   s.Rows,
		ControllerState: s.State,
		LastError:       s.LastError,
		FailedRanges:    s.FailedRanges,
	}
	if s.Rows == 0 || s.LastEvent.IsZero() {
		return st
	}
	last := s.LastEvent
	st.LastRunTimestamp = &last

	lag := m.now().Sub(last)
	if lag < 0 {
		lag = 0
	}
	secs := lag.Seconds()
	st.LagSeconds = &secs
	metrics.PipelineLag.WithLabelValues(name).Set(secs)

	if lag < m.RunningThreshold() {
		st.Status = StatusRunning
	} else {
		st.Status = StatusIdle
	}
	return st
}

func (m *Monitor) batchStatus(ctx context.Context, name string) (PipelineStatus, error) {
	st := PipelineStatus{PipelineName: name, Kind: KindBatch, Status: StatusPending}
	if m.runs == nil {
		return st, nil
	}
	run, found, err := m.runs.LastSuccessfulRun(ctx, name)
	if err != nil {
		return PipelineStatus{}, err
	}
	if found {
		finished := run.FinishedAt
		st.LastRunTimestamp = &finished
		st.Status = StatusCompleted
		st.RowsProcessed = run.RowsProcessed
	}
	return st, nil
}
