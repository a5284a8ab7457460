package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/gyaneshwarpardhi/streamforge/internal/metrics"
	"github.com/gyaneshwarpardhi/streamforge/internal/retry"
)

func newTestLog(t *testing.T, partitions int) *MemoryLog {
	t.Helper()
	l := NewMemoryLog(Options{Backoff: retry.Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}})
	l.CreateTopic("user_events", partitions)
	return l
}

func mustAppend(t *testing.T, l *MemoryLog, partition int32, payload string) Position {
	t.Helper()
	pos, err := l.Append("user_events", partition, []byte(payload))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return pos
}

func TestParseStartPolicy(t *testing.T) {
	cases := []struct {
		in      string
		want    StartKind
		wantErr bool
	}{
		{"", StartEarliest, false},
		{"earliest", StartEarliest, false},
		{"LATEST", StartLatest, false},
		{"middle", 0, true},
	}
	for _, c := range cases {
		got, err := ParseStartPolicy(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("ParseStartPolicy(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if err == nil && got.Kind != c.want {
			t.Errorf("ParseStartPolicy(%q) = %v, want kind %v", c.in, got, c.want)
		}
	}
}

func TestStartPolicyString(t *testing.T) {
	got := FromPosition(map[int32]int64{1: 7, 0: 3}).String()
	if got != "from[0:3 1:7]" {
		t.Errorf("String() = %q", got)
	}
}

func TestMemoryLogStartPolicies(t *testing.T) {
	l := newTestLog(t, 2)
	for i := 0; i < 3; i++ {
		mustAppend(t, l, 0, "p0")
		mustAppend(t, l, 1, "p1")
	}
	ctx := context.Background()

	cases := []struct {
		name   string
		policy StartPolicy
		want   int
	}{
		{"earliest", Earliest(), 6},
		{"latest", Latest(), 0},
		{"from position", FromPosition(map[int32]int64{0: 1}), 1 + 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h, err := l.Open(ctx, "user_events", "user_events", c.policy)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer h.Close()
			msgs, err := h.Poll(ctx, 20*time.Millisecond, 100)
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if len(msgs) != c.want {
				t.Errorf("got %d messages, want %d", len(msgs), c.want)
			}
		})
	}
}

func TestPollPreservesPartitionOrder(t *testing.T) {
	l := newTestLog(t, 1)
	for i := 0; i < 5; i++ {
		mustAppend(t, l, 0, "x")
	}
	h, err := l.Open(context.Background(), "user_events", "user_events", Earliest())
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := h.Poll(context.Background(), 10*time.Millisecond, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (maxMessages)", len(msgs))
	}
	for i, m := range msgs {
		if m.Offset != int64(i) {
			t.Errorf("msgs[%d].Offset = %d", i, m.Offset)
		}
	}
	rest, _ := h.Poll(context.Background(), 10*time.Millisecond, 10)
	if len(rest) != 2 || rest[0].Offset != 3 {
		t.Errorf("second poll = %+v, want offsets 3,4", rest)
	}
}

func TestPollIdleReturnsEmptyAfterMaxWait(t *testing.T) {
	l := newTestLog(t, 1)
	h, _ := l.Open(context.Background(), "user_events", "user_events", Earliest())
	start := time.Now()
	msgs, err := h.Poll(context.Background(), 30*time.Millisecond, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages from an empty log", len(msgs))
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("poll returned before maxWait on an idle log")
	}
}

func TestPollWakesOnAppend(t *testing.T) {
	l := newTestLog(t, 1)
	h, _ := l.Open(context.Background(), "user_events", "user_events", Earliest())
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = l.Append("user_events", 0, []byte("late"))
	}()
	msgs, err := h.Poll(context.Background(), 2*time.Second, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "late" {
		t.Errorf("got %+v", msgs)
	}
}

func TestPollBacksOffThroughOutage(t *testing.T) {
	l := newTestLog(t, 1)
	h, _ := l.Open(context.Background(), "user_events", "user_events", Earliest())
	l.SetAvailable(false)
	go func() {
		time.Sleep(40 * time.Millisecond)
		l.SetAvailable(true)
		_, _ = l.Append("user_events", 0, []byte("after outage"))
	}()
	msgs, err := h.Poll(context.Background(), time.Second, 10)
	if err != nil {
		t.Fatalf("poll surfaced a transient failure: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestPollCancelledDuringOutage(t *testing.T) {
	l := newTestLog(t, 1)
	h, _ := l.Open(context.Background(), "user_events", "user_events", Earliest())
	l.SetAvailable(false)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := h.Poll(ctx, time.Second, 10); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestPollAfterClose(t *testing.T) {
	l := newTestLog(t, 1)
	h, _ := l.Open(context.Background(), "user_events", "user_events", Earliest())
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := h.Poll(context.Background(), time.Millisecond, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestSourceMetricsLabelledByStream(t *testing.T) {
	l := newTestLog(t, 1)
	mustAppend(t, l, 0, "a")
	mustAppend(t, l, 0, "b")

	polled := metrics.MessagesPolled.WithLabelValues("web_clicks")
	outages := metrics.SourceUnavailable.WithLabelValues("web_clicks")
	topicPolled := metrics.MessagesPolled.WithLabelValues("user_events")
	polledBefore, outagesBefore, topicBefore := counterValue(t, polled), counterValue(t, outages), counterValue(t, topicPolled)

	h, err := l.Open(context.Background(), "web_clicks", "user_events", Earliest())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	l.SetAvailable(false)
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.SetAvailable(true)
	}()
	msgs, err := h.Poll(context.Background(), time.Second, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("poll = %d messages, err %v", len(msgs), err)
	}

	if got := counterValue(t, polled) - polledBefore; got != 2 {
		t.Errorf("messages polled for stream = %v, want 2", got)
	}
	if got := counterValue(t, outages) - outagesBefore; got < 1 {
		t.Errorf("outages for stream = %v, want at least 1", got)
	}
	if got := counterValue(t, topicPolled) - topicBefore; got != 0 {
		t.Errorf("messages polled under the topic label = %v, want 0", got)
	}
}
