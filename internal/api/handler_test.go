package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/streamforge/internal/engine"
	"github.com/gyaneshwarpardhi/streamforge/internal/health"
	"github.com/gyaneshwarpardhi/streamforge/internal/sink"
)

type fakeResumer struct {
	resumed []string
	err     error
}

func (f *fakeResumer) Resume(name string) error {
	if f.err != nil {
		return f.err
	}
	f.resumed = append(f.resumed, name)
	return nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestPipelineRoutes(t *testing.T) {
	m := health.NewMonitor(nil, 0)
	m.Publish("user_events", health.Snapshot{State: health.StateRunning, Rows: 3, LastEvent: time.Now().Add(-time.Second)})
	h := New(m, &fakeResumer{})

	rec := do(t, h, http.MethodGet, "/v1/pipelines/user_events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var st health.PipelineStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Status != health.StatusRunning || st.RowsProcessed != 3 || st.LagSeconds == nil {
		t.Errorf("status = %+v", st)
	}

	if rec := do(t, h, http.MethodGet, "/v1/pipelines/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown pipeline status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/pipelines")
	var list struct {
		Pipelines []health.PipelineStatus `json:"pipelines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list.Pipelines) != 1 {
		t.Errorf("list = %+v, err %v", list, err)
	}
}

func TestReadyz(t *testing.T) {
	m := health.NewMonitor(nil, 0)
	m.Publish("a", health.Snapshot{State: health.StateRunning})
	h := New(m, nil)

	if rec := do(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d with all streams running", rec.Code)
	}
	m.Publish("a", health.Snapshot{State: health.StateHalted})
	rec := do(t, h, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"a"`) {
		t.Errorf("readyz = %d %s with a halted stream", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestResumeRoute(t *testing.T) {
	m := health.NewMonitor(nil, 0)
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusAccepted},
		{"unknown", fmt.Errorf("%w: x", engine.ErrUnknownStream), http.StatusNotFound},
		{"not halted", fmt.Errorf("%w: x", engine.ErrNotHalted), http.StatusConflict},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := &fakeResumer{err: c.err}
			rec := do(t, New(m, r), http.MethodPost, "/v1/pipelines/user_events/resume")
			if rec.Code != c.want {
				t.Errorf("status = %d, want %d", rec.Code, c.want)
			}
			if c.err == nil && (len(r.resumed) != 1 || r.resumed[0] != "user_events") {
				t.Errorf("resumed = %v", r.resumed)
			}
		})
	}

	if rec := do(t, New(m, nil), http.MethodPost, "/v1/pipelines/user_events/resume"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("resume without engine = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	rec := do(t, New(health.NewMonitor(nil, 0), nil), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
}

type countingRuns struct{}

func (countingRuns) LastSuccessfulRun(context.Context, string) (sink.Run, bool, error) {
	return sink.Run{}, false, nil
}

func (countingRuns) TableCounts(context.Context) (map[string]int64, error) {
	return map[string]int64{"raw_events": 4, "fact_events": 3, "raw_transactions": 0, "fact_transactions": 0}, nil
}

func TestListPipelinesIncludesTableCounts(t *testing.T) {
	cases := []struct {
		name string
		runs health.RunLookup
		want map[string]int64
	}{
		{"store counts tables", countingRuns{}, map[string]int64{"raw_events": 4, "fact_events": 3, "raw_transactions": 0, "fact_transactions": 0}},
		{"no store", nil, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := health.NewMonitor(c.runs, 0)
			m.Publish("user_events", health.Snapshot{State: health.StateRunning})
			rec := do(t, New(m, nil), http.MethodGet, "/v1/pipelines")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			var list struct {
				Tables map[string]int64 `json:"tables"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
				t.Fatal(err)
			}
			if len(list.Tables) != len(c.want) {
				t.Fatalf("tables = %v, want %v", list.Tables, c.want)
			}
			for k, v := range c.want {
				if list.Tables[k] != v {
					t.Errorf("%s = %d, want %d", k, list.Tables[k], v)
				}
			}
		})
	}
}
