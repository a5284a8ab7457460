package api

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/streamforge/internal/engine"
	"github.com/gyaneshwarpardhi/streamforge/internal/health"
)

// Resumer restarts halted streams.
type Resumer interface {
	Resume(name string) error
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	monitor *health.Monitor
	resumer Resumer
	mux     *http.ServeMux
}

// New creates the ops HTTP handler and registers all routes. resumer may be
// nil, in which case the resume route answers 503.
func New(monitor *health.Monitor, resumer Resumer) http.Handler {
	h := &Handler{monitor: monitor, resumer: resumer, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /v1/pipelines", h.listPipelines)
	h.mux.HandleFunc("GET /v1/pipelines/{name}", h.getPipeline)
	h.mux.HandleFunc("POST /v1/pipelines/{name}/resume", h.resumePipeline)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// GET /v1/pipelines — status of every pipeline plus destination row counts.
func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	all, err := h.monitor.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tables, err := h.monitor.TableCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"pipelines": all,
	}
	if tables != nil {
		resp["tables"] = tables
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/pipelines/{name}
func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	st, err := h.monitor.Status(r.Context(), r.PathValue("name"))
	if errors.Is(err, health.ErrUnknownPipeline) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /v1/pipelines/{name}/resume — restart a halted stream from its checkpoint.
func (h *Handler) resumePipeline(w http.ResponseWriter, r *http.Request) {
	if h.resumer == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion engine not running")
		return
	}
	name := r.PathValue("name")
	err := h.resumer.Resume(name)
	switch {
	case errors.Is(err, engine.ErrUnknownStream):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotHalted):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"pipeline_name": name,
			"resumed":       true,
		})
	}
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 while any stream is halted.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	halted := h.monitor.Halted()
	if len(halted) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "halted",
			"halted": halted,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
	})
}
