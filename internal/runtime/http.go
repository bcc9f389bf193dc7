package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/scribelab/scribed/internal/orchestrator"
	"github.com/scribelab/scribed/internal/segment"
	"github.com/scribelab/scribed/internal/store"
)

func (r *Runtime) buildMux(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("GET /v1/queue", r.handleQueue)
	mux.HandleFunc("GET /v1/sessions/{session}/segments", r.handleSessionSegments)
	mux.HandleFunc("POST /v1/segments/{session}/{index}/retry", r.handleRetry)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleQueue(w http.ResponseWriter, req *http.Request) {
	status, err := r.orch.Status(req.Context())
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.writeJSON(w, http.StatusOK, status)
}

func (r *Runtime) handleSessionSegments(w http.ResponseWriter, req *http.Request) {
	session := req.PathValue("session")
	segs, err := r.store.ListSession(req.Context(), session)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if segs == nil {
		segs = []segment.Segment{}
	}
	r.writeJSON(w, http.StatusOK, segs)
}

func (r *Runtime) handleRetry(w http.ResponseWriter, req *http.Request) {
	index, err := strconv.Atoi(req.PathValue("index"))
	if err != nil {
		r.writeError(w, http.StatusBadRequest, errors.New("segment index must be an integer"))
		return
	}
	id := segment.ID{SessionID: req.PathValue("session"), Index: index}
	switch err := r.orch.ManualRetry(req.Context(), id); {
	case err == nil:
		r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
	case errors.Is(err, store.ErrNotFound):
		r.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrNotRetryable):
		r.writeError(w, http.StatusConflict, err)
	default:
		r.writeError(w, http.StatusInternalServerError, err)
	}
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, status int, err error) {
	r.writeJSON(w, status, map[string]string{"error": err.Error()})
}
