package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ergohq/ergo/internal/storage"
)

// maxInputBody bounds intake payloads.
const maxInputBody = 1 << 20

// Router builds the operational HTTP surface: health, metrics and the
// event intake. The full management API lives outside the engine.
func (e *Engine) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", e.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/inputs/{task_trigger_id}", e.handleInput).Methods(http.MethodPost)

	return r
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "ok",
		"uptime": time.Since(e.startedAt).Seconds(),
	}
	writeJSON(w, http.StatusOK, status)
}

func (e *Engine) handleInput(w http.ResponseWriter, r *http.Request) {
	triggerID := mux.Vars(r)["task_trigger_id"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInputBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	if len(body) > maxInputBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be JSON"})
		return
	}

	jobID, err := e.EnqueueInput(r.Context(), triggerID, body)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task trigger"})
			return
		}
		e.log.WithError(err).WithField("task_trigger_id", triggerID).Error("input intake failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
