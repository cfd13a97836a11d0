package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/guardian/internal/middleware"
	"github.com/technosupport/guardian/internal/supervisor"
)

type WorkerHandler struct {
	Supervisor *supervisor.Supervisor
}

func NewWorkerHandler(sup *supervisor.Supervisor) *WorkerHandler {
	return &WorkerHandler{Supervisor: sup}
}

// GET /api/v1/workers
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"workers": h.Supervisor.List(),
		"census":  h.Supervisor.Snapshot(),
	})
}

// GET /api/v1/workers/{camera_id}
func (h *WorkerHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "camera_id")
	st, ok := h.Supervisor.Status(id)
	if !ok {
		respondError(w, http.StatusNotFound, "camera not registered")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// POST /api/v1/workers/{camera_id}/start
func (h *WorkerHandler) Start(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id := chi.URLParam(r, "camera_id")

	if err := h.Supervisor.Start(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("Workers: %s started by %s", id, ac.OperatorID)
	st, _ := h.Supervisor.Status(id)
	respondJSON(w, http.StatusOK, st)
}

// POST /api/v1/workers/{camera_id}/stop
func (h *WorkerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id := chi.URLParam(r, "camera_id")

	if err := h.Supervisor.Stop(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("Workers: %s stopped by %s", id, ac.OperatorID)
	st, _ := h.Supervisor.Status(id)
	respondJSON(w, http.StatusOK, st)
}
