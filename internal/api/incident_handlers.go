package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/guardian/internal/incidents"
	"github.com/technosupport/guardian/internal/middleware"
)

type IncidentHandler struct {
	Manager *incidents.Manager
}

func NewIncidentHandler(m *incidents.Manager) *IncidentHandler {
	return &IncidentHandler{Manager: m}
}

func actorFrom(r *http.Request) (string, bool) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		return "", false
	}
	return ac.OperatorID, true
}

func incidentID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// writeIncidentErr maps workflow errors onto HTTP statuses. A state conflict
// is 409 with the current state so the client can resync.
func writeIncidentErr(w http.ResponseWriter, err error) {
	var sc *incidents.StateConflictError
	switch {
	case errors.Is(err, incidents.ErrNotFound):
		respondError(w, http.StatusNotFound, "incident not found")
	case errors.As(err, &sc):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": sc.Error(),
			"state": string(sc.State),
		})
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /api/v1/incidents?state=&camera_id=&since=
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	f := incidents.ListFilter{
		State:    incidents.State(r.URL.Query().Get("state")),
		CameraID: r.URL.Query().Get("camera_id"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		f.Since = t
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"incidents": h.Manager.Store().List(f),
		"counts":    h.Manager.Store().CountByState(),
	})
}

// GET /api/v1/incidents/{id}
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	inc, ok := h.Manager.Store().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "incident not found")
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// POST /api/v1/incidents/{id}/acknowledge
func (h *IncidentHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	inc, err := h.Manager.Acknowledge(r.Context(), id, actor)
	if err != nil {
		writeIncidentErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// POST /api/v1/incidents/{id}/snooze
func (h *IncidentHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	var req struct {
		DurationSec int `json:"duration_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.DurationSec <= 0 || req.DurationSec > 3600 {
		respondError(w, http.StatusBadRequest, "duration_sec must be in 1..3600")
		return
	}

	inc, err := h.Manager.Snooze(r.Context(), id, actor, time.Duration(req.DurationSec)*time.Second)
	if err != nil {
		writeIncidentErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// POST /api/v1/incidents/{id}/escalate
func (h *IncidentHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	inc, err := h.Manager.Escalate(r.Context(), id, actor)
	if err != nil {
		writeIncidentErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// POST /api/v1/incidents/{id}/resolve
func (h *IncidentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, h.Manager.Resolve)
}

// POST /api/v1/incidents/{id}/false-positive
func (h *IncidentHandler) FalsePositive(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, h.Manager.MarkFalsePositive)
}

func (h *IncidentHandler) close(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id uuid.UUID, actor, note string) (incidents.Incident, error)) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	// Body is optional for closeouts.
	_ = json.NewDecoder(r.Body).Decode(&req)

	inc, err := op(r.Context(), id, actor, req.Note)
	if err != nil {
		writeIncidentErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// POST /api/v1/incidents/{id}/relabel
func (h *IncidentHandler) Relabel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Label == "" {
		respondError(w, http.StatusBadRequest, "label required")
		return
	}

	inc, err := h.Manager.Relabel(r.Context(), id, actor, req.Label)
	if err != nil {
		writeIncidentErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}
