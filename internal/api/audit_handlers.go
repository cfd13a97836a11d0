package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/technosupport/guardian/internal/audit"
)

type AuditHandler struct {
	Logger *audit.Logger
}

func NewAuditHandler(l *audit.Logger) *AuditHandler {
	return &AuditHandler{Logger: l}
}

func filterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
		Actor:      q.Get("actor"),
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	if v := q.Get("after_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, err
		}
		f.AfterID = n
	}
	return f, nil
}

// GET /api/v1/audit/entries
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}

	entries, err := h.Logger.Query(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GET /api/v1/audit/export
// Streams matching entries as JSONL in audit_id order.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_export.jsonl"`)

	if err := h.Logger.Export(r.Context(), f, w); err != nil {
		// Headers are gone; all we can do is cut the stream.
		return
	}
}
