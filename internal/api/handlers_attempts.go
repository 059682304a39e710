package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

const (
	defaultAttemptLimit = 100
	maxAttemptLimit     = 1000
)

type AttemptHandler struct {
	attempts storage.AttemptLog
}

func NewAttemptHandler(attempts storage.AttemptLog) *AttemptHandler {
	return &AttemptHandler{attempts: attempts}
}

func (h *AttemptHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := storage.AttemptFilter{
		TemplateID: q.Get("template_id"),
		EventID:    q.Get("event_id"),
		EventType:  q.Get("event_type"),
		Limit:      defaultAttemptLimit,
	}

	switch o := models.Outcome(q.Get("outcome")); o {
	case "", models.OutcomeSuccess, models.OutcomeFailed:
		f.Outcome = o
	default:
		writeError(w, http.StatusBadRequest, "outcome must be success or failed")
		return
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(limit, maxAttemptLimit)
	}

	attempts, err := h.attempts.QueryAttempts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query attempts")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// ListTarget returns the full attempt history of one template and event.
func (h *AttemptHandler) ListTarget(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.attempts.QueryAttempts(r.Context(), storage.AttemptFilter{
		TemplateID: chi.URLParam(r, "id"),
		EventID:    chi.URLParam(r, "event_id"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
