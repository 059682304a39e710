package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shohag/postrelay/internal/models"
)

// EventDispatcher fans an event out to its templates and returns the first
// attempt of each target.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt models.Event) []models.Attempt
}

type EventHandler struct {
	dispatcher EventDispatcher
}

func NewEventHandler(dispatcher EventDispatcher) *EventHandler {
	return &EventHandler{dispatcher: dispatcher}
}

const maxEventSize = 64 * 1024

type dispatchResponse struct {
	Event    models.Event     `json:"event"`
	Attempts []models.Attempt `json:"attempts"`
}

func (h *EventHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventSize)
	var evt models.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if evt.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if evt.ID == "" {
		evt.ID = models.NewID("evt")
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	// First attempts run to completion even if the caller goes away; retries
	// are owned by the scheduler.
	attempts := h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), evt)
	if attempts == nil {
		attempts = []models.Attempt{}
	}

	writeJSON(w, http.StatusAccepted, dispatchResponse{Event: evt, Attempts: attempts})
}
