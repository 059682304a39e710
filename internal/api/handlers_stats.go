package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shohag/postrelay/internal/health"
)

type StatsHandler struct {
	monitor *health.Monitor
	queue   health.QueueDepth
	window  time.Duration
}

func NewStatsHandler(monitor *health.Monitor, queue health.QueueDepth, window time.Duration) *StatsHandler {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &StatsHandler{monitor: monitor, queue: queue, window: window}
}

// Health is the liveness probe. It stays 200 while the process runs; a
// failing queue is reported in the body.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"service": "postrelay",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if depth, err := h.queue.Len(ctx); err != nil {
		resp["queue"] = "unavailable"
	} else {
		resp["queue_depth"] = depth
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) Report(w http.ResponseWriter, r *http.Request) {
	window, err := parseDuration(r.URL.Query().Get("window"), h.window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.monitor.Report(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute health")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *StatsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	window, err := parseDuration(r.URL.Query().Get("window"), h.window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sum, err := h.monitor.Summary(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
