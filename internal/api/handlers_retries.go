package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/shohag/postrelay/internal/delivery"
	"github.com/shohag/postrelay/internal/models"
)

const defaultBulkLookback = 24 * time.Hour

// BulkRetrier re-enqueues recently failed targets.
type BulkRetrier interface {
	BulkRetryFailed(ctx context.Context, lookback time.Duration, maxJobs int) (delivery.BulkResult, error)
}

type PendingLister interface {
	Pending(ctx context.Context) ([]models.RetryJob, error)
}

type RetryHandler struct {
	retrier BulkRetrier
	queue   PendingLister
}

func NewRetryHandler(retrier BulkRetrier, queue PendingLister) *RetryHandler {
	return &RetryHandler{retrier: retrier, queue: queue}
}

func (h *RetryHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list retries")
		return
	}
	if jobs == nil {
		jobs = []models.RetryJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

type bulkRetryRequest struct {
	Lookback string `json:"lookback"`
	MaxJobs  int    `json:"max_jobs"`
}

func (h *RetryHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lookback, err := parseDuration(req.Lookback, defaultBulkLookback)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxJobs < 0 {
		writeError(w, http.StatusBadRequest, "max_jobs must not be negative")
		return
	}

	res, err := h.retrier.BulkRetryFailed(r.Context(), lookback, req.MaxJobs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bulk retry failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
