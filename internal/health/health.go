// Package health derives per-target delivery health from the attempt log.
// It is read-only and never influences delivery.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusNoData   Status = "no_data"
)

// Thresholds are success-rate bounds in [0, 1]. A rate at or above Healthy is
// healthy, at or above Warning is a warning, anything lower is critical.
type Thresholds struct {
	Healthy float64
	Warning float64
}

var DefaultThresholds = Thresholds{Healthy: 0.95, Warning: 0.80}

func (t Thresholds) Classify(rate float64, total int) Status {
	if total == 0 {
		return StatusNoData
	}
	switch {
	case rate >= t.Healthy:
		return StatusHealthy
	case rate >= t.Warning:
		return StatusWarning
	default:
		return StatusCritical
	}
}

type TargetHealth struct {
	TemplateID    string    `json:"template_id"`
	Total         int       `json:"total"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Timeouts      int       `json:"timeouts"`
	SuccessRate   float64   `json:"success_rate"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	Status        Status    `json:"status"`
}

type Report struct {
	Window      time.Duration  `json:"window"`
	Since       time.Time      `json:"since"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	SuccessRate float64        `json:"success_rate"`
	Status      Status         `json:"status"`
	Targets     []TargetHealth `json:"targets"`
}

// Summary is the overall view: attempt counts in the window plus the number of
// retries still waiting.
type Summary struct {
	Window      time.Duration `json:"window"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	Status      Status        `json:"status"`
	Targets     int           `json:"targets"`
	Critical    int           `json:"critical"`
	QueueDepth  int           `json:"queue_depth"`
}

// QueueDepth reports how many retry jobs are pending.
type QueueDepth interface {
	Len(ctx context.Context) (int, error)
}

type Monitor struct {
	attempts   storage.AttemptLog
	queue      QueueDepth
	thresholds Thresholds
	now        func() time.Time
}

// NewMonitor builds a monitor over the attempt log. queue may be nil.
func NewMonitor(attempts storage.AttemptLog, queue QueueDepth, thresholds Thresholds) *Monitor {
	if thresholds.Healthy <= 0 && thresholds.Warning <= 0 {
		thresholds = DefaultThresholds
	}
	return &Monitor{attempts: attempts, queue: queue, thresholds: thresholds, now: time.Now}
}

// Report aggregates attempts made in the trailing window.
func (m *Monitor) Report(ctx context.Context, window time.Duration) (*Report, error) {
	since := m.now().UTC().Add(-window)
	attempts, err := m.attempts.QueryAttempts(ctx, storage.AttemptFilter{Since: since})
	if err != nil {
		return nil, err
	}

	r := Aggregate(attempts, m.thresholds)
	r.Window = window
	r.Since = since
	return r, nil
}

func (m *Monitor) Summary(ctx context.Context, window time.Duration) (*Summary, error) {
	r, err := m.Report(ctx, window)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Window:      window,
		Total:       r.Total,
		Succeeded:   r.Succeeded,
		Failed:      r.Total - r.Succeeded,
		SuccessRate: r.SuccessRate,
		Status:      r.Status,
		Targets:     len(r.Targets),
	}
	for _, t := range r.Targets {
		if t.Status == StatusCritical {
			sum.Critical++
		}
	}

	if m.queue != nil {
		depth, err := m.queue.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue depth: %w", err)
		}
		sum.QueueDepth = depth
	}
	return sum, nil
}

// Aggregate groups attempts by template. Targets are ordered worst first.
func Aggregate(attempts []models.Attempt, th Thresholds) *Report {
	byTemplate := make(map[string]*TargetHealth)
	latency := make(map[string]int64)

	r := &Report{}
	for i := range attempts {
		a := &attempts[i]
		h, ok := byTemplate[a.TemplateID]
		if !ok {
			h = &TargetHealth{TemplateID: a.TemplateID}
			byTemplate[a.TemplateID] = h
		}

		h.Total++
		r.Total++
		latency[a.TemplateID] += a.LatencyMs
		if a.Succeeded() {
			h.Succeeded++
			r.Succeeded++
		} else {
			h.Failed++
			if a.StatusCode == nil && a.Error == "timeout" {
				h.Timeouts++
			}
		}
		if !a.AttemptedAt.Before(h.LastAttemptAt) {
			h.LastAttemptAt = a.AttemptedAt
			h.LastError = a.Error
		}
	}

	for id, h := range byTemplate {
		h.SuccessRate = float64(h.Succeeded) / float64(h.Total)
		h.AvgLatencyMs = float64(latency[id]) / float64(h.Total)
		h.Status = th.Classify(h.SuccessRate, h.Total)
		r.Targets = append(r.Targets, *h)
	}
	sort.Slice(r.Targets, func(i, j int) bool {
		if r.Targets[i].SuccessRate != r.Targets[j].SuccessRate {
			return r.Targets[i].SuccessRate < r.Targets[j].SuccessRate
		}
		return r.Targets[i].TemplateID < r.Targets[j].TemplateID
	})

	if r.Total > 0 {
		r.SuccessRate = float64(r.Succeeded) / float64(r.Total)
	}
	r.Status = th.Classify(r.SuccessRate, r.Total)
	if r.Targets == nil {
		r.Targets = []TargetHealth{}
	}
	return r
}
