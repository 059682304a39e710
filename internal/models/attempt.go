package models

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Attempt is the immutable log record of one outbound postback call.
type Attempt struct {
	ID             string            `json:"id"`
	TemplateID     string            `json:"template_id"`
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	Event          Event             `json:"event"`
	AttemptNumber  int               `json:"attempt_number"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`
	StatusCode     *int              `json:"status_code"`
	ResponseBody   string            `json:"response_body"`
	LatencyMs      int64             `json:"latency_ms"`
	Outcome        Outcome           `json:"outcome"`
	Error          string            `json:"error,omitempty"`
	Retryable      bool              `json:"retryable"`
	AttemptedAt    time.Time         `json:"attempted_at"`
	CompletedAt    time.Time         `json:"completed_at"`
}

func (a Attempt) Succeeded() bool {
	return a.Outcome == OutcomeSuccess
}

func (a Attempt) TargetKey() string {
	return TargetKey(a.TemplateID, a.EventID)
}
