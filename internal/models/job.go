package models

import "time"

// RetryJob is pending future work for one delivery target. Attempt is the
// number of attempts already made.
type RetryJob struct {
	TemplateID    string    `json:"template_id"`
	Event         Event     `json:"event"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

func (j RetryJob) Key() string {
	return TargetKey(j.TemplateID, j.Event.ID)
}

// TargetKey identifies a delivery target: a template and the event it carries.
func TargetKey(templateID, eventID string) string {
	return templateID + "/" + eventID
}
