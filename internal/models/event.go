package models

import (
	"strconv"
	"time"
)

// Event is a recorded click or conversion handed to the dispatcher. It is
// passed by value and never modified after construction.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	ClickID    string            `json:"click_id"`
	Macros     map[string]string `json:"macros,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Amount     string            `json:"amount,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// MacroMap flattens the event into the key/value map used for substitution.
// Explicit macros win over the derived standard fields.
func (e Event) MacroMap() map[string]string {
	m := make(map[string]string, len(e.Macros)+6)
	m["event"] = e.Type
	m["status"] = e.Type
	if e.ClickID != "" {
		m["clickid"] = e.ClickID
	}
	if e.Currency != "" {
		m["currency"] = e.Currency
	}
	if e.Amount != "" {
		m["payout"] = e.Amount
		m["amount"] = e.Amount
	}
	if !e.OccurredAt.IsZero() {
		m["timestamp"] = strconv.FormatInt(e.OccurredAt.Unix(), 10)
	}
	for k, v := range e.Macros {
		m[k] = v
	}
	return m
}
