package models

import (
	"strings"
	"time"
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeOffer  Scope = "offer"
	ScopeFlow   Scope = "flow"
)

const DefaultSignatureHeader = "X-Signature"

// RetryPolicy bounds how often and how quickly a failed postback is retried.
// MaxAttempts counts the original try.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// Template is the configuration of one postback delivery target. The
// delivery engine only reads templates.
type Template struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	Scope           Scope         `json:"scope"`
	ScopeRef        string        `json:"scope_ref,omitempty"`
	URL             string        `json:"url"`
	Method          string        `json:"method"`
	EventTypes      []string      `json:"event_types"`
	Secret          string        `json:"secret,omitempty"`
	SignatureHeader string        `json:"signature_header,omitempty"`
	Retry           RetryPolicy   `json:"retry"`
	Timeout         time.Duration `json:"timeout"`
	Active          bool          `json:"active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (t *Template) Signed() bool {
	return t.Secret != ""
}

func (t *Template) SignatureHeaderName() string {
	if t.SignatureHeader == "" {
		return DefaultSignatureHeader
	}
	return t.SignatureHeader
}

// Subscribes reports whether the template is enabled for eventType. An empty
// set subscribes to everything; "*" and "prefix.*" wildcards are honoured.
func (t *Template) Subscribes(eventType string) bool {
	if len(t.EventTypes) == 0 {
		return true
	}
	for _, sub := range t.EventTypes {
		if sub == "*" || sub == eventType {
			return true
		}
		if strings.HasSuffix(sub, ".*") {
			prefix := strings.TrimSuffix(sub, ".*")
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
	}
	return false
}
