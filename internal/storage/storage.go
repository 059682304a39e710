package storage

import (
	"context"
	"time"

	"github.com/shohag/postrelay/internal/models"
)

// TemplateStore supplies postback templates to the delivery engine.
type TemplateStore interface {
	ListActiveTemplates(ctx context.Context, eventType string) ([]models.Template, error)
	// GetTemplate returns nil, nil when no template has the id.
	GetTemplate(ctx context.Context, id string) (*models.Template, error)

	// Operator management used by the CLI
	CreateTemplate(ctx context.Context, t *models.Template) error
	ListTemplates(ctx context.Context) ([]models.Template, error)
	SetTemplateActive(ctx context.Context, id string, active bool) error
}

// AttemptLog is the append-only delivery log.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a *models.Attempt) error
	QueryAttempts(ctx context.Context, f AttemptFilter) ([]models.Attempt, error)
}

type Storage interface {
	TemplateStore
	AttemptLog

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// AttemptFilter narrows a log query. Zero fields do not filter. Results are
// ordered by attempt time, oldest first.
type AttemptFilter struct {
	TemplateID string
	EventID    string
	EventType  string
	Outcome    models.Outcome
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f AttemptFilter) Matches(a *models.Attempt) bool {
	if f.TemplateID != "" && a.TemplateID != f.TemplateID {
		return false
	}
	if f.EventID != "" && a.EventID != f.EventID {
		return false
	}
	if f.EventType != "" && a.EventType != f.EventType {
		return false
	}
	if f.Outcome != "" && a.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && a.AttemptedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !a.AttemptedAt.Before(f.Until) {
		return false
	}
	return true
}
