package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shohag/postrelay/internal/models"
)

// MemoryStorage keeps templates and the attempt log in process. It backs
// tests and the "memory" storage driver.
type MemoryStorage struct {
	mu        sync.RWMutex
	templates map[string]models.Template
	order     []string
	attempts  []models.Attempt
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{templates: make(map[string]models.Template)}
}

func (s *MemoryStorage) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStorage) Close() error { return nil }

// --- Templates ---

func (s *MemoryStorage) CreateTemplate(ctx context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[t.ID]; ok {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	s.templates[t.ID] = cloneTemplate(*t)
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemoryStorage) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	t = cloneTemplate(t)
	return &t, nil
}

func (s *MemoryStorage) ListTemplates(ctx context.Context) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Template, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneTemplate(s.templates[id]))
	}
	return out, nil
}

func (s *MemoryStorage) ListActiveTemplates(ctx context.Context, eventType string) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Template
	for _, id := range s.order {
		t := s.templates[id]
		if t.Active && t.Subscribes(eventType) {
			out = append(out, cloneTemplate(t))
		}
	}
	return out, nil
}

func (s *MemoryStorage) SetTemplateActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return fmt.Errorf("template %s not found", id)
	}
	t.Active = active
	s.templates[id] = t
	return nil
}

// --- Attempts ---

func (s *MemoryStorage) RecordAttempt(ctx context.Context, a *models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *MemoryStorage) QueryAttempts(ctx context.Context, f AttemptFilter) ([]models.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Attempt
	for i := range s.attempts {
		if f.Matches(&s.attempts[i]) {
			out = append(out, s.attempts[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AttemptedAt.Before(out[j].AttemptedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func cloneTemplate(t models.Template) models.Template {
	t.EventTypes = append([]string(nil), t.EventTypes...)
	return t
}
