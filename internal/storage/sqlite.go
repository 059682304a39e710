package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/postrelay/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

// Attempt timestamps are stored as unix nanoseconds so range filters and
// ordering compare numerically.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT 'global',
			scope_ref TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'GET',
			event_types TEXT NOT NULL DEFAULT '[]',
			secret TEXT NOT NULL DEFAULT '',
			signature_header TEXT NOT NULL DEFAULT '',
			max_attempts INTEGER NOT NULL DEFAULT 0,
			base_delay_ms INTEGER NOT NULL DEFAULT 0,
			max_delay_ms INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event TEXT NOT NULL DEFAULT '{}',
			attempt_number INTEGER NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			request_headers TEXT NOT NULL DEFAULT '{}',
			request_body TEXT NOT NULL DEFAULT '',
			status_code INTEGER,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			retryable INTEGER NOT NULL DEFAULT 0,
			attempted_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_target ON attempts(template_id, event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_time ON attempts(attempted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON attempts(outcome, attempted_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Templates ---

const templateColumns = `id, owner_id, scope, scope_ref, url, method, event_types, secret, signature_header,
	max_attempts, base_delay_ms, max_delay_ms, timeout_ms, active, created_at, updated_at`

func (s *SQLiteStorage) CreateTemplate(ctx context.Context, t *models.Template) error {
	eventTypes, _ := json.Marshal(t.EventTypes)
	if t.EventTypes == nil {
		eventTypes = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, string(t.Scope), t.ScopeRef, t.URL, t.Method, string(eventTypes), t.Secret, t.SignatureHeader,
		t.Retry.MaxAttempts, t.Retry.BaseDelay.Milliseconds(), t.Retry.MaxDelay.Milliseconds(), t.Timeout.Milliseconds(),
		boolToInt(t.Active), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanTemplate(row interface{ Scan(...interface{}) error }) (*models.Template, error) {
	var t models.Template
	var scope, eventTypes string
	var baseDelay, maxDelay, timeout int64
	var active int
	err := row.Scan(&t.ID, &t.OwnerID, &scope, &t.ScopeRef, &t.URL, &t.Method, &eventTypes, &t.Secret, &t.SignatureHeader,
		&t.Retry.MaxAttempts, &baseDelay, &maxDelay, &timeout, &active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Scope = models.Scope(scope)
	if err := json.Unmarshal([]byte(eventTypes), &t.EventTypes); err != nil {
		return nil, fmt.Errorf("decode event types for template %s: %w", t.ID, err)
	}
	t.Retry.BaseDelay = time.Duration(baseDelay) * time.Millisecond
	t.Retry.MaxDelay = time.Duration(maxDelay) * time.Millisecond
	t.Timeout = time.Duration(timeout) * time.Millisecond
	t.Active = active == 1
	return &t, nil
}

func (s *SQLiteStorage) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	t, err := s.scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStorage) ListTemplates(ctx context.Context) ([]models.Template, error) {
	return s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY created_at, id`)
}

func (s *SQLiteStorage) ListActiveTemplates(ctx context.Context, eventType string) ([]models.Template, error) {
	all, err := s.queryTemplates(ctx, `SELECT `+templateColumns+` FROM templates WHERE active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}

	var templates []models.Template
	for _, t := range all {
		if t.Subscribes(eventType) {
			templates = append(templates, t)
		}
	}
	return templates, nil
}

func (s *SQLiteStorage) queryTemplates(ctx context.Context, query string, args ...interface{}) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		t, err := s.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (s *SQLiteStorage) SetTemplateActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE templates SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s not found", id)
	}
	return nil
}

// --- Attempts ---

const attemptColumns = `id, template_id, event_id, event_type, event, attempt_number, url, method, request_headers,
	request_body, status_code, response_body, latency_ms, outcome, error, retryable, attempted_at, completed_at`

func (s *SQLiteStorage) RecordAttempt(ctx context.Context, a *models.Attempt) error {
	event, err := json.Marshal(a.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	headers, _ := json.Marshal(a.RequestHeaders)

	var status sql.NullInt64
	if a.StatusCode != nil {
		status = sql.NullInt64{Int64: int64(*a.StatusCode), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TemplateID, a.EventID, a.EventType, string(event), a.AttemptNumber, a.URL, a.Method, string(headers),
		a.RequestBody, status, a.ResponseBody, a.LatencyMs, string(a.Outcome), a.Error, boolToInt(a.Retryable),
		a.AttemptedAt.UnixNano(), a.CompletedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStorage) QueryAttempts(ctx context.Context, f AttemptFilter) ([]models.Attempt, error) {
	var where []string
	var args []interface{}

	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		where = append(where, "attempted_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "attempted_at < ?")
		args = append(args, f.Until.UnixNano())
	}

	query := `SELECT ` + attemptColumns + ` FROM attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY attempted_at ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var event, headers, outcome string
		var status sql.NullInt64
		var retryable int
		var attemptedAt, completedAt int64
		if err := rows.Scan(&a.ID, &a.TemplateID, &a.EventID, &a.EventType, &event, &a.AttemptNumber, &a.URL, &a.Method,
			&headers, &a.RequestBody, &status, &a.ResponseBody, &a.LatencyMs, &outcome, &a.Error, &retryable,
			&attemptedAt, &completedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(event), &a.Event); err != nil {
			return nil, fmt.Errorf("decode event for attempt %s: %w", a.ID, err)
		}
		json.Unmarshal([]byte(headers), &a.RequestHeaders)
		if status.Valid {
			code := int(status.Int64)
			a.StatusCode = &code
		}
		a.Outcome = models.Outcome(outcome)
		a.Retryable = retryable == 1
		a.AttemptedAt = time.Unix(0, attemptedAt).UTC()
		a.CompletedAt = time.Unix(0, completedAt).UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
