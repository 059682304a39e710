package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/postrelay/internal/config"
	"github.com/shohag/postrelay/internal/delivery"
	"github.com/shohag/postrelay/internal/health"
	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

type testAPI struct {
	store    *storage.MemoryStorage
	queue    *delivery.MemoryQueue
	handler  http.Handler
	receiver *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	// Paths under /fail answer 500, everything else 200.
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/fail") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(receiver.Close)

	store := storage.NewMemory()
	queue := delivery.NewMemoryQueue()
	engine := delivery.NewEngine(config.DeliveryConfig{
		Workers:     4,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	}, store, queue, zerolog.Nop(), delivery.Options{})
	monitor := health.NewMonitor(store, queue, health.DefaultThresholds)

	srv := NewServer(config.ServerConfig{}, store, engine, monitor, time.Hour, zerolog.Nop())
	return &testAPI{store: store, queue: queue, handler: srv.Handler(), receiver: receiver}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) addTemplate(t *testing.T, path string) *models.Template {
	t.Helper()
	tpl := &models.Template{
		ID:     models.NewID("tpl"),
		Scope:  models.ScopeGlobal,
		URL:    a.receiver.URL + path + "?cid={clickid}",
		Method: http.MethodGet,
		Active: true,
	}
	require.NoError(t, a.store.CreateTemplate(context.Background(), tpl))
	return tpl
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["queue_depth"])
}

func TestTemplateLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/templates", map[string]interface{}{
		"url":         "https://t.example/pb?cid={clickid}",
		"method":      "post",
		"event_types": []string{"sale"},
		"signed":      true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.Template](t, rec)
	assert.Equal(t, http.MethodPost, created.Method)
	assert.Equal(t, models.ScopeGlobal, created.Scope)
	assert.True(t, strings.HasPrefix(created.Secret, "pbsec_"))
	assert.True(t, created.Active)

	rec = a.do(t, http.MethodGet, "/api/v1/templates/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.Template](t, rec)
	assert.Equal(t, "********", got.Secret)

	rec = a.do(t, http.MethodPatch, "/api/v1/templates/"+created.ID+"/toggle", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.Template](t, rec).Active)

	stored, err := a.store.GetTemplate(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	rec = a.do(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Template](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/v1/templates/tpl_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTemplateValidation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing url", map[string]interface{}{}},
		{"bad scheme", map[string]interface{}{"url": "ftp://t.example/pb"}},
		{"bad method", map[string]interface{}{"url": "https://t.example/pb", "method": "PUT"}},
		{"bad scope", map[string]interface{}{"url": "https://t.example/pb", "scope": "campaign"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/v1/templates", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDispatchAndQueryAttempts(t *testing.T) {
	a := newTestAPI(t)
	ok := a.addTemplate(t, "/ok")
	bad := a.addTemplate(t, "/fail")

	rec := a.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"id":       "evt_1",
		"type":     "sale",
		"click_id": "abc123",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[dispatchResponse](t, rec)
	assert.Equal(t, "evt_1", resp.Event.ID)
	require.Len(t, resp.Attempts, 2)

	rec = a.do(t, http.MethodGet, "/api/v1/attempts?outcome=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decode[[]models.Attempt](t, rec)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].TemplateID)
	assert.Contains(t, failed[0].URL, "cid=abc123")

	rec = a.do(t, http.MethodGet, "/api/v1/attempts?template_id="+ok.ID+"&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	okAttempts := decode[[]models.Attempt](t, rec)
	require.Len(t, okAttempts, 1)
	assert.Equal(t, models.OutcomeSuccess, okAttempts[0].Outcome)

	rec = a.do(t, http.MethodGet, "/api/v1/templates/"+bad.ID+"/events/evt_1/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Attempt](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/v1/retries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[[]models.RetryJob](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, bad.ID, jobs[0].TemplateID)
	assert.Equal(t, 1, jobs[0].Attempt)

	rec = a.do(t, http.MethodGet, "/api/v1/health?window=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[health.Report](t, rec)
	assert.Equal(t, 2, report.Total)
	require.Len(t, report.Targets, 2)
	assert.Equal(t, bad.ID, report.Targets[0].TemplateID)
	assert.Equal(t, health.StatusCritical, report.Targets[0].Status)

	rec = a.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[health.Summary](t, rec)
	assert.Equal(t, 1, sum.QueueDepth)
	assert.Equal(t, 1, sum.Failed)
}

func TestDispatchValidation(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/events", map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAttemptQueryValidation(t *testing.T) {
	a := newTestAPI(t)

	for _, q := range []string{"outcome=maybe", "since=yesterday", "until=nope", "limit=0", "limit=x"} {
		rec := a.do(t, http.MethodGet, "/api/v1/attempts?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := a.do(t, http.MethodGet, "/api/v1/attempts?since=1700000000&until=2030-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestBulkRetry(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	bad := a.addTemplate(t, "/fail")

	now := time.Now().UTC()
	code := http.StatusInternalServerError
	require.NoError(t, a.store.RecordAttempt(ctx, &models.Attempt{
		ID:            models.NewID("att"),
		TemplateID:    bad.ID,
		EventID:       "evt_old",
		EventType:     "sale",
		Event:         models.Event{ID: "evt_old", Type: "sale"},
		AttemptNumber: 1,
		StatusCode:    &code,
		Outcome:       models.OutcomeFailed,
		Retryable:     true,
		AttemptedAt:   now.Add(-time.Hour),
		CompletedAt:   now.Add(-time.Hour),
	}))

	rec := a.do(t, http.MethodPost, "/api/v1/retries/bulk", map[string]interface{}{"lookback": "2h", "max_jobs": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[delivery.BulkResult](t, rec)
	assert.Equal(t, 1, res.Scheduled)

	n, err := a.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The target now has a live job, so a second sweep leaves it alone.
	rec = a.do(t, http.MethodPost, "/api/v1/retries/bulk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[delivery.BulkResult](t, rec)
	assert.Equal(t, 0, res.Scheduled)
	assert.Equal(t, 1, res.AlreadyLive)

	rec = a.do(t, http.MethodPost, "/api/v1/retries/bulk", map[string]interface{}{"lookback": "-1h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
