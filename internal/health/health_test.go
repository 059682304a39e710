package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

func attemptAt(tpl string, ok bool, at time.Time, latency int64) models.Attempt {
	a := models.Attempt{
		ID:          models.NewID("att"),
		TemplateID:  tpl,
		EventID:     "evt",
		Outcome:     models.OutcomeFailed,
		LatencyMs:   latency,
		AttemptedAt: at,
		Error:       "unexpected status 500",
	}
	if ok {
		a.Outcome = models.OutcomeSuccess
		a.Error = ""
	}
	return a
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds
	assert.Equal(t, StatusHealthy, th.Classify(1, 10))
	assert.Equal(t, StatusHealthy, th.Classify(0.95, 20))
	assert.Equal(t, StatusWarning, th.Classify(0.9, 10))
	assert.Equal(t, StatusWarning, th.Classify(0.8, 10))
	assert.Equal(t, StatusCritical, th.Classify(0.5, 10))
	assert.Equal(t, StatusNoData, th.Classify(0, 0))
}

func TestAggregate(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	var attempts []models.Attempt
	for i := 0; i < 10; i++ {
		attempts = append(attempts, attemptAt("tpl_good", true, now, 10))
	}
	for i := 0; i < 9; i++ {
		attempts = append(attempts, attemptAt("tpl_warn", true, now, 20))
	}
	attempts = append(attempts, attemptAt("tpl_warn", false, now.Add(time.Second), 40))
	attempts = append(attempts,
		attemptAt("tpl_bad", false, now, 100),
		attemptAt("tpl_bad", true, now.Add(time.Second), 100),
	)
	timeout := attemptAt("tpl_bad", false, now.Add(2*time.Second), 1000)
	timeout.Error = "timeout"
	attempts = append(attempts, timeout)

	r := Aggregate(attempts, DefaultThresholds)

	assert.Equal(t, 23, r.Total)
	assert.Equal(t, 20, r.Succeeded)
	require.Len(t, r.Targets, 3)

	bad, warn, good := r.Targets[0], r.Targets[1], r.Targets[2]
	assert.Equal(t, "tpl_bad", bad.TemplateID)
	assert.Equal(t, StatusCritical, bad.Status)
	assert.Equal(t, 1, bad.Timeouts)
	assert.Equal(t, 2, bad.Failed)
	assert.Equal(t, "timeout", bad.LastError)
	assert.InDelta(t, 400, bad.AvgLatencyMs, 0.001)

	assert.Equal(t, "tpl_warn", warn.TemplateID)
	assert.Equal(t, StatusWarning, warn.Status)
	assert.InDelta(t, 0.9, warn.SuccessRate, 0.0001)
	assert.True(t, warn.LastAttemptAt.Equal(now.Add(time.Second)))

	assert.Equal(t, "tpl_good", good.TemplateID)
	assert.Equal(t, StatusHealthy, good.Status)
	assert.InDelta(t, 1.0, good.SuccessRate, 0.0001)
}

func TestAggregate_Empty(t *testing.T) {
	r := Aggregate(nil, DefaultThresholds)
	assert.Equal(t, StatusNoData, r.Status)
	assert.NotNil(t, r.Targets)
	assert.Empty(t, r.Targets)
}

func TestMonitor_ReportUsesWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	old := attemptAt("tpl_a", false, now.Add(-2*time.Hour), 10)
	recent := attemptAt("tpl_a", true, now.Add(-10*time.Minute), 10)
	require.NoError(t, store.RecordAttempt(ctx, &old))
	require.NoError(t, store.RecordAttempt(ctx, &recent))

	m := NewMonitor(store, nil, Thresholds{})
	m.now = func() time.Time { return now }

	r, err := m.Report(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Total)
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, time.Hour, r.Window)
	assert.True(t, r.Since.Equal(now.Add(-time.Hour)))

	r, err = m.Report(ctx, 3*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Total)
	assert.Equal(t, StatusCritical, r.Status)
}

type fixedDepth int

func (d fixedDepth) Len(context.Context) (int, error) { return int(d), nil }

func TestMonitor_Summary(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Now().UTC()

	for _, a := range []models.Attempt{
		attemptAt("tpl_a", true, now.Add(-time.Minute), 10),
		attemptAt("tpl_b", false, now.Add(-time.Minute), 10),
		attemptAt("tpl_b", false, now.Add(-30*time.Second), 10),
	} {
		a := a
		require.NoError(t, store.RecordAttempt(ctx, &a))
	}

	m := NewMonitor(store, fixedDepth(4), DefaultThresholds)
	sum, err := m.Summary(ctx, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 2, sum.Targets)
	assert.Equal(t, 1, sum.Critical)
	assert.Equal(t, 4, sum.QueueDepth)
	assert.Equal(t, StatusCritical, sum.Status)
}
