package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/postrelay/internal/macro"
	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/signing"
	"github.com/shohag/postrelay/internal/storage"
)

// Worker runs one postback attempt end to end: resolve, sign, send, record.
// It then settles the target's retry state.
type Worker struct {
	attempts storage.AttemptLog
	queue    JobQueue
	sender   *Sender
	defaults Defaults
	now      func() time.Time
	log      zerolog.Logger
}

func NewWorker(attempts storage.AttemptLog, queue JobQueue, sender *Sender, defaults Defaults, now func() time.Time, log zerolog.Logger) *Worker {
	if now == nil {
		now = time.Now
	}
	return &Worker{
		attempts: attempts,
		queue:    queue,
		sender:   sender,
		defaults: defaults,
		now:      now,
		log:      log,
	}
}

// Attempt makes attempt number n for tpl and evt and records it. A returned
// error means the template could not be resolved and nothing was sent.
func (w *Worker) Attempt(ctx context.Context, tpl *models.Template, evt models.Event, n int) (*models.Attempt, error) {
	req, err := macro.Resolve(tpl, evt, macro.NewGuard(w.now()))
	if err != nil {
		return nil, err
	}

	if tpl.Signed() {
		payload := signing.Canonical(evt.Type, req.Guard.Timestamp, req.Macros)
		sig := signing.Sign(payload, tpl.Secret)
		for k, v := range signing.Headers(tpl.SignatureHeaderName(), req.Guard.Timestamp, sig) {
			req.Headers[k] = v
		}
	}

	out := w.sender.Deliver(ctx, req, w.defaults.timeout(tpl))

	attempt := &models.Attempt{
		ID:             models.NewID("att"),
		TemplateID:     tpl.ID,
		EventID:        evt.ID,
		EventType:      evt.Type,
		Event:          evt,
		AttemptNumber:  n,
		URL:            req.URL,
		Method:         req.Method,
		RequestHeaders: req.Headers,
		RequestBody:    string(req.Body),
		StatusCode:     out.StatusCode,
		ResponseBody:   out.ResponseBody,
		LatencyMs:      out.LatencyMs,
		Outcome:        models.OutcomeFailed,
		Error:          out.Error,
		Retryable:      !out.Success,
		AttemptedAt:    out.StartedAt.UTC(),
		CompletedAt:    out.CompletedAt.UTC(),
	}
	if out.Success {
		attempt.Outcome = models.OutcomeSuccess
	}

	// A lost log write is reported but does not stop the retry from being settled.
	if err := w.attempts.RecordAttempt(ctx, attempt); err != nil {
		w.log.Error().Err(err).
			Str("template_id", tpl.ID).
			Str("event_id", evt.ID).
			Int("attempt", n).
			Msg("failed to record attempt")
	}

	return attempt, nil
}

// settle moves the target to its next state after attempt a. reserved tells
// whether the caller holds the target in flight.
func (w *Worker) settle(ctx context.Context, tpl *models.Template, maxAttempts int, a *models.Attempt, reserved bool) {
	key := a.TargetKey()
	logger := w.log.With().
		Str("template_id", a.TemplateID).
		Str("event_id", a.EventID).
		Int("attempt", a.AttemptNumber).
		Logger()

	if a.Succeeded() {
		w.release(ctx, key, reserved)
		logger.Info().
			Int("status_code", derefStatus(a.StatusCode)).
			Int64("latency_ms", a.LatencyMs).
			Msg("postback delivered")
		return
	}

	if !a.Retryable || a.AttemptNumber >= maxAttempts {
		w.release(ctx, key, reserved)
		logger.Warn().
			Int("max_attempts", maxAttempts).
			Str("error", a.Error).
			Msg("postback permanently failed")
		return
	}

	policy := w.defaults.policy(tpl)
	job := models.RetryJob{
		TemplateID:    a.TemplateID,
		Event:         a.Event,
		Attempt:       a.AttemptNumber,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: w.now().UTC().Add(Backoff(policy, a.AttemptNumber)),
	}

	if reserved {
		if err := w.queue.Reschedule(ctx, job); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
			return
		}
	} else {
		ok, err := w.queue.Schedule(ctx, job)
		if err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
			return
		}
		if !ok {
			logger.Warn().Msg("retry already live for target")
			return
		}
	}

	logger.Info().
		Str("error", a.Error).
		Time("next_retry", job.NextAttemptAt).
		Msg("postback scheduled for retry")
}

func (w *Worker) release(ctx context.Context, key string, reserved bool) {
	if !reserved {
		return
	}
	if err := w.queue.Release(ctx, key); err != nil {
		w.log.Error().Err(err).Str("target", key).Msg("failed to release delivery target")
	}
}

func derefStatus(code *int) int {
	if code == nil {
		return 0
	}
	return *code
}
