package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/postrelay/internal/macro"
	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

const DefaultPollInterval = 500 * time.Millisecond

// Scheduler runs due retry jobs in the background.
type Scheduler struct {
	templates storage.TemplateStore
	attempts  storage.AttemptLog
	worker    *Worker
	queue     JobQueue
	limiter   *Limiter
	pollRate  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewScheduler(templates storage.TemplateStore, attempts storage.AttemptLog, worker *Worker, queue JobQueue, limiter *Limiter, pollRate time.Duration, log zerolog.Logger) *Scheduler {
	if pollRate <= 0 {
		pollRate = DefaultPollInterval
	}
	return &Scheduler{
		templates: templates,
		attempts:  attempts,
		worker:    worker,
		queue:     queue,
		limiter:   limiter,
		pollRate:  pollRate,
		log:       log,
		stop:      make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info().Int("workers", s.limiter.Size()).Dur("poll_interval", s.pollRate).Msg("starting retry scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
}

// Stop ends the poll loop and waits for running retries to finish.
func (s *Scheduler) Stop() {
	s.log.Info().Msg("stopping retry scheduler")
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("retry scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs := s.popDue(ctx)
			for _, job := range jobs {
				job := job
				if err := s.limiter.AcquireUntil(ctx, s.stop); err != nil {
					// Shutting down: hand the job back untouched.
					s.requeue(context.Background(), job)
					continue
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					defer s.limiter.Release()
					s.execute(ctx, job)
				}()
			}
		}
	}
}

// RunDue executes every job that is due now, up to the free capacity of the
// limiter, and waits for them. It returns the number of jobs run.
func (s *Scheduler) RunDue(ctx context.Context) int {
	jobs := s.popDue(ctx)

	p := pool.New().WithMaxGoroutines(s.limiter.Size())
	for _, job := range jobs {
		job := job
		p.Go(func() {
			if err := s.limiter.Acquire(ctx); err != nil {
				s.requeue(context.Background(), job)
				return
			}
			defer s.limiter.Release()
			s.execute(ctx, job)
		})
	}
	p.Wait()
	return len(jobs)
}

func (s *Scheduler) popDue(ctx context.Context) []models.RetryJob {
	free := s.limiter.Available()
	if free == 0 {
		return nil
	}
	jobs, err := s.queue.PopDue(ctx, s.worker.now(), free)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch due retries")
	}
	return jobs
}

func (s *Scheduler) requeue(ctx context.Context, job models.RetryJob) {
	if err := s.queue.Reschedule(ctx, job); err != nil {
		s.log.Error().Err(err).Str("target", job.Key()).Msg("failed to requeue retry")
	}
}

func (s *Scheduler) execute(ctx context.Context, job models.RetryJob) {
	key := job.Key()
	logger := s.log.With().Str("template_id", job.TemplateID).Str("event_id", job.Event.ID).Logger()

	tpl, err := s.templates.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load template for retry")
		job.NextAttemptAt = s.worker.now().UTC().Add(s.pollRate)
		s.requeue(ctx, job)
		return
	}
	if tpl == nil || !tpl.Active {
		s.worker.release(ctx, key, true)
		logger.Warn().Int("attempt", job.Attempt).Msg("template removed or inactive, dropping retry")
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.worker.defaults.policy(tpl).MaxAttempts
	}
	if job.Attempt >= maxAttempts {
		s.worker.release(ctx, key, true)
		logger.Warn().Int("attempt", job.Attempt).Msg("retry job already exhausted, dropping")
		return
	}

	attempt, err := s.worker.Attempt(ctx, tpl, job.Event, job.Attempt+1)
	if err != nil {
		s.worker.release(ctx, key, true)
		if errors.Is(err, macro.ErrResolution) {
			logger.Error().Err(err).Msg("postback template could not be resolved")
		} else {
			logger.Error().Err(err).Msg("postback retry failed")
		}
		return
	}

	s.worker.settle(ctx, tpl, maxAttempts, attempt, true)
}

// BulkResult reports what a bulk retry sweep did with each failed target.
type BulkResult struct {
	Scanned          int `json:"scanned"`
	Scheduled        int `json:"scheduled"`
	AlreadyLive      int `json:"already_live"`
	AlreadyDelivered int `json:"already_delivered"`
	Exhausted        int `json:"exhausted"`
	NotRetryable     int `json:"not_retryable"`
	TemplateMissing  int `json:"template_missing"`
}

// BulkRetryFailed re-enqueues targets whose attempts failed within lookback.
// Each job keeps the attempts already consumed, so the template's MaxAttempts
// still bounds it. Targets with a live job are left alone. maxJobs caps the
// number scheduled; zero or less means no cap.
func (s *Scheduler) BulkRetryFailed(ctx context.Context, lookback time.Duration, maxJobs int) (BulkResult, error) {
	var res BulkResult
	now := s.worker.now().UTC()

	failed, err := s.attempts.QueryAttempts(ctx, storage.AttemptFilter{
		Outcome: models.OutcomeFailed,
		Since:   now.Add(-lookback),
	})
	if err != nil {
		return res, err
	}

	type target struct {
		templateID string
		eventID    string
		firstSeen  time.Time
	}
	seen := make(map[string]*target)
	var targets []*target
	for _, a := range failed {
		key := a.TargetKey()
		if _, ok := seen[key]; ok {
			continue
		}
		t := &target{templateID: a.TemplateID, eventID: a.EventID, firstSeen: a.AttemptedAt}
		seen[key] = t
		targets = append(targets, t)
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].firstSeen.Before(targets[j].firstSeen) })

	templates := make(map[string]*models.Template)
	for _, t := range targets {
		if maxJobs > 0 && res.Scheduled >= maxJobs {
			break
		}
		res.Scanned++

		key := models.TargetKey(t.templateID, t.eventID)
		if live, err := s.queue.Has(ctx, key); err != nil {
			return res, err
		} else if live {
			res.AlreadyLive++
			continue
		}

		history, err := s.attempts.QueryAttempts(ctx, storage.AttemptFilter{TemplateID: t.templateID, EventID: t.eventID})
		if err != nil {
			return res, err
		}
		last := latestAttempt(history)
		if last == nil {
			continue
		}
		if last.Succeeded() {
			res.AlreadyDelivered++
			continue
		}
		if !last.Retryable {
			res.NotRetryable++
			continue
		}

		tpl, ok := templates[t.templateID]
		if !ok {
			tpl, err = s.templates.GetTemplate(ctx, t.templateID)
			if err != nil {
				return res, err
			}
			templates[t.templateID] = tpl
		}
		if tpl == nil || !tpl.Active {
			res.TemplateMissing++
			continue
		}

		maxAttempts := s.worker.defaults.policy(tpl).MaxAttempts
		if last.AttemptNumber >= maxAttempts {
			res.Exhausted++
			continue
		}

		ok, err = s.queue.Schedule(ctx, models.RetryJob{
			TemplateID:    t.templateID,
			Event:         last.Event,
			Attempt:       last.AttemptNumber,
			MaxAttempts:   maxAttempts,
			NextAttemptAt: now,
		})
		if err != nil {
			return res, err
		}
		if !ok {
			res.AlreadyLive++
			continue
		}
		res.Scheduled++
	}

	s.log.Info().
		Dur("lookback", lookback).
		Int("scanned", res.Scanned).
		Int("scheduled", res.Scheduled).
		Int("already_live", res.AlreadyLive).
		Int("exhausted", res.Exhausted).
		Msg("bulk retry sweep finished")

	return res, nil
}

// latestAttempt returns the attempt with the highest number, later records
// winning ties.
func latestAttempt(history []models.Attempt) *models.Attempt {
	var last *models.Attempt
	for i := range history {
		a := &history[i]
		if last == nil || a.AttemptNumber >= last.AttemptNumber {
			last = a
		}
	}
	return last
}
