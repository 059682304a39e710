package delivery

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/postrelay/internal/config"
	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

// Engine wires the dispatcher and the retry scheduler around one shared retry
// queue and concurrency limit.
type Engine struct {
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Queue      JobQueue
}

type Options struct {
	// Client replaces the default HTTP client.
	Client Doer
	// Now replaces the wall clock.
	Now func() time.Time
}

func NewEngine(cfg config.DeliveryConfig, store storage.Storage, queue JobQueue, log zerolog.Logger, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	sender := NewSender(opts.Client, SuccessRange{Min: cfg.SuccessMin, Max: cfg.SuccessMax})
	sender.now = now

	defaults := Defaults{
		Retry: models.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
		},
		Timeout: cfg.Timeout,
	}

	limiter := NewLimiter(cfg.Workers)
	worker := NewWorker(store, queue, sender, defaults, now, log)

	return &Engine{
		Dispatcher: NewDispatcher(store, worker, queue, limiter, log),
		Scheduler:  NewScheduler(store, store, worker, queue, limiter, cfg.PollInterval, log),
		Queue:      queue,
	}
}
