package delivery

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/postrelay/internal/macro"
	"github.com/shohag/postrelay/internal/models"
	"github.com/shohag/postrelay/internal/storage"
)

// Dispatcher is the entry point of the engine: it delivers one event to every
// subscribed template.
type Dispatcher struct {
	templates storage.TemplateStore
	worker    *Worker
	queue     JobQueue
	limiter   *Limiter
	fanout    int
	log       zerolog.Logger
}

func NewDispatcher(templates storage.TemplateStore, worker *Worker, queue JobQueue, limiter *Limiter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		templates: templates,
		worker:    worker,
		queue:     queue,
		limiter:   limiter,
		fanout:    limiter.Size(),
		log:       log,
	}
}

// Dispatch makes the first attempt for every active template subscribed to
// evt.Type and returns those attempts. Templates are delivered concurrently
// and independently. Failed targets continue in the retry scheduler. Dispatch
// never fails because a target is unreachable.
func (d *Dispatcher) Dispatch(ctx context.Context, evt models.Event) []models.Attempt {
	templates, err := d.templates.ListActiveTemplates(ctx, evt.Type)
	if err != nil {
		d.log.Error().Err(err).Str("event_id", evt.ID).Str("event_type", evt.Type).Msg("failed to list templates")
		return nil
	}
	if len(templates) == 0 {
		d.log.Debug().Str("event_id", evt.ID).Str("event_type", evt.Type).Msg("no templates subscribed")
		return nil
	}

	p := pool.NewWithResults[*models.Attempt]().WithMaxGoroutines(d.fanout)
	for i := range templates {
		tpl := templates[i]
		p.Go(func() *models.Attempt {
			return d.deliver(ctx, &tpl, evt)
		})
	}

	attempts := make([]models.Attempt, 0, len(templates))
	for _, a := range p.Wait() {
		if a != nil {
			attempts = append(attempts, *a)
		}
	}
	return attempts
}

func (d *Dispatcher) deliver(ctx context.Context, tpl *models.Template, evt models.Event) *models.Attempt {
	key := models.TargetKey(tpl.ID, evt.ID)
	logger := d.log.With().Str("template_id", tpl.ID).Str("event_id", evt.ID).Logger()

	reserved, err := d.queue.Reserve(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reserve delivery target, delivering without reservation")
	} else if !reserved {
		logger.Warn().Msg("delivery target already live, skipping")
		return nil
	}

	if err := d.limiter.Acquire(ctx); err != nil {
		d.worker.release(ctx, key, reserved)
		logger.Warn().Err(err).Msg("dispatch cancelled before delivery")
		return nil
	}
	defer d.limiter.Release()

	attempt, err := d.worker.Attempt(ctx, tpl, evt, 1)
	if err != nil {
		d.worker.release(ctx, key, reserved)
		if errors.Is(err, macro.ErrResolution) {
			logger.Error().Err(err).Msg("postback template could not be resolved")
		} else {
			logger.Error().Err(err).Msg("postback attempt failed")
		}
		return nil
	}

	policy := d.worker.defaults.policy(tpl)
	d.worker.settle(ctx, tpl, policy.MaxAttempts, attempt, reserved)
	return attempt
}
