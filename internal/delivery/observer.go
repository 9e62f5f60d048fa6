package delivery

import (
	"context"
	"sync"

	"hookrelay/internal/logger"
	"hookrelay/pkg/errors"
)

// JobEvent is one lifecycle transition of a job.
type JobEvent struct {
	Status JobStatus
	Job    Job
}

type Observer interface {
	OnJobEvent(ctx context.Context, ev JobEvent)
}

type ObserverFunc func(ctx context.Context, ev JobEvent)

func (f ObserverFunc) OnJobEvent(ctx context.Context, ev JobEvent) {
	f(ctx, ev)
}

// observers calls each registered observer in registration order on the
// goroutine that made the transition. A panicking observer is logged and
// skipped.
type observers struct {
	mu     sync.RWMutex
	list   []Observer
	logger logger.Logger
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *observers) notify(ctx context.Context, ev JobEvent) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()

	for _, obs := range list {
		if err := errors.SafeCall(func() error {
			obs.OnJobEvent(ctx, ev)
			return nil
		}); err != nil {
			o.logger.ErrorwCtx(ctx, "Job observer panicked",
				"job_id", ev.Job.ID,
				"status", ev.Status,
				"error", err,
			)
		}
	}
}
