package delivery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/config"
	"hookrelay/internal/constants"
	"hookrelay/internal/handler"
	"hookrelay/internal/logger"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/models"
	"hookrelay/pkg/tracing"
)

const (
	queueMain       = "main"
	queueRetry      = "retry"
	queueDeadLetter = "dead_letter"
)

// Stats are cumulative counters plus the current queue depth.
type Stats struct {
	Queued          int64   `json:"queued"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	Retrying        int64   `json:"retrying"`
	DeadLettered    int64   `json:"deadLettered"`
	Duplicates      int64   `json:"duplicates"`
	Pending         int     `json:"pending"`
	Delayed         int     `json:"delayed"`
	Jobs            int     `json:"jobs"`
	IdempotencyKeys int     `json:"idempotencyKeys"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
}

// Coordinator runs handler deliveries through main, retry and dead-letter
// worker pools with retry and exactly-once semantics.
type Coordinator struct {
	mode        Mode
	timeout     time.Duration
	policy      RetryPolicy
	retention   time.Duration
	dedupWindow time.Duration

	idempotency IdempotencyStore
	sink        DeadLetterSink
	logger      logger.Logger
	observers   observers
	now         func() time.Time

	main       Queue[string]
	retry      Queue[string]
	deadLetter Queue[string]

	mu          sync.RWMutex
	jobs        map[string]*jobRecord
	interrupted []string
	stats       Stats
	totalTime   time.Duration
	attempts    int64
}

type Option func(*Coordinator)

func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(c *Coordinator) {
		c.idempotency = store
	}
}

func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) {
		c.logger = log
	}
}

func WithObserver(obs Observer) Option {
	return func(c *Coordinator) {
		c.observers.add(obs)
	}
}

func NewCoordinator(cfg config.DeliveryConfig, opts ...Option) *Coordinator {
	mode := Mode(cfg.Mode)
	if mode != ExactlyOnce {
		mode = AtLeastOnce
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retention := cfg.JobRetention
	if retention <= 0 {
		retention = time.Hour
	}
	dedupWindow := cfg.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}

	c := &Coordinator{
		mode:        mode,
		timeout:     timeout,
		policy:      PolicyFromConfig(cfg.Retry),
		retention:   retention,
		dedupWindow: dedupWindow,
		logger:      logger.NopLogger(),
		now:         time.Now,
		main:        NewMemoryQueue[string](queueMain, cfg.Workers.Main, cfg.QueueCapacity),
		retry:       NewMemoryQueue[string](queueRetry, cfg.Workers.Retry, cfg.QueueCapacity),
		deadLetter:  NewMemoryQueue[string](queueDeadLetter, cfg.Workers.DeadLetter, cfg.QueueCapacity),
		jobs:        make(map[string]*jobRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.idempotency == nil {
		c.idempotency = NewMemoryIdempotency(cfg.DedupWindow, cfg.DedupCapacity)
	}
	c.observers.logger = c.logger
	return c
}

// Observe registers an observer for job lifecycle events.
func (c *Coordinator) Observe(obs Observer) {
	c.observers.add(obs)
}

// Deliver enqueues a job for (ev, h) and returns its id. In exactly-once
// mode a repeated (event id, handler id, event timestamp) inside the dedup
// window returns the id of the job that accepted it first.
func (c *Coordinator) Deliver(ctx context.Context, ev models.Event, h handler.Handler, opts Options) (string, error) {
	if h == nil {
		return "", errors.ErrValidation.WithDetail("message", "handler is required")
	}

	mode := opts.Mode
	if mode == "" {
		mode = c.mode
	}
	policy := c.policy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	now := c.now().UTC()
	rec := &jobRecord{
		job: Job{
			ID:          uuid.New().String(),
			Event:       ev,
			HandlerID:   h.ID(),
			RouteID:     opts.RouteID,
			Mode:        mode,
			Status:      StatusQueued,
			Attempt:     1,
			MaxAttempts: max(policy.MaxAttempts, 1),
			CreatedAt:   now,
		},
		handler: h,
		timeout: timeout,
		policy:  policy,
	}

	if mode == ExactlyOnce {
		key := IdempotencyKey(ev, h.ID())
		existing, reserved, err := c.idempotency.Reserve(ctx, key, rec.job.ID)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrServiceUnavailable)
		}
		if !reserved {
			metrics.DeliveryDuplicatesTotal.Inc()
			c.mu.Lock()
			c.stats.Duplicates++
			c.mu.Unlock()
			c.logger.DebugwCtx(ctx, "Duplicate delivery ignored",
				"event_id", ev.ID,
				"handler_id", h.ID(),
				"job_id", existing,
			)
			return existing, nil
		}
		rec.job.IdempotencyKey = key
	}

	c.mu.Lock()
	c.jobs[rec.job.ID] = rec
	c.stats.Queued++
	c.mu.Unlock()
	c.emit(ctx, rec)

	if err := c.main.Enqueue(ctx, rec.job.ID); err != nil {
		c.mu.Lock()
		delete(c.jobs, rec.job.ID)
		c.stats.Queued--
		c.mu.Unlock()
		if rec.job.IdempotencyKey != "" {
			_ = c.idempotency.Release(context.WithoutCancel(ctx), rec.job.IdempotencyKey)
		}
		return "", err
	}

	c.logger.DebugwCtx(ctx, "Delivery job queued",
		"job_id", rec.job.ID,
		"event_id", ev.ID,
		"handler_id", h.ID(),
		"mode", mode,
	)
	return rec.job.ID, nil
}

// emit publishes the current snapshot of rec to metrics and observers.
func (c *Coordinator) emit(ctx context.Context, rec *jobRecord) {
	c.mu.RLock()
	snapshot := rec.job
	c.mu.RUnlock()

	metrics.IncDeliveryJob(string(snapshot.Status))
	c.observers.notify(ctx, JobEvent{Status: snapshot.Status, Job: snapshot})
}

func (c *Coordinator) lookup(id string) *jobRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobs[id]
}

func (c *Coordinator) update(rec *jobRecord, fn func(j *Job)) {
	c.mu.Lock()
	fn(&rec.job)
	c.mu.Unlock()
}

func (c *Coordinator) process(ctx context.Context, id string) {
	rec := c.lookup(id)
	if rec == nil {
		return
	}

	c.mu.Lock()
	fromRetry := rec.job.Status == StatusRetryScheduled
	if fromRetry {
		rec.job.Status = StatusQueued
		rec.job.ScheduledAt = nil
	}
	c.mu.Unlock()
	if fromRetry {
		c.emit(ctx, rec)
	}

	c.update(rec, func(j *Job) {
		j.Status = StatusProcessing
		j.ProcessedAt = timePtr(c.now().UTC())
	})
	c.emit(ctx, rec)

	ctx, span := tracing.StartSpan(ctx, "delivery.process",
		"job_id", rec.job.ID,
		"handler_id", rec.job.HandlerID,
	)
	defer span.End()

	start := c.now()
	result, err := handler.Invoke(ctx, rec.handler, rec.job.Event, rec.timeout)
	duration := c.now().Sub(start)

	if err != nil && ctx.Err() != nil {
		// Shutting down; the attempt does not count. The job goes back to
		// the main queue when the workers start again.
		c.mu.Lock()
		rec.job.Status = StatusQueued
		rec.job.ProcessedAt = nil
		c.interrupted = append(c.interrupted, rec.job.ID)
		c.mu.Unlock()
		c.logger.InfowCtx(context.WithoutCancel(ctx), "Delivery interrupted by shutdown",
			"job_id", rec.job.ID,
			"handler_id", rec.job.HandlerID,
		)
		return
	}

	c.mu.Lock()
	rec.duration += duration
	c.totalTime += duration
	c.attempts++
	c.mu.Unlock()

	if err == nil {
		metrics.ObserveDeliveryDuration(rec.job.HandlerID, "success", duration)
		c.update(rec, func(j *Job) {
			j.Status = StatusCompleted
			j.CompletedAt = timePtr(c.now().UTC())
			j.Result = result
			j.Error = ""
		})
		c.mu.Lock()
		c.stats.Completed++
		c.mu.Unlock()
		c.emit(ctx, rec)
		return
	}

	metrics.ObserveDeliveryDuration(rec.job.HandlerID, "error", duration)
	c.fail(ctx, rec, err)
}

func (c *Coordinator) fail(ctx context.Context, rec *jobRecord, err error) {
	c.mu.Lock()
	c.stats.Failed++
	attempt := rec.job.Attempt
	maxAttempts := rec.job.MaxAttempts
	c.mu.Unlock()

	if rec.policy.IsRetryable(err) && attempt < maxAttempts {
		delay := rec.policy.NextDelay(attempt)
		c.update(rec, func(j *Job) {
			j.Status = StatusRetryScheduled
			j.Attempt++
			j.Error = err.Error()
			j.ScheduledAt = timePtr(c.now().UTC().Add(delay))
		})
		c.mu.Lock()
		c.stats.Retrying++
		c.mu.Unlock()

		metrics.RetryAttemptsTotal.WithLabelValues(constants.ServiceName, queueRetry).Inc()
		c.logger.WarnwCtx(ctx, "Delivery failed, retry scheduled",
			"job_id", rec.job.ID,
			"handler_id", rec.job.HandlerID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		c.emit(ctx, rec)
		c.retry.EnqueueAfter(rec.job.ID, delay)
		return
	}

	c.update(rec, func(j *Job) {
		j.Status = StatusDeadLettered
		j.Error = err.Error()
		j.CompletedAt = timePtr(c.now().UTC())
	})
	c.mu.Lock()
	c.stats.DeadLettered++
	c.mu.Unlock()

	c.logger.ErrorwCtx(ctx, "Delivery dead-lettered",
		"job_id", rec.job.ID,
		"event_id", rec.job.Event.ID,
		"handler_id", rec.job.HandlerID,
		"attempt", attempt,
		"retryable", rec.policy.IsRetryable(err),
		"error", err,
	)
	c.emit(ctx, rec)

	if err := c.deadLetter.Enqueue(ctx, rec.job.ID); err != nil {
		c.logger.WarnwCtx(ctx, "Failed to queue dead letter", "job_id", rec.job.ID, "error", err)
	}
}

func (c *Coordinator) processDeadLetter(ctx context.Context, id string) {
	if c.sink == nil {
		return
	}
	job, err := c.GetJob(id)
	if err != nil || job.Status != StatusDeadLettered {
		return
	}
	if err := c.sink.DeadLetter(ctx, job); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to publish dead letter", "job_id", id, "error", err)
	}
}

// Requeue sends a dead-lettered job back to the main queue with its attempt
// counter reset.
func (c *Coordinator) Requeue(ctx context.Context, id string) (Job, error) {
	rec := c.lookup(id)
	if rec == nil {
		return Job{}, errors.ErrNotFound.WithDetail("id", id)
	}

	c.mu.Lock()
	if rec.job.Status != StatusDeadLettered {
		status := rec.job.Status
		c.mu.Unlock()
		return Job{}, errors.ErrConflict.
			WithDetail("message", "only dead-lettered jobs can be requeued").
			WithDetail("status", string(status))
	}
	rec.job.Status = StatusQueued
	rec.job.Attempt = 1
	rec.job.Error = ""
	rec.job.ScheduledAt = nil
	rec.job.CompletedAt = nil
	c.stats.Queued++
	snapshot := rec.job
	c.mu.Unlock()

	c.emit(ctx, rec)
	if err := c.main.Enqueue(ctx, id); err != nil {
		c.update(rec, func(j *Job) { j.Status = StatusDeadLettered })
		return Job{}, err
	}

	c.logger.InfowCtx(ctx, "Dead-lettered job requeued", "job_id", id, "handler_id", snapshot.HandlerID)
	return snapshot, nil
}

func (c *Coordinator) GetJob(id string) (Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.jobs[id]
	if !ok {
		return Job{}, errors.ErrNotFound.WithDetail("id", id)
	}
	return rec.job, nil
}

// DeadLetters lists dead-lettered jobs, oldest first.
func (c *Coordinator) DeadLetters() []Job {
	c.mu.RLock()
	out := make([]Job, 0)
	for _, rec := range c.jobs {
		if rec.job.Status == StatusDeadLettered {
			out = append(out, rec.job)
		}
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	s := c.stats
	s.Jobs = len(c.jobs)
	if c.attempts > 0 {
		s.AvgProcessingMs = float64(c.totalTime.Microseconds()) / 1000 / float64(c.attempts)
	}
	c.mu.RUnlock()

	s.Pending = c.main.Len() + c.retry.Len()
	s.Delayed = c.retry.Delayed()
	s.IdempotencyKeys = c.idempotency.Len()
	return s
}

type expirer interface {
	Expire() int
}

// Prune drops completed jobs older than the retention window and expired
// idempotency keys. Dead-lettered jobs stay until requeued. A completed job
// whose idempotency key is still inside the dedup window is compacted
// instead, so a duplicate delivery keeps resolving to a job GetJob knows.
func (c *Coordinator) Prune() int {
	now := c.now().UTC()
	cutoff := now.Add(-c.retention)

	c.mu.Lock()
	removed := 0
	for id, rec := range c.jobs {
		j := &rec.job
		if j.Status != StatusCompleted || j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		if j.IdempotencyKey != "" && now.Before(j.CreatedAt.Add(c.dedupWindow)) {
			compact(rec)
			continue
		}
		delete(c.jobs, id)
		removed++
	}
	c.mu.Unlock()

	if e, ok := c.idempotency.(expirer); ok {
		e.Expire()
	}
	return removed
}

// compact keeps the identity and outcome of a completed job and drops its
// payload.
func compact(rec *jobRecord) {
	rec.job.Event.Data = nil
	rec.job.Event.PreviousData = nil
	rec.job.Event.Changes = nil
	rec.job.Result = nil
	rec.handler = nil
}

// Start launches the worker pools and puts jobs interrupted by an earlier
// shutdown back on the main queue.
func (c *Coordinator) Start(ctx context.Context) {
	c.main.Start(ctx, c.process)
	c.retry.Start(ctx, c.process)
	c.deadLetter.Start(ctx, c.processDeadLetter)
	c.resume(ctx)
}

func (c *Coordinator) resume(ctx context.Context) {
	c.mu.Lock()
	ids := c.interrupted
	c.interrupted = nil
	c.mu.Unlock()

	for i, id := range ids {
		if err := c.main.Enqueue(ctx, id); err != nil {
			c.mu.Lock()
			c.interrupted = append(c.interrupted, ids[i:]...)
			c.mu.Unlock()
			c.logger.Warnw("Failed to resume interrupted jobs", "pending", len(ids)-i, "error", err)
			return
		}
	}
	if len(ids) > 0 {
		c.logger.Infow("Resumed interrupted delivery jobs", "count", len(ids))
	}
}

// wait blocks until every worker has returned.
func (c *Coordinator) wait() {
	c.main.Wait()
	c.retry.Wait()
	c.deadLetter.Wait()
}

// Close stops the worker pools and pending retry timers.
func (c *Coordinator) Close() {
	c.main.Close()
	c.retry.Close()
	c.deadLetter.Close()
}

// Run starts the workers and prunes old jobs until ctx is done. Queued and
// scheduled jobs survive a return from Run and are picked up by the next
// Run; Close discards them.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Start(ctx)
	defer c.wait()

	interval := min(c.retention/2, 5*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Infow("Delivery coordinator started", "mode", c.mode, "retention", c.retention)
	for {
		select {
		case <-ctx.Done():
			c.logger.Infow("Delivery coordinator stopping")
			return nil
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				c.logger.Debugw("Pruned delivery jobs", "count", n)
			}
		}
	}
}

type guaranteed struct {
	coordinator *Coordinator
	inner       handler.Handler
	opts        Options
}

// Guaranteed wraps h so that invoking it enqueues a delivery job instead of
// running h inline. The result is the job id.
func Guaranteed(c *Coordinator, h handler.Handler, opts Options) handler.Handler {
	return &guaranteed{coordinator: c, inner: h, opts: opts}
}

func (g *guaranteed) ID() string    { return g.inner.ID() }
func (g *guaranteed) Priority() int { return g.inner.Priority() }

func (g *guaranteed) Handle(ctx context.Context, ev models.Event) (any, error) {
	id, err := g.coordinator.Deliver(ctx, ev, g.inner, g.opts)
	if err != nil {
		return nil, err
	}
	return map[string]string{"jobId": id}, nil
}
