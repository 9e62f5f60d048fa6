package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/config"
	"hookrelay/internal/constants"
	"hookrelay/internal/handler"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

func testEvent(id string) models.Event {
	return *models.NewEventBuilder().
		WithID(id).
		WithEntity("Ticket", "42").
		WithTypeAndAction(models.EventTypeEntityUpdated, models.ActionUpdate).
		Build()
}

func fastPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     20 * time.Millisecond,
	}
}

func startCoordinator(t *testing.T, cfg config.DeliveryConfig, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	return c
}

func waitForStatus(t *testing.T, c *Coordinator, id string, status JobStatus) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = c.GetJob(id)
		return err == nil && job.Status == status
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func TestBackoffDelays(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	want := []time.Duration{100, 200, 400, 800, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, p.Delay(i+1), "attempt %d", i+1)
	}

	p.Jitter = 50 * time.Millisecond
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, p.Delay(attempt))
		assert.Less(t, d, p.Delay(attempt)+p.Jitter)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryPolicy
		err       error
		retryable bool
	}{
		{name: "plain error", policy: DefaultRetryPolicy(), err: fmt.Errorf("connection reset"), retryable: true},
		{name: "timeout", policy: DefaultRetryPolicy(), err: errors.ErrTimeout, retryable: true},
		{name: "unauthorized message", policy: DefaultRetryPolicy(), err: fmt.Errorf("401 Unauthorized"), retryable: false},
		{name: "forbidden message", policy: DefaultRetryPolicy(), err: fmt.Errorf("forbidden"), retryable: false},
		{name: "not found message", policy: DefaultRetryPolicy(), err: fmt.Errorf("resource not found"), retryable: false},
		{name: "bad request message", policy: DefaultRetryPolicy(), err: fmt.Errorf("Bad Request: missing field"), retryable: false},
		{name: "invalid signature code", policy: DefaultRetryPolicy(), err: errors.ErrInvalidSignature, retryable: false},
		{name: "validation code", policy: DefaultRetryPolicy(), err: errors.ErrValidation, retryable: false},
		{
			name:      "allow list match",
			policy:    RetryPolicy{RetryableErrors: []string{"ECONNRESET"}},
			err:       fmt.Errorf("read: econnreset"),
			retryable: true,
		},
		{
			name:      "allow list miss",
			policy:    RetryPolicy{RetryableErrors: []string{"ECONNRESET"}},
			err:       fmt.Errorf("connection refused"),
			retryable: false,
		},
		{name: "nil", policy: DefaultRetryPolicy(), err: nil, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.policy.IsRetryable(tt.err))
		})
	}
}

func TestExactlyOnceReturnsSameJob(t *testing.T) {
	c := startCoordinator(t, config.DeliveryConfig{Mode: string(ExactlyOnce)})

	var calls atomic.Int32
	h := handler.NewFunc("audit", 0, func(_ context.Context, _ models.Event) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	ev := testEvent("evt-1")
	first, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)
	second, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	waitForStatus(t, c, first, StatusCompleted)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Duplicates)

	// A different timestamp is a different delivery.
	later := ev
	later.Timestamp = ev.Timestamp.Add(time.Second)
	third, err := c.Deliver(context.Background(), later, h, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestAtLeastOnceDoesNotDeduplicate(t *testing.T) {
	c := startCoordinator(t, config.DeliveryConfig{})

	h := handler.NewFunc("audit", 0, func(_ context.Context, _ models.Event) (any, error) {
		return nil, nil
	})
	ev := testEvent("evt-1")
	first, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)
	second, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRetryThenSuccess(t *testing.T) {
	c := startCoordinator(t, config.DeliveryConfig{})

	var calls atomic.Int32
	h := handler.NewFunc("flaky", 0, func(_ context.Context, _ models.Event) (any, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("connection reset")
		}
		return "delivered", nil
	})

	var mu sync.Mutex
	var seen []JobStatus
	c.Observe(ObserverFunc(func(_ context.Context, ev JobEvent) {
		mu.Lock()
		seen = append(seen, ev.Status)
		mu.Unlock()
	}))

	id, err := c.Deliver(context.Background(), testEvent("evt-2"), h, Options{Policy: fastPolicy(5)})
	require.NoError(t, err)

	job := waitForStatus(t, c, id, StatusCompleted)
	assert.Equal(t, 3, job.Attempt)
	assert.Equal(t, "delivered", job.Result)
	assert.Empty(t, job.Error)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, int32(3), calls.Load())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 9
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []JobStatus{
		StatusQueued, StatusProcessing, StatusRetryScheduled,
		StatusQueued, StatusProcessing, StatusRetryScheduled,
		StatusQueued, StatusProcessing, StatusCompleted,
	}, seen)
}

type recordingSink struct {
	mu   sync.Mutex
	jobs []Job
}

func (s *recordingSink) DeadLetter(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func TestExhaustedJobIsDeadLetteredAndRequeued(t *testing.T) {
	sink := &recordingSink{}
	c := startCoordinator(t, config.DeliveryConfig{}, WithDeadLetterSink(sink))

	var healthy atomic.Bool
	var calls atomic.Int32
	h := handler.NewFunc("downstream", 0, func(_ context.Context, _ models.Event) (any, error) {
		calls.Add(1)
		if healthy.Load() {
			return nil, nil
		}
		return nil, fmt.Errorf("service unavailable")
	})

	id, err := c.Deliver(context.Background(), testEvent("evt-3"), h, Options{Policy: fastPolicy(3)})
	require.NoError(t, err)

	job := waitForStatus(t, c, id, StatusDeadLettered)
	assert.Equal(t, 3, job.Attempt)
	assert.Equal(t, "service unavailable", job.Error)
	assert.Equal(t, int32(3), calls.Load())
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	dead := c.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	healthy.Store(true)
	requeued, err := c.Requeue(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Attempt)

	job = waitForStatus(t, c, id, StatusCompleted)
	assert.Equal(t, 1, job.Attempt)
	assert.Empty(t, c.DeadLetters())

	_, err = c.Requeue(context.Background(), id)
	assert.True(t, errors.IsConflict(err))
	_, err = c.Requeue(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestNonRetryableErrorSkipsRetries(t *testing.T) {
	c := startCoordinator(t, config.DeliveryConfig{})

	var calls atomic.Int32
	h := handler.NewFunc("strict", 0, func(_ context.Context, _ models.Event) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("403 forbidden")
	})

	id, err := c.Deliver(context.Background(), testEvent("evt-4"), h, Options{Policy: fastPolicy(5)})
	require.NoError(t, err)

	job := waitForStatus(t, c, id, StatusDeadLettered)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandlerTimeoutIsRetryable(t *testing.T) {
	c := startCoordinator(t, config.DeliveryConfig{})

	var calls atomic.Int32
	h := handler.NewFunc("slow", 0, func(ctx context.Context, _ models.Event) (any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})

	id, err := c.Deliver(context.Background(), testEvent("evt-5"), h, Options{
		Timeout: 20 * time.Millisecond,
		Policy:  fastPolicy(2),
	})
	require.NoError(t, err)

	job := waitForStatus(t, c, id, StatusCompleted)
	assert.Equal(t, 2, job.Attempt)
}

func TestGuaranteedHandlerEnqueues(t *testing.T) {
	c := startCoordinator(t, config.DeliveryConfig{})

	done := make(chan string, 1)
	inner := handler.NewFunc("webhook-out", 7, func(_ context.Context, ev models.Event) (any, error) {
		done <- ev.ID
		return nil, nil
	})

	h := Guaranteed(c, inner, Options{RouteID: "r1"})
	assert.Equal(t, "webhook-out", h.ID())
	assert.Equal(t, 7, h.Priority())

	result, err := h.Handle(context.Background(), testEvent("evt-6"))
	require.NoError(t, err)
	ids, ok := result.(map[string]string)
	require.True(t, ok)

	select {
	case got := <-done:
		assert.Equal(t, "evt-6", got)
	case <-time.After(time.Second):
		t.Fatal("guaranteed handler never ran")
	}

	job := waitForStatus(t, c, ids["jobId"], StatusCompleted)
	assert.Equal(t, "r1", job.RouteID)
}

func TestPruneRemovesOldCompletedJobs(t *testing.T) {
	c := startCoordinator(t, config.DeliveryConfig{JobRetention: time.Minute})

	h := handler.NewFunc("audit", 0, func(_ context.Context, _ models.Event) (any, error) { return nil, nil })
	id, err := c.Deliver(context.Background(), testEvent("evt-7"), h, Options{})
	require.NoError(t, err)
	waitForStatus(t, c, id, StatusCompleted)

	assert.Equal(t, 0, c.Prune())

	c.mu.Lock()
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	c.mu.Unlock()

	assert.Equal(t, 1, c.Prune())
	_, err = c.GetJob(id)
	assert.True(t, errors.IsNotFound(err))
}

func TestPruneKeepsJobsWithLiveIdempotencyKey(t *testing.T) {
	store := NewMemoryIdempotency(10*time.Minute, 10)
	c := startCoordinator(t, config.DeliveryConfig{
		Mode:         string(ExactlyOnce),
		JobRetention: time.Minute,
		DedupWindow:  10 * time.Minute,
	}, WithIdempotencyStore(store))

	h := handler.NewFunc("audit", 0, func(_ context.Context, _ models.Event) (any, error) { return "sent", nil })
	ev := testEvent("evt-10")
	id, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)
	waitForStatus(t, c, id, StatusCompleted)

	setNow := func(d time.Duration) {
		now := time.Now().Add(d)
		c.mu.Lock()
		c.now = func() time.Time { return now }
		c.mu.Unlock()
		store.now = func() time.Time { return now }
	}

	setNow(2 * time.Minute)
	assert.Equal(t, 0, c.Prune())
	job, err := c.GetJob(id)
	require.NoError(t, err, "a duplicate still resolves to this job")
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Nil(t, job.Event.Data)
	assert.Nil(t, job.Result)

	dup, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)
	assert.Equal(t, id, dup)

	setNow(11 * time.Minute)
	assert.Equal(t, 1, c.Prune())
	_, err = c.GetJob(id)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 0, store.Len())
}

func TestShutdownMidDeliveryResumesOnNextRun(t *testing.T) {
	c := NewCoordinator(config.DeliveryConfig{Mode: string(ExactlyOnce)})

	started := make(chan struct{})
	var calls atomic.Int32
	h := handler.NewFunc("slow", 0, func(ctx context.Context, _ models.Event) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	firstRun := make(chan error, 1)
	go func() { firstRun <- c.Run(ctx) }()

	ev := testEvent("evt-11")
	id, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)

	<-started
	cancel()
	require.NoError(t, <-firstRun)

	job, err := c.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)

	dup, err := c.Deliver(context.Background(), ev, h, Options{})
	require.NoError(t, err)
	assert.Equal(t, id, dup)

	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel2()
		c.Close()
	})
	go func() { _ = c.Run(ctx2) }()

	job = waitForStatus(t, c, id, StatusCompleted)
	assert.Equal(t, "ok", job.Result)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryIdempotencyWindow(t *testing.T) {
	store := NewMemoryIdempotency(time.Minute, 10)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	id, reserved, err := store.Reserve(ctx, "k1", "job-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "job-1", id)

	id, reserved, err = store.Reserve(ctx, "k1", "job-2")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "job-1", id)

	now = now.Add(2 * time.Minute)
	id, reserved, err = store.Reserve(ctx, "k1", "job-3")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "job-3", id)
}

func TestMemoryIdempotencyEvictsOldestOnly(t *testing.T) {
	store := NewMemoryIdempotency(time.Hour, 3)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, reserved, err := store.Reserve(ctx, fmt.Sprintf("k%d", i), fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		require.True(t, reserved)
	}
	assert.Equal(t, 3, store.Len())

	// k1 was evicted; the rest are still remembered.
	_, reserved, _ := store.Reserve(ctx, "k2", "x")
	assert.False(t, reserved)
	_, reserved, _ = store.Reserve(ctx, "k4", "x")
	assert.False(t, reserved)
	_, reserved, _ = store.Reserve(ctx, "k1", "job-5")
	assert.True(t, reserved)

	require.NoError(t, store.Release(ctx, "k1"))
	assert.Equal(t, 2, store.Len())
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	ev := testEvent("evt-8")
	assert.Equal(t, IdempotencyKey(ev, "h1"), IdempotencyKey(ev, "h1"))
	assert.NotEqual(t, IdempotencyKey(ev, "h1"), IdempotencyKey(ev, "h2"))
}

func TestMemoryQueueDelayedEnqueue(t *testing.T) {
	q := NewMemoryQueue[int]("test", 2, 4)
	got := make(chan int, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, func(_ context.Context, v int) { got <- v })

	q.EnqueueAfter(2, 30*time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, 1))
	assert.Equal(t, 1, q.Delayed())

	assert.Equal(t, 1, <-got)
	select {
	case v := <-got:
		assert.Equal(t, 2, v)
	case <-time.After(time.Second):
		t.Fatal("delayed item never delivered")
	}
	assert.Eventually(t, func() bool { return q.Delayed() == 0 }, time.Second, 5*time.Millisecond)

	q.Close()
	assert.Error(t, q.Enqueue(ctx, 3))
}

type capturingProducer struct {
	mu       sync.Mutex
	topic    string
	envelope models.Envelope
}

func (p *capturingProducer) Publish(_ context.Context, topic string, msg models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.envelope = msg
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func TestBrokerDeadLetterSink(t *testing.T) {
	producer := &capturingProducer{}
	sink := NewBrokerDeadLetterSink(producer, "")

	job := Job{ID: "job-1", Event: testEvent("evt-9"), HandlerID: "h1", Attempt: 3, Error: "boom"}
	require.NoError(t, sink.DeadLetter(context.Background(), job))

	assert.Equal(t, constants.DefaultDLQTopic, producer.topic)
	assert.Equal(t, models.EnvelopeKindDeadLetter, producer.envelope.Kind)
	assert.Equal(t, "job-1", producer.envelope.Attributes["job_id"])
	assert.Equal(t, "3", producer.envelope.Attributes["attempts"])

	var decoded Job
	require.NoError(t, producer.envelope.Decode(&decoded))
	assert.Equal(t, "evt-9", decoded.Event.ID)
}
