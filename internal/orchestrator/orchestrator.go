package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/broker"
	"hookrelay/internal/config"
	"hookrelay/internal/delivery"
	"hookrelay/internal/handler"
	"hookrelay/internal/handlers"
	"hookrelay/internal/ingress"
	"hookrelay/internal/logger"
	"hookrelay/internal/management"
	"hookrelay/internal/normalizer"
	"hookrelay/internal/router"
	"hookrelay/internal/store"
	"hookrelay/pkg/health"
	"hookrelay/pkg/logging"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/ratelimit"
	"hookrelay/pkg/tracing"
)

// Dependencies are the external connections the pipeline may use. Every
// field is optional.
type Dependencies struct {
	Redis    *redis.Client
	Mongo    *mongo.Database
	Postgres *sql.DB
	Producer broker.Producer
	// Handlers are registered alongside the configured ones.
	Handlers []handler.Handler
}

// Orchestrator owns one instance of every pipeline component and wires
// them together: gate, normalizer, store, router and delivery.
type Orchestrator struct {
	cfg         *config.Config
	logger      logger.Logger
	gate        *ingress.Gate
	normalizer  *normalizer.Normalizer
	store       *store.Store
	router      *router.Router
	coordinator *delivery.Coordinator
	handlers    *handler.Registry
	routes      management.Service
	changes     *management.ChangeHandler
	limiter     *ratelimit.Store
	health      *health.CheckerRegistry
	instanceID  string
	now         func() time.Time

	stats ingressStats
}

// Build assembles the pipeline from cfg and loads the route table.
func Build(ctx context.Context, cfg *config.Config, deps Dependencies, log logger.Logger) (*Orchestrator, error) {
	if log == nil {
		log = logger.NopLogger()
	}

	gate, err := ingress.NewGate(cfg.Ingress)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingress gate: %w", err)
	}

	registry := handler.NewRegistry()
	if err := handlers.RegisterAll(registry, cfg.Handlers, deps.Producer, log); err != nil {
		return nil, fmt.Errorf("failed to build handlers: %w", err)
	}
	for _, h := range deps.Handlers {
		if err := registry.Register(h); err != nil {
			return nil, fmt.Errorf("failed to register handler %s: %w", h.ID(), err)
		}
	}

	var cache redis.Cmdable
	if deps.Redis != nil {
		cache = deps.Redis
	}
	var normOpts []normalizer.Option
	for _, e := range normalizer.DefaultEnrichers(cfg.Normalizer.Enrichment, cache) {
		normOpts = append(normOpts, normalizer.WithEnricher(e))
	}
	norm := normalizer.New(cfg.Normalizer, log.Named("normalizer"), normOpts...)

	storeOpts := []store.Option{store.WithLogger(log.Named("store"))}
	if deps.Redis != nil {
		storeOpts = append(storeOpts, store.WithRedis(deps.Redis))
	}
	if deps.Mongo != nil {
		storeOpts = append(storeOpts, store.WithMongo(deps.Mongo))
	}
	st, err := store.New(cfg.Store, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	deliveryOpts := []delivery.Option{delivery.WithLogger(log.Named("delivery"))}
	if cfg.Delivery.IdempotencyBackend == "redis" && deps.Redis != nil {
		deliveryOpts = append(deliveryOpts, delivery.WithIdempotencyStore(
			delivery.NewRedisIdempotency(deps.Redis, cfg.Delivery.DedupWindow)))
	}
	if deps.Producer != nil {
		deliveryOpts = append(deliveryOpts, delivery.WithDeadLetterSink(
			delivery.NewBrokerDeadLetterSink(deps.Producer, cfg.Broker.Kafka.DLQTopic)))
	}
	coordinator := delivery.NewCoordinator(cfg.Delivery, deliveryOpts...)

	rt, err := router.New(cfg.Router, log.Named("router"), router.WithDecorator(func(r router.Route) handler.Handler {
		return delivery.Guaranteed(coordinator, r.Handler, delivery.Options{
			Mode:    delivery.Mode(r.DeliveryMode),
			RouteID: r.ID,
		})
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	instanceID := uuid.NewString()
	baseline := make([]router.Definition, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		baseline = append(baseline, router.DefinitionFromConfig(rc))
	}
	svcOpts := []management.ServiceOption{
		management.WithBaseline(baseline),
		management.WithLogger(log.Named("management")),
	}
	if deps.Postgres != nil {
		svcOpts = append(svcOpts,
			management.WithRepository(management.NewRepository(deps.Postgres)),
			management.WithVersioning(management.NewVersionRepository(deps.Postgres)),
		)
	}
	if cfg.Broker.KafkaEnabled() && deps.Producer != nil {
		svcOpts = append(svcOpts, management.WithNotifier(
			management.NewBrokerNotifier(deps.Producer, cfg.Broker.Kafka.RouteUpdateTopic, instanceID)))
	}
	routes := management.NewService(rt, registry, svcOpts...)
	if err := routes.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	o := &Orchestrator{
		cfg:         cfg,
		logger:      log,
		gate:        gate,
		normalizer:  norm,
		store:       st,
		router:      rt,
		coordinator: coordinator,
		handlers:    registry,
		routes:      routes,
		changes:     management.NewChangeHandler(routes, instanceID, log.Named("management")),
		health:      health.NewCheckerRegistry(),
		instanceID:  instanceID,
		now:         time.Now,
	}
	if cfg.Ingress.RateLimit.Enabled {
		o.limiter = ratelimit.NewStore(ratelimit.RateLimitConfig{
			RPS:             cfg.Ingress.RateLimit.RPS,
			Burst:           cfg.Ingress.RateLimit.Burst,
			CleanupInterval: time.Duration(cfg.Ingress.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(cfg.Ingress.RateLimit.MaxAge) * time.Second,
		})
	}

	coordinator.Observe(delivery.ObserverFunc(o.recordJob))
	o.registerHealthChecks()
	return o, nil
}

func (o *Orchestrator) Router() *router.Router                  { return o.router }
func (o *Orchestrator) Store() *store.Store                     { return o.store }
func (o *Orchestrator) Coordinator() *delivery.Coordinator      { return o.coordinator }
func (o *Orchestrator) Handlers() *handler.Registry             { return o.handlers }
func (o *Orchestrator) Routes() management.Service              { return o.routes }
func (o *Orchestrator) Health() *health.CheckerRegistry         { return o.health }
func (o *Orchestrator) RouteChanges() *management.ChangeHandler { return o.changes }

// Run starts the background loops: delivery workers, store retention and
// rate limiter eviction. It returns when ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.coordinator.Run(gCtx) })
	g.Go(func() error { return o.store.Run(gCtx) })
	if o.limiter != nil {
		g.Go(func() error {
			o.limiter.Run(gCtx)
			return nil
		})
	}
	return g.Wait()
}

// IngestRequest is one inbound webhook call.
type IngestRequest struct {
	Body          []byte
	Headers       http.Header
	RemoteIP      string
	CorrelationID string
	ReceivedAt    time.Time
}

// IngestResult is returned for an accepted payload.
type IngestResult struct {
	EventID       string               `json:"eventId"`
	RoutingResult router.RoutingResult `json:"routingResult"`
}

// Ingest runs a payload through the whole pipeline: verify, normalize,
// store, then route. The event is never stored or routed when an earlier
// stage rejects it. When ctx ends during routing both the partial result
// and ctx's error are returned.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.ingest")
	defer span.End()

	if err := o.gate.Verify(ingress.Request{
		Body:     req.Body,
		Headers:  req.Headers,
		RemoteIP: req.RemoteIP,
	}); err != nil {
		return nil, err
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = o.now()
	}
	ev, err := o.normalizer.Normalize(ctx, req.Body, normalizer.RequestMetadata{
		ReceivedAt:    receivedAt,
		RemoteIP:      req.RemoteIP,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	ctx = logging.WithEventID(ctx, ev.ID)
	if ev.Metadata.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, ev.Metadata.CorrelationID)
	}

	if _, err := o.store.Save(ctx, ev); err != nil {
		o.logger.ErrorwCtx(ctx, "Failed to store event", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := o.router.Route(ctx, ev)
	o.recordRouting(context.WithoutCancel(ctx), result)

	// The event is stored but routing ran out of time. The caller gets the
	// partial result together with the deadline error.
	if err := ctx.Err(); err != nil {
		o.logger.WarnwCtx(context.WithoutCancel(ctx), "Routing interrupted by request deadline",
			"routes", len(result.ExecutedRoutes),
			"error", err,
		)
		return &IngestResult{EventID: ev.ID, RoutingResult: result}, err
	}

	o.logger.InfowCtx(ctx, "Event accepted",
		"entity_type", ev.EntityType,
		"action", ev.Action,
		"matched", result.Matched,
		"routes", len(result.ExecutedRoutes),
	)
	return &IngestResult{EventID: ev.ID, RoutingResult: result}, nil
}

// recordRouting attaches inline route outcomes to the stored event. Routes
// that only enqueued a delivery job are recorded as queued; their final
// outcome arrives through recordJob.
func (o *Orchestrator) recordRouting(ctx context.Context, result router.RoutingResult) {
	for _, ex := range result.ExecutedRoutes {
		if ex.Skipped {
			continue
		}
		pr := store.ProcessingResult{
			HandlerID:  ex.HandlerID,
			RouteID:    ex.RouteID,
			Success:    ex.Success,
			Error:      ex.Error,
			DurationMs: ex.DurationMs,
			Status:     "completed",
		}
		if !ex.Success {
			pr.Status = "failed"
		}
		if job, ok := ex.Result.(map[string]string); ok && job["jobId"] != "" {
			pr.JobID = job["jobId"]
			pr.Status = string(delivery.StatusQueued)
		}
		if err := o.store.MarkProcessed(ctx, result.EventID, pr); err != nil {
			o.logger.WarnwCtx(ctx, "Failed to record route outcome",
				"route_id", ex.RouteID,
				"error", err,
			)
		}
	}
}

// recordJob stores the final outcome of a delivery job on its event.
func (o *Orchestrator) recordJob(ctx context.Context, je delivery.JobEvent) {
	if je.Status != delivery.StatusCompleted && je.Status != delivery.StatusDeadLettered {
		return
	}
	job := je.Job
	pr := store.ProcessingResult{
		HandlerID: job.HandlerID,
		RouteID:   job.RouteID,
		JobID:     job.ID,
		Status:    string(je.Status),
		Success:   je.Status == delivery.StatusCompleted,
		Error:     job.Error,
	}
	if job.ProcessedAt != nil && job.CompletedAt != nil {
		pr.DurationMs = float64(job.CompletedAt.Sub(*job.ProcessedAt).Microseconds()) / 1000
	}
	if err := o.store.MarkProcessed(ctx, job.Event.ID, pr); err != nil {
		o.logger.WarnwCtx(ctx, "Failed to record delivery outcome",
			"job_id", job.ID,
			"event_id", job.Event.ID,
			"error", err,
		)
	}
}

func (o *Orchestrator) registerHealthChecks() {
	o.health.Register(health.NewCheckFunc("ingress", func(context.Context) error {
		if o.gate == nil || o.normalizer == nil {
			return fmt.Errorf("ingress is not initialized")
		}
		return nil
	}))
	o.health.Register(health.NewCheckFunc("delivery", func(context.Context) error {
		if o.coordinator == nil {
			return fmt.Errorf("delivery coordinator is not initialized")
		}
		if n := o.coordinator.Stats().DeadLettered; n > 0 {
			return health.Degraded("%d delivery jobs are dead-lettered", n)
		}
		return nil
	}))
	o.health.Register(health.NewCheckFunc("store", func(ctx context.Context) error {
		if o.store == nil {
			return fmt.Errorf("event store is not initialized")
		}
		return o.store.Ping(ctx)
	}))
}

// MetricsSnapshot is the JSON metrics surface.
type MetricsSnapshot struct {
	Ingress  IngressMetrics `json:"ingress"`
	Routing  router.Metrics `json:"routing"`
	Delivery delivery.Stats `json:"delivery"`
	Store    store.Stats    `json:"store"`
}

func (o *Orchestrator) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Ingress:  o.stats.snapshot(),
		Routing:  o.router.Metrics(),
		Delivery: o.coordinator.Stats(),
		Store:    o.store.Stats(),
	}
}

type IngressMetrics struct {
	Requests     int64   `json:"requests"`
	Succeeded    int64   `json:"succeeded"`
	Failed       int64   `json:"failed"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

type ingressStats struct {
	mu        sync.Mutex
	requests  int64
	succeeded int64
	failed    int64
	totalTime time.Duration
}

func (s *ingressStats) record(ok bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.totalTime += d
	if ok {
		s.succeeded++
	} else {
		s.failed++
	}
	metrics.ObserveIngress(d, ingressStatus(ok))
}

func (s *ingressStats) snapshot() IngressMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := IngressMetrics{
		Requests:  s.requests,
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
	if s.requests > 0 {
		m.AvgLatencyMs = float64(s.totalTime.Microseconds()) / 1000 / float64(s.requests)
	}
	return m
}

func ingressStatus(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}
