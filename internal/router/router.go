package router

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hookrelay/internal/config"
	"hookrelay/internal/handler"
	"hookrelay/internal/logger"
	"hookrelay/pkg/cel"
	"hookrelay/pkg/circuitbreaker"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/models"
	"hookrelay/pkg/tracing"
)

// RouteExecution is the outcome of one matched route for one event.
type RouteExecution struct {
	RouteID    string  `json:"routeId"`
	RouteName  string  `json:"routeName"`
	HandlerID  string  `json:"handlerId"`
	Success    bool    `json:"success"`
	Skipped    bool    `json:"skipped,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"durationMs"`
	Result     any     `json:"-"`
}

// RoutingResult lists executions in the order the routes were started.
type RoutingResult struct {
	EventID        string           `json:"eventId"`
	Matched        bool             `json:"matched"`
	ExecutedRoutes []RouteExecution `json:"executedRoutes"`
	TotalTime      time.Duration    `json:"-"`
	TotalTimeMs    float64          `json:"totalTimeMs"`
}

// Failed reports whether any executed route returned an error.
func (r RoutingResult) Failed() bool {
	for _, ex := range r.ExecutedRoutes {
		if !ex.Success && !ex.Skipped {
			return true
		}
	}
	return false
}

// Decorator wraps the handler of a route before the router calls it.
type Decorator func(Route) handler.Handler

type entry struct {
	route   Route
	exec    handler.Handler
	program *cel.Program
	breaker *circuitbreaker.Wrapper
	stats   *routeStats
	seq     uint64
}

type Router struct {
	cfg       config.RouterConfig
	logger    logger.Logger
	evaluator *cel.Evaluator
	decorate  Decorator
	sem       *semaphore.Weighted

	mu      sync.RWMutex
	entries map[string]*entry
	ordered []*entry
	nextSeq uint64

	totals routerTotals
}

type Option func(*Router)

// WithDecorator installs the wrapper applied to guaranteed routes.
func WithDecorator(d Decorator) Option {
	return func(r *Router) {
		r.decorate = d
	}
}

func New(cfg config.RouterConfig, log logger.Logger, opts ...Option) (*Router, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.RecentErrors <= 0 {
		cfg.RecentErrors = 10
	}
	if log == nil {
		log = logger.NopLogger()
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	r := &Router{
		cfg:       cfg,
		logger:    log,
		evaluator: evaluator,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Router) compile(route Route) (*cel.Program, error) {
	if err := route.validate(); err != nil {
		return nil, err
	}
	if route.Filter.Expression == "" {
		return nil, nil
	}
	program, err := r.evaluator.Compile(route.Filter.Expression)
	if err != nil {
		return nil, errors.ErrValidation.
			WithDetail("message", "invalid filter expression: "+err.Error()).
			WithDetail("route_id", route.ID)
	}
	return program, nil
}

// Validate runs the checks AddRoute would run without touching the table.
func (r *Router) Validate(route Route) error {
	_, err := r.compile(route)
	return err
}

func (r *Router) executor(route Route) handler.Handler {
	if route.Guaranteed && r.decorate != nil {
		return r.decorate(route)
	}
	return route.Handler
}

func (r *Router) newEntry(route Route, program *cel.Program) *entry {
	r.nextSeq++
	return &entry{
		route:   route,
		exec:    r.executor(route),
		program: program,
		breaker: circuitbreaker.NewWrapper(circuitbreaker.ConsecutiveConfig(
			"route:"+route.ID, r.cfg.Breaker.FailureThreshold, r.cfg.Breaker.Cooldown)),
		stats: newRouteStats(r.cfg.RecentErrors),
		seq:   r.nextSeq,
	}
}

// reorder must be called with mu held.
func (r *Router) reorder() {
	ordered := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	slices.SortFunc(ordered, func(a, b *entry) int {
		if c := cmp.Compare(b.route.Priority, a.route.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	r.ordered = ordered
	metrics.SetActiveRoutes(len(ordered))
}

// AddRoute registers a new route. Ids are unique.
func (r *Router) AddRoute(route Route) error {
	program, err := r.compile(route)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[route.ID]; exists {
		return errors.ErrConflict.
			WithDetail("message", fmt.Sprintf("route %q already exists", route.ID)).
			WithDetail("route_id", route.ID)
	}
	r.entries[route.ID] = r.newEntry(route, program)
	r.reorder()

	r.logger.Infow("Route added",
		"route_id", route.ID,
		"priority", route.Priority,
		"handler", route.Handler.ID(),
	)
	return nil
}

// UpdateRoute replaces an existing route in place. Counters and insertion
// order survive; the breaker is reset when the handler changes.
func (r *Router) UpdateRoute(route Route) error {
	program, err := r.compile(route)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[route.ID]
	if !ok {
		return errors.ErrNotFound.
			WithDetail("message", fmt.Sprintf("route %q not found", route.ID)).
			WithDetail("route_id", route.ID)
	}
	r.entries[route.ID] = r.replaceEntry(current, route, program)
	r.reorder()

	r.logger.Infow("Route updated", "route_id", route.ID, "priority", route.Priority)
	return nil
}

func (r *Router) replaceEntry(current *entry, route Route, program *cel.Program) *entry {
	next := &entry{
		route:   route,
		exec:    r.executor(route),
		program: program,
		breaker: current.breaker,
		stats:   current.stats,
		seq:     current.seq,
	}
	if current.route.Handler.ID() != route.Handler.ID() {
		next.breaker = circuitbreaker.NewWrapper(circuitbreaker.ConsecutiveConfig(
			"route:"+route.ID, r.cfg.Breaker.FailureThreshold, r.cfg.Breaker.Cooldown))
	}
	return next
}

func (r *Router) RemoveRoute(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return errors.ErrNotFound.
			WithDetail("message", fmt.Sprintf("route %q not found", id)).
			WithDetail("route_id", id)
	}
	delete(r.entries, id)
	r.reorder()

	r.logger.Infow("Route removed", "route_id", id)
	return nil
}

// ReplaceAll swaps the whole route table. Nothing changes unless every route
// is valid. Routes whose id already exists keep their counters.
func (r *Router) ReplaceAll(routes []Route) error {
	programs := make([]*cel.Program, len(routes))
	seen := make(map[string]bool, len(routes))
	for i, route := range routes {
		program, err := r.compile(route)
		if err != nil {
			return err
		}
		if seen[route.ID] {
			return errors.ErrConflict.
				WithDetail("message", fmt.Sprintf("route %q listed twice", route.ID)).
				WithDetail("route_id", route.ID)
		}
		seen[route.ID] = true
		programs[i] = program
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*entry, len(routes))
	for i, route := range routes {
		if current, ok := r.entries[route.ID]; ok {
			next[route.ID] = r.replaceEntry(current, route, programs[i])
			continue
		}
		next[route.ID] = r.newEntry(route, programs[i])
	}
	r.entries = next
	r.reorder()

	r.logger.Infow("Route table replaced", "routes", len(routes))
	return nil
}

func (r *Router) GetRoute(id string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Route{}, errors.ErrNotFound.
			WithDetail("message", fmt.Sprintf("route %q not found", id)).
			WithDetail("route_id", id)
	}
	return e.route, nil
}

// ListRoutes returns routes in evaluation order.
func (r *Router) ListRoutes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.ordered))
	for i, e := range r.ordered {
		out[i] = e.route
	}
	return out
}

func (r *Router) BreakerState(id string) (circuitbreaker.Snapshot, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return circuitbreaker.Snapshot{}, errors.ErrNotFound.
			WithDetail("message", fmt.Sprintf("route %q not found", id)).
			WithDetail("route_id", id)
	}
	return e.breaker.Snapshot(), nil
}

func (r *Router) RouteMetrics(id string) (RouteMetrics, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return RouteMetrics{}, errors.ErrNotFound.
			WithDetail("message", fmt.Sprintf("route %q not found", id)).
			WithDetail("route_id", id)
	}
	return e.metrics(), nil
}

func (e *entry) metrics() RouteMetrics {
	m := e.stats.snapshot(e.route.ID, e.route.Name)
	snap := e.breaker.Snapshot()
	m.BreakerState = snap.State
	m.BreakerFailures = snap.FailureCount
	return m
}

func (r *Router) Metrics() Metrics {
	r.mu.RLock()
	ordered := r.ordered
	r.mu.RUnlock()

	r.totals.mu.Lock()
	m := Metrics{
		TotalRoutings:     r.totals.total,
		MatchedRoutings:   r.totals.matched,
		UnmatchedRoutings: r.totals.unmatched,
		FailedRoutings:    r.totals.failed,
		ActiveRoutes:      len(ordered),
	}
	if r.totals.total > 0 {
		m.AvgRoutingMs = float64(r.totals.totalTime.Microseconds()) / 1000 / float64(r.totals.total)
	}
	r.totals.mu.Unlock()

	m.Routes = make([]RouteMetrics, 0, len(ordered))
	for _, e := range ordered {
		m.Routes = append(m.Routes, e.metrics())
	}
	return m
}

// Route runs ev through every enabled route whose breaker is not open and
// whose filter matches. Handlers start in priority order and run
// concurrently up to the configured cap; Route returns once all of them
// have finished or timed out.
func (r *Router) Route(ctx context.Context, ev *models.Event) RoutingResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "router.route", "event.id", ev.ID, "event.entity_type", ev.EntityType)
	defer span.End()

	r.mu.RLock()
	candidates := r.ordered
	r.mu.RUnlock()

	var doc models.Document
	document := func() models.Document {
		if doc == nil {
			doc = ev.Document()
		}
		return doc
	}

	matched := make([]*entry, 0, len(candidates))
	for _, e := range candidates {
		if !e.route.Enabled {
			continue
		}
		if e.breaker.IsOpen() {
			e.stats.recordExcluded()
			continue
		}
		if !r.matches(ctx, e, ev, document) {
			continue
		}
		e.stats.recordMatch()
		matched = append(matched, e)
	}

	result := RoutingResult{
		EventID:        ev.ID,
		Matched:        len(matched) > 0,
		ExecutedRoutes: make([]RouteExecution, len(matched)),
	}

	var wg sync.WaitGroup
	for i, e := range matched {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			result.ExecutedRoutes[i] = RouteExecution{
				RouteID:   e.route.ID,
				RouteName: e.route.Name,
				HandlerID: e.route.Handler.ID(),
				Error:     err.Error(),
			}
			continue
		}
		wg.Add(1)
		go func(i int, e *entry) {
			defer wg.Done()
			result.ExecutedRoutes[i] = r.execute(ctx, e, *ev)
		}(i, e)
	}
	wg.Wait()

	result.TotalTime = time.Since(start)
	result.TotalTimeMs = float64(result.TotalTime.Microseconds()) / 1000
	failed := result.Failed()
	r.totals.record(result.Matched, failed, result.TotalTime)

	switch {
	case !result.Matched:
		metrics.IncRouting("unmatched")
	case failed:
		metrics.IncRouting("failed")
	default:
		metrics.IncRouting("matched")
	}

	r.logger.DebugwCtx(ctx, "Event routed",
		"event_id", ev.ID,
		"matched_routes", len(matched),
		"failed", failed,
		"duration_ms", result.TotalTimeMs,
	)
	return result
}

func (r *Router) matches(ctx context.Context, e *entry, ev *models.Event, doc func() models.Document) bool {
	if !e.route.Filter.matchStatic(ev, doc) {
		return false
	}
	if e.program != nil {
		ok, err := r.evaluator.Evaluate(ctx, e.program, ev)
		if err != nil {
			r.logger.DebugwCtx(ctx, "Filter expression did not evaluate",
				"route_id", e.route.ID,
				"error", err,
			)
			return false
		}
		if !ok {
			return false
		}
	}
	if e.route.Filter.Predicate != nil {
		ok, err := errors.SafeCallResult(func() (bool, error) {
			return e.route.Filter.Predicate(ev), nil
		})
		if err != nil {
			r.logger.WarnwCtx(ctx, "Route predicate panicked", "route_id", e.route.ID, "error", err)
			return false
		}
		return ok
	}
	return true
}

// execute owns one semaphore slot and releases it when the handler returns
// or times out.
func (r *Router) execute(ctx context.Context, e *entry, ev models.Event) RouteExecution {
	defer r.sem.Release(1)

	start := time.Now()
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return handler.Invoke(ctx, e.exec, ev, r.cfg.HandlerTimeout)
	})
	duration := time.Since(start)

	exec := RouteExecution{
		RouteID:    e.route.ID,
		RouteName:  e.route.Name,
		HandlerID:  e.route.Handler.ID(),
		DurationMs: float64(duration.Microseconds()) / 1000,
		Result:     out,
	}

	switch {
	case err == nil:
		exec.Success = true
		e.stats.recordExecution(start, duration, ev.ID, nil)
		metrics.ObserveRouteExecution(e.route.ID, "success", duration)
	case circuitbreaker.IsRejection(err):
		exec.Skipped = true
		exec.Error = err.Error()
		e.stats.recordSkipped()
		metrics.ObserveRouteExecution(e.route.ID, "skipped", duration)
	default:
		exec.Error = err.Error()
		e.stats.recordExecution(start, duration, ev.ID, err)
		metrics.ObserveRouteExecution(e.route.ID, "failure", duration)
		r.logger.WarnwCtx(ctx, "Route handler failed",
			"route_id", e.route.ID,
			"handler", exec.HandlerID,
			"event_id", ev.ID,
			"error", err,
		)
	}
	return exec
}
