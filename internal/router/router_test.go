package router

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
	"hookrelay/internal/handler"
	"hookrelay/internal/logger"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

func newTestRouter(t *testing.T, cfg config.RouterConfig, opts ...Option) *Router {
	t.Helper()
	r, err := New(cfg, logger.NopLogger(), opts...)
	require.NoError(t, err)
	return r
}

func ticketEvent(id string, action models.Action, status string) *models.Event {
	return models.NewEventBuilder().
		WithID(id).
		WithEntity("Ticket", "T-1").
		WithTypeAndAction(models.EventTypeEntityUpdated, action).
		WithData(models.Document{"status": status, "priority": 3}).
		Build()
}

func countingHandler(id string, calls *atomic.Int32) handler.Handler {
	return handler.NewFunc(id, 0, func(_ context.Context, _ models.Event) (any, error) {
		calls.Add(1)
		return "ok", nil
	})
}

func TestRouteFilterMatching(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{})

	var calls atomic.Int32
	require.NoError(t, r.AddRoute(Route{
		ID:      "open-tickets",
		Name:    "Open ticket updates",
		Enabled: true,
		Handler: countingHandler("notify", &calls),
		Filter: Filter{
			EntityTypes: []string{"ticket"},
			Actions:     []models.Action{models.ActionUpdate},
			Conditions: []Condition{
				{Field: "data.status", Operator: OpEquals, Value: "open"},
				{Field: "data.priority", Operator: OpIn, Value: []any{2.0, 3.0}},
			},
		},
	}))

	tests := []struct {
		name    string
		event   *models.Event
		matched bool
	}{
		{name: "matching update", event: ticketEvent("e1", models.ActionUpdate, "open"), matched: true},
		{name: "other status", event: ticketEvent("e2", models.ActionUpdate, "closed"), matched: false},
		{name: "other action", event: ticketEvent("e3", models.ActionDelete, "open"), matched: false},
		{
			name: "other entity type",
			event: models.NewEventBuilder().
				WithID("e4").
				WithEntity("Asset", "A-1").
				WithTypeAndAction(models.EventTypeEntityUpdated, models.ActionUpdate).
				WithData(models.Document{"status": "open", "priority": 3}).
				Build(),
			matched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Route(context.Background(), tt.event)
			assert.Equal(t, tt.matched, result.Matched)
			assert.Equal(t, tt.event.ID, result.EventID)
			if tt.matched {
				require.Len(t, result.ExecutedRoutes, 1)
				assert.True(t, result.ExecutedRoutes[0].Success)
				assert.Equal(t, "notify", result.ExecutedRoutes[0].HandlerID)
			} else {
				assert.Empty(t, result.ExecutedRoutes)
			}
		})
	}
	assert.Equal(t, int32(1), calls.Load())

	m := r.Metrics()
	assert.Equal(t, int64(4), m.TotalRoutings)
	assert.Equal(t, int64(1), m.MatchedRoutings)
	assert.Equal(t, int64(3), m.UnmatchedRoutings)
}

func TestRouteExpressionAndPredicate(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{})

	var exprCalls, predCalls atomic.Int32
	require.NoError(t, r.AddRoute(Route{
		ID:      "expr",
		Name:    "Expression",
		Enabled: true,
		Handler: countingHandler("expr-handler", &exprCalls),
		Filter:  Filter{Expression: `eventType == "entity.updated" && entityType == "Ticket" && data.status == "open"`},
	}))
	require.NoError(t, r.AddRoute(Route{
		ID:      "pred",
		Name:    "Predicate",
		Enabled: true,
		Handler: countingHandler("pred-handler", &predCalls),
		Filter: Filter{Predicate: func(ev *models.Event) bool {
			return ev.Action == models.ActionDelete
		}},
	}))

	r.Route(context.Background(), ticketEvent("e1", models.ActionUpdate, "open"))
	r.Route(context.Background(), ticketEvent("e2", models.ActionDelete, "closed"))

	assert.Equal(t, int32(1), exprCalls.Load())
	assert.Equal(t, int32(1), predCalls.Load())
}

func TestDisabledRouteIsIgnored(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{})

	var calls atomic.Int32
	require.NoError(t, r.AddRoute(Route{
		ID:      "off",
		Name:    "Disabled",
		Handler: countingHandler("h", &calls),
		Filter:  Filter{EntityTypes: []string{"Ticket"}},
	}))

	result := r.Route(context.Background(), ticketEvent("e1", models.ActionUpdate, "open"))
	assert.False(t, result.Matched)
	assert.Zero(t, calls.Load())
}

func TestPriorityDeterminesStartOrder(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{MaxConcurrency: 1})

	var mu sync.Mutex
	var order []string
	record := func(id string) handler.Handler {
		return handler.NewFunc(id, 0, func(_ context.Context, _ models.Event) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		})
	}

	for _, rc := range []struct {
		id       string
		priority int
	}{
		{"low", 1},
		{"high", 10},
		{"mid-first", 5},
		{"mid-second", 5},
	} {
		require.NoError(t, r.AddRoute(Route{
			ID:       rc.id,
			Name:     rc.id,
			Priority: rc.priority,
			Enabled:  true,
			Handler:  record(rc.id),
			Filter:   Filter{EntityTypes: []string{"Ticket"}},
		}))
	}

	result := r.Route(context.Background(), ticketEvent("e1", models.ActionUpdate, "open"))
	require.Len(t, result.ExecutedRoutes, 4)
	assert.Equal(t, []string{"high", "mid-first", "mid-second", "low"}, order)

	ids := make([]string, 0, len(result.ExecutedRoutes))
	for _, ex := range result.ExecutedRoutes {
		ids = append(ids, ex.RouteID)
	}
	assert.Equal(t, order, ids)

	listed := r.ListRoutes()
	require.Len(t, listed, 4)
	assert.Equal(t, "high", listed[0].ID)
	assert.Equal(t, "low", listed[3].ID)
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{MaxConcurrency: 4})

	var okCalls atomic.Int32
	routes := []Route{
		{
			ID: "fails", Name: "fails", Priority: 3, Enabled: true,
			Handler: handler.NewFunc("fails", 0, func(context.Context, models.Event) (any, error) {
				return nil, fmt.Errorf("downstream refused")
			}),
			Filter: Filter{EntityTypes: []string{"Ticket"}},
		},
		{
			ID: "panics", Name: "panics", Priority: 2, Enabled: true,
			Handler: handler.NewFunc("panics", 0, func(context.Context, models.Event) (any, error) {
				panic("boom")
			}),
			Filter: Filter{EntityTypes: []string{"Ticket"}},
		},
		{
			ID: "works", Name: "works", Priority: 1, Enabled: true,
			Handler: countingHandler("works", &okCalls),
			Filter:  Filter{EntityTypes: []string{"Ticket"}},
		},
	}
	for _, route := range routes {
		require.NoError(t, r.AddRoute(route))
	}

	result := r.Route(context.Background(), ticketEvent("e1", models.ActionUpdate, "open"))
	require.Len(t, result.ExecutedRoutes, 3)
	assert.False(t, result.ExecutedRoutes[0].Success)
	assert.Contains(t, result.ExecutedRoutes[0].Error, "downstream refused")
	assert.False(t, result.ExecutedRoutes[1].Success)
	assert.NotEmpty(t, result.ExecutedRoutes[1].Error)
	assert.True(t, result.ExecutedRoutes[2].Success)
	assert.True(t, result.Failed())
	assert.Equal(t, int32(1), okCalls.Load())

	rm, err := r.RouteMetrics("fails")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rm.Failures)
	require.Len(t, rm.RecentErrors, 1)
	assert.Equal(t, "e1", rm.RecentErrors[0].EventID)

	assert.Equal(t, int64(1), r.Metrics().FailedRoutings)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{
		Breaker: config.BreakerConfig{FailureThreshold: 2, Cooldown: 50 * time.Millisecond},
	})

	var failing atomic.Bool
	failing.Store(true)
	var calls atomic.Int32
	require.NoError(t, r.AddRoute(Route{
		ID: "flaky", Name: "flaky", Enabled: true,
		Handler: handler.NewFunc("flaky", 0, func(context.Context, models.Event) (any, error) {
			calls.Add(1)
			if failing.Load() {
				return nil, fmt.Errorf("unavailable")
			}
			return "ok", nil
		}),
		Filter: Filter{EntityTypes: []string{"Ticket"}},
	}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result := r.Route(ctx, ticketEvent(fmt.Sprintf("f%d", i), models.ActionUpdate, "open"))
		require.Len(t, result.ExecutedRoutes, 1)
		assert.False(t, result.ExecutedRoutes[0].Success)
	}

	snap, err := r.BreakerState("flaky")
	require.NoError(t, err)
	assert.Equal(t, "open", snap.State)
	assert.NotNil(t, snap.NextAttemptAt)

	result := r.Route(ctx, ticketEvent("while-open", models.ActionUpdate, "open"))
	assert.False(t, result.Matched)
	assert.Equal(t, int32(2), calls.Load())

	time.Sleep(80 * time.Millisecond)
	failing.Store(false)

	result = r.Route(ctx, ticketEvent("trial", models.ActionUpdate, "open"))
	require.Len(t, result.ExecutedRoutes, 1)
	assert.True(t, result.ExecutedRoutes[0].Success)

	snap, err = r.BreakerState("flaky")
	require.NoError(t, err)
	assert.Equal(t, "closed", snap.State)

	rm, err := r.RouteMetrics("flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rm.Excluded)
	assert.Equal(t, int64(3), rm.Executions)
}

func TestTimeoutReleasesSlot(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{MaxConcurrency: 1, HandlerTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)

	var fastCalls atomic.Int32
	require.NoError(t, r.AddRoute(Route{
		ID: "slow", Name: "slow", Priority: 10, Enabled: true,
		Handler: handler.NewFunc("slow", 0, func(context.Context, models.Event) (any, error) {
			<-release
			return nil, nil
		}),
		Filter: Filter{EntityTypes: []string{"Ticket"}},
	}))
	require.NoError(t, r.AddRoute(Route{
		ID: "fast", Name: "fast", Priority: 1, Enabled: true,
		Handler: countingHandler("fast", &fastCalls),
		Filter:  Filter{EntityTypes: []string{"Ticket"}},
	}))

	start := time.Now()
	result := r.Route(context.Background(), ticketEvent("e1", models.ActionUpdate, "open"))
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, result.ExecutedRoutes, 2)
	assert.False(t, result.ExecutedRoutes[0].Success)
	assert.Contains(t, result.ExecutedRoutes[0].Error, "TIMEOUT")
	assert.True(t, result.ExecutedRoutes[1].Success)
	assert.Equal(t, int32(1), fastCalls.Load())
}

func TestGuaranteedRoutesUseDecorator(t *testing.T) {
	var wrapped atomic.Int32
	r := newTestRouter(t, config.RouterConfig{}, WithDecorator(func(route Route) handler.Handler {
		return handler.NewFunc(route.Handler.ID(), 0, func(context.Context, models.Event) (any, error) {
			wrapped.Add(1)
			return "queued", nil
		})
	}))

	var direct atomic.Int32
	require.NoError(t, r.AddRoute(Route{
		ID: "g", Name: "guaranteed", Enabled: true, Guaranteed: true,
		Handler: countingHandler("h", &direct),
		Filter:  Filter{EntityTypes: []string{"Ticket"}},
	}))

	result := r.Route(context.Background(), ticketEvent("e1", models.ActionUpdate, "open"))
	require.Len(t, result.ExecutedRoutes, 1)
	assert.Equal(t, "queued", result.ExecutedRoutes[0].Result)
	assert.Equal(t, int32(1), wrapped.Load())
	assert.Zero(t, direct.Load())
}

func TestRouteTableMutations(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{})
	var calls atomic.Int32
	h := countingHandler("h", &calls)

	base := Route{ID: "r1", Name: "one", Enabled: true, Handler: h, Filter: Filter{EntityTypes: []string{"Ticket"}}}
	require.NoError(t, r.AddRoute(base))

	err := r.AddRoute(base)
	assert.True(t, errors.IsConflict(err))

	err = r.AddRoute(Route{ID: "empty", Name: "empty", Handler: h})
	assert.True(t, errors.IsValidation(err))

	err = r.AddRoute(Route{ID: "bad-op", Name: "bad", Handler: h, Filter: Filter{
		Conditions: []Condition{{Field: "data.x", Operator: "matches"}},
	}})
	assert.True(t, errors.IsValidation(err))

	err = r.AddRoute(Route{ID: "bad-expr", Name: "bad", Handler: h, Filter: Filter{Expression: "data.status =="}})
	assert.True(t, errors.IsValidation(err))

	err = r.AddRoute(Route{ID: "neg", Name: "neg", Priority: -1, Handler: h, Filter: Filter{EntityTypes: []string{"Ticket"}}})
	assert.True(t, errors.IsValidation(err))

	updated := base
	updated.Priority = 7
	require.NoError(t, r.UpdateRoute(updated))
	got, err := r.GetRoute("r1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Priority)

	err = r.UpdateRoute(Route{ID: "missing", Name: "m", Handler: h, Filter: Filter{EntityTypes: []string{"Ticket"}}})
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, r.RemoveRoute("r1"))
	assert.True(t, errors.IsNotFound(r.RemoveRoute("r1")))
	_, err = r.GetRoute("r1")
	assert.True(t, errors.IsNotFound(err))
	_, err = r.BreakerState("r1")
	assert.True(t, errors.IsNotFound(err))
}

func TestReplaceAllIsAtomic(t *testing.T) {
	r := newTestRouter(t, config.RouterConfig{})
	var calls atomic.Int32
	h := countingHandler("h", &calls)

	require.NoError(t, r.AddRoute(Route{ID: "keep", Name: "keep", Enabled: true, Handler: h, Filter: Filter{EntityTypes: []string{"Ticket"}}}))
	r.Route(context.Background(), ticketEvent("e1", models.ActionUpdate, "open"))

	err := r.ReplaceAll([]Route{
		{ID: "keep", Name: "keep", Enabled: true, Handler: h, Filter: Filter{EntityTypes: []string{"Ticket"}}},
		{ID: "broken", Name: "broken", Handler: h},
	})
	require.Error(t, err)
	assert.Len(t, r.ListRoutes(), 1)

	require.NoError(t, r.ReplaceAll([]Route{
		{ID: "keep", Name: "keep", Priority: 2, Enabled: true, Handler: h, Filter: Filter{EntityTypes: []string{"Ticket"}}},
		{ID: "new", Name: "new", Enabled: true, Handler: h, Filter: Filter{Actions: []models.Action{models.ActionCreate}}},
	}))
	assert.Len(t, r.ListRoutes(), 2)

	rm, err := r.RouteMetrics("keep")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rm.Executions)
}

func TestDefinitionRoundTrip(t *testing.T) {
	reg := handler.NewRegistry()
	var calls atomic.Int32
	require.NoError(t, reg.Register(countingHandler("audit-log", &calls)))

	def := DefinitionFromConfig(config.RouteConfig{
		ID:       "audit",
		Name:     "Audit",
		Priority: 4,
		Handler:  "audit-log",
		Filter: config.FilterConfig{
			EntityTypes: []string{"Ticket"},
			Actions:     []string{"update"},
			Conditions:  []config.ConditionConfig{{Field: "data.status", Operator: "exists"}},
		},
	})
	route, err := def.Resolve(reg)
	require.NoError(t, err)
	assert.True(t, route.Enabled)
	assert.Equal(t, models.ActionUpdate, route.Filter.Actions[0])

	back := DefinitionOf(route)
	assert.Equal(t, "audit-log", back.HandlerID)
	assert.Equal(t, def.Filter.Conditions, back.Filter.Conditions)

	def.HandlerID = "missing"
	_, err = def.Resolve(reg)
	assert.True(t, errors.IsValidation(err))
}
