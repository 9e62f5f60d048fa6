package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/config"
	"hookrelay/internal/delivery"
	"hookrelay/internal/handler"
	"hookrelay/internal/ingress"
	"hookrelay/internal/logger"
	"hookrelay/internal/store"
	"hookrelay/pkg/models"
)

const (
	testSecret = "whsec_test"
	sigHeader  = "X-Webhook-Signature"
	sigPrefix  = "sha256="
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	fail   atomic.Bool
}

func (r *recorder) handle(_ context.Context, ev models.Event) (any, error) {
	if r.fail.Load() {
		return nil, fmt.Errorf("upstream unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return "ok", nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second},
		Ingress: config.IngressConfig{
			Path:            "/webhooks",
			MaxPayloadBytes: 4096,
			Signature: config.SignatureConfig{
				Enabled:   true,
				Secret:    testSecret,
				Algorithm: "sha256",
				Header:    sigHeader,
				Prefix:    sigPrefix,
			},
		},
		Normalizer: config.NormalizerConfig{
			SourceSystem:  "psa",
			SourceVersion: "1.0",
			Environment:   "production",
			GenerateIDs:   true,
		},
		Router: config.RouterConfig{
			MaxConcurrency: 4,
			HandlerTimeout: time.Second,
			RecentErrors:   10,
			Breaker:        config.BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute},
		},
		Delivery: config.DeliveryConfig{
			Mode:           "at_least_once",
			HandlerTimeout: time.Second,
			Retry: config.DeliveryRetryConfig{
				MaxAttempts:       2,
				InitialDelay:      10 * time.Millisecond,
				BackoffMultiplier: 2,
				MaxDelay:          50 * time.Millisecond,
			},
			Workers:       config.WorkersConfig{Main: 1, Retry: 1, DeadLetter: 1},
			QueueCapacity: 16,
			DedupWindow:   time.Minute,
			DedupCapacity: 100,
			JobRetention:  time.Hour,
		},
		Store: config.StoreConfig{
			Persistence: "memory",
			Indexing:    true,
			MaxEventAge: time.Hour,
		},
		Routes: []config.RouteConfig{{
			ID:       "ticket-updates",
			Name:     "Ticket updates",
			Priority: 10,
			Handler:  "recorder",
			Filter: config.FilterConfig{
				EntityTypes: []string{"Ticket"},
				Actions:     []string{"update"},
			},
		}},
	}
}

type harness struct {
	o      *Orchestrator
	engine *gin.Engine
	rec    *recorder
}

func newHarness(t *testing.T, cfg *config.Config, extra ...handler.Handler) *harness {
	t.Helper()
	rec := &recorder{}
	o, err := Build(context.Background(), cfg, Dependencies{
		Handlers: append([]handler.Handler{handler.NewFunc("recorder", 1, rec.handle)}, extra...),
	}, logger.NopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{o: o, engine: o.NewEngine(), rec: rec}
}

func sign(t *testing.T, body string) string {
	t.Helper()
	sig, err := ingress.ComputeSignature([]byte(testSecret), "sha256", []byte(body))
	require.NoError(t, err)
	return sigPrefix + sig
}

func (h *harness) post(t *testing.T, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(sigHeader, signature)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *harness) postSigned(t *testing.T, body string) *httptest.ResponseRecorder {
	return h.post(t, body, sign(t, body))
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const ticketUpdate = `{"eventType":"update","entityType":"Ticket","entityId":"42","zoneId":"z1","entity":{"status":"Open"}}`

func TestIngestStoresAndRoutes(t *testing.T) {
	h := newHarness(t, testConfig())

	w := h.postSigned(t, ticketUpdate)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[IngestResponse](t, w)
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.EventID)
	require.NotNil(t, resp.RoutingResult)
	assert.True(t, resp.RoutingResult.Matched)
	require.Len(t, resp.RoutingResult.ExecutedRoutes, 1)
	assert.Equal(t, "ticket-updates", resp.RoutingResult.ExecutedRoutes[0].RouteID)
	assert.True(t, resp.RoutingResult.ExecutedRoutes[0].Success)

	assert.Equal(t, 1, h.rec.count(), "matching route runs exactly once")

	w = h.do(t, http.MethodGet, "/api/v1/events/"+resp.EventID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored := decode[store.StoredEvent](t, w)
	assert.Equal(t, "Ticket", stored.Event.EntityType)
	assert.Equal(t, models.ActionUpdate, stored.Event.Action)
	assert.Equal(t, "z1", stored.Event.Source.ZoneID)
	require.Len(t, stored.ProcessingResults, 1)
	assert.Equal(t, "ticket-updates", stored.ProcessingResults[0].RouteID)
	assert.Equal(t, "completed", stored.ProcessingResults[0].Status)
}

func TestIngestUnmatchedEventIsStored(t *testing.T) {
	h := newHarness(t, testConfig())

	body := `{"eventType":"create","entityType":"Ticket","entityId":"43"}`
	w := h.postSigned(t, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[IngestResponse](t, w)
	assert.False(t, resp.RoutingResult.Matched)
	assert.Empty(t, resp.RoutingResult.ExecutedRoutes)
	assert.Zero(t, h.rec.count())
	assert.Equal(t, 1, h.o.Store().Stats().Events)
}

func TestIngestRejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		signature func(t *testing.T, body string) string
		status    int
		codes     []string
	}{
		{
			name:      "missing signature",
			body:      ticketUpdate,
			signature: func(*testing.T, string) string { return "" },
			status:    http.StatusUnauthorized,
			codes:     []string{"INVALID_SIGNATURE"},
		},
		{
			name: "signature of a different payload",
			body: ticketUpdate,
			signature: func(t *testing.T, _ string) string {
				return sign(t, strings.Replace(ticketUpdate, "42", "43", 1))
			},
			status: http.StatusUnauthorized,
			codes:  []string{"INVALID_SIGNATURE"},
		},
		{
			name:      "malformed json",
			body:      `{"eventType":`,
			signature: sign,
			status:    http.StatusBadRequest,
			codes:     []string{"INVALID_JSON"},
		},
		{
			name:      "missing required fields",
			body:      `{"entityId":"42"}`,
			signature: sign,
			status:    http.StatusBadRequest,
			codes:     []string{"MISSING_FIELD", "MISSING_FIELD"},
		},
		{
			name:      "unknown entity type",
			body:      `{"eventType":"update","entityType":"Spaceship","entityId":"1"}`,
			signature: sign,
			status:    http.StatusBadRequest,
			codes:     []string{"UNKNOWN_ENTITY_TYPE"},
		},
		{
			name:      "oversized payload",
			body:      `{"eventType":"update","entityType":"Ticket","entityId":"1","entity":{"note":"` + strings.Repeat("x", 5000) + `"}}`,
			signature: sign,
			status:    http.StatusRequestEntityTooLarge,
			codes:     []string{"PAYLOAD_TOO_LARGE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())

			w := h.post(t, tt.body, tt.signature(t, tt.body))
			require.Equal(t, tt.status, w.Code, w.Body.String())

			resp := decode[IngestResponse](t, w)
			assert.False(t, resp.Success)
			codes := make([]string, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				codes = append(codes, e.Code)
				assert.NotEmpty(t, e.Message)
			}
			assert.Equal(t, tt.codes, codes)

			assert.Zero(t, h.o.Store().Stats().Events, "rejected payloads are not stored")
			assert.Zero(t, h.rec.count(), "rejected payloads are not routed")
		})
	}
}

func TestIngestForbiddenIP(t *testing.T) {
	cfg := testConfig()
	cfg.Ingress.IPAllowList = config.IPAllowListConfig{Enabled: true, Allowed: []string{"10.1.0.0/16"}}
	h := newHarness(t, cfg)

	w := h.postSigned(t, ticketUpdate)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

func TestIngestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Ingress.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 1}
	h := newHarness(t, cfg)

	require.Equal(t, http.StatusOK, h.postSigned(t, ticketUpdate).Code)

	w := h.postSigned(t, ticketUpdate)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	resp := decode[IngestResponse](t, w)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "RATE_LIMITED", resp.Errors[0].Code)
}

func guaranteedConfig() *config.Config {
	cfg := testConfig()
	cfg.Routes[0].Guaranteed = true
	return cfg
}

func completedResult(t *testing.T, h *harness, eventID string) (store.ProcessingResult, bool) {
	t.Helper()
	se, err := h.o.Store().Get(context.Background(), eventID)
	if err != nil {
		return store.ProcessingResult{}, false
	}
	for _, pr := range se.ProcessingResults {
		if pr.JobID != "" && pr.Status == string(delivery.StatusCompleted) {
			return pr, true
		}
	}
	return store.ProcessingResult{}, false
}

func TestGuaranteedRouteDeliversThroughCoordinator(t *testing.T) {
	h := newHarness(t, guaranteedConfig())

	w := h.postSigned(t, ticketUpdate)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[IngestResponse](t, w)
	require.Len(t, resp.RoutingResult.ExecutedRoutes, 1)
	assert.True(t, resp.RoutingResult.ExecutedRoutes[0].Success, "routing only enqueues the job")

	require.Eventually(t, func() bool { return h.rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	var result store.ProcessingResult
	require.Eventually(t, func() bool {
		var ok bool
		result, ok = completedResult(t, h, resp.EventID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, result.Success)
	assert.Equal(t, "ticket-updates", result.RouteID)

	w = h.do(t, http.MethodGet, "/api/v1/jobs/"+result.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	job := decode[delivery.Job](t, w)
	assert.Equal(t, delivery.StatusCompleted, job.Status)
	assert.Equal(t, resp.EventID, job.Event.ID)

	w = h.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeadLetterAndRequeue(t *testing.T) {
	h := newHarness(t, guaranteedConfig())
	h.rec.fail.Store(true)

	w := h.postSigned(t, ticketUpdate)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var list JobList
	require.Eventually(t, func() bool {
		list = decode[JobList](t, h.do(t, http.MethodGet, "/api/v1/dead-letters", nil))
		return list.Count == 1
	}, 2*time.Second, 10*time.Millisecond)
	job := list.Jobs[0]
	assert.Equal(t, delivery.StatusDeadLettered, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Contains(t, job.Error, "upstream unavailable")

	health := decode[map[string]any](t, h.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, "degraded", health["status"])

	h.rec.fail.Store(false)
	w = h.do(t, http.MethodPost, "/api/v1/dead-letters/"+job.ID+"/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	requeued := decode[delivery.Job](t, w)
	assert.Equal(t, 1, requeued.Attempt)

	require.Eventually(t, func() bool {
		j, err := h.o.Coordinator().GetJob(job.ID)
		return err == nil && j.Status == delivery.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.rec.count())

	w = h.do(t, http.MethodPost, "/api/v1/dead-letters/"+job.ID+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "only dead-lettered jobs can be requeued")
}

func TestReplay(t *testing.T) {
	h := newHarness(t, testConfig())
	from := time.Now().Add(-time.Minute)

	require.Equal(t, http.StatusOK, h.postSigned(t, ticketUpdate).Code)
	time.Sleep(5 * time.Millisecond)
	other := `{"eventType":"create","entityType":"Company","entityId":"7"}`
	require.Equal(t, http.StatusOK, h.postSigned(t, other).Code)
	require.Equal(t, 1, h.rec.count())

	w := h.do(t, http.MethodPost, "/api/v1/replay", map[string]any{
		"fromTimestamp": from,
		"batchSize":     1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ReplayResponse](t, w)
	assert.Equal(t, 2, resp.TotalEvents)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Zero(t, resp.Failed)
	require.Len(t, resp.Batches, 2)
	assert.Equal(t, "Ticket", resp.Batches[0].Events[0].EntityType, "storage order")
	assert.Equal(t, "Company", resp.Batches[1].Events[0].EntityType)
	assert.Equal(t, 1, h.rec.count(), "replay without resubmit does not route")

	w = h.do(t, http.MethodPost, "/api/v1/replay", map[string]any{
		"fromTimestamp": from,
		"filter":        map[string]any{"entityTypes": []string{"Ticket"}},
		"resubmit":      true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[ReplayResponse](t, w)
	assert.Equal(t, 1, resp.TotalEvents)
	assert.Equal(t, 1, resp.Resubmitted)
	assert.Equal(t, 2, h.rec.count(), "resubmitted event is routed again")

	w = h.do(t, http.MethodPost, "/api/v1/replay", map[string]any{"batchSize": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	require.Equal(t, http.StatusOK, h.postSigned(t, ticketUpdate).Code)
	require.Equal(t, http.StatusOK,
		h.postSigned(t, `{"eventType":"create","entityType":"Company","entityId":"7"}`).Code)

	list := decode[EventList](t, h.do(t, http.MethodGet, "/api/v1/events?entityType=Ticket&action=update", nil))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "42", list.Events[0].EntityID)

	list = decode[EventList](t, h.do(t, http.MethodGet, "/api/v1/events?source=psa/z1", nil))
	assert.Equal(t, 1, list.Count)

	list = decode[EventList](t, h.do(t, http.MethodGet, "/api/v1/events?limit=1", nil))
	assert.Equal(t, 1, list.Count)

	w := h.do(t, http.MethodGet, "/api/v1/events?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/events/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthMetricsAndRoutes(t *testing.T) {
	h := newHarness(t, testConfig())
	require.Equal(t, http.StatusOK, h.postSigned(t, ticketUpdate).Code)
	require.Equal(t, http.StatusUnauthorized, h.post(t, ticketUpdate, "").Code)

	w := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health["checks"], "store")

	snapshot := decode[MetricsSnapshot](t, h.do(t, http.MethodGet, "/api/v1/metrics", nil))
	assert.Equal(t, int64(2), snapshot.Ingress.Requests)
	assert.Equal(t, int64(1), snapshot.Ingress.Succeeded)
	assert.Equal(t, int64(1), snapshot.Ingress.Failed)
	assert.Equal(t, int64(1), snapshot.Routing.MatchedRoutings)
	assert.Equal(t, 1, snapshot.Store.Events)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", nil).Code)

	w = h.do(t, http.MethodGet, "/api/v1/routes", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "ticket-updates")
}

func TestIngestDeadlineDuringRoutingReturnsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RequestTimeout = 50 * time.Millisecond
	cfg.Routes[0].Handler = "stalled"

	stalled := handler.NewFunc("stalled", 1, func(ctx context.Context, _ models.Event) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, cfg, stalled)

	w := h.postSigned(t, ticketUpdate)
	require.Equal(t, http.StatusRequestTimeout, w.Code, w.Body.String())

	resp := decode[IngestResponse](t, w)
	assert.False(t, resp.Success)
	require.NotEmpty(t, resp.EventID, "the stored event id is reported")
	require.NotNil(t, resp.RoutingResult)
	require.Len(t, resp.RoutingResult.ExecutedRoutes, 1)
	assert.False(t, resp.RoutingResult.ExecutedRoutes[0].Success)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "TIMEOUT", resp.Errors[0].Code)

	stored, err := h.o.Store().Get(context.Background(), resp.EventID)
	require.NoError(t, err)
	require.Len(t, stored.ProcessingResults, 1)
	assert.Equal(t, "failed", stored.ProcessingResults[0].Status)
}
