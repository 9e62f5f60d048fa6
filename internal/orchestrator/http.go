package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"hookrelay/internal/constants"
	"hookrelay/internal/delivery"
	"hookrelay/internal/management"
	"hookrelay/internal/normalizer"
	"hookrelay/internal/router"
	"hookrelay/internal/store"
	pkgerrors "hookrelay/pkg/errors"
	"hookrelay/pkg/middleware"
	"hookrelay/pkg/models"
	"hookrelay/pkg/ratelimit"
	"hookrelay/pkg/tracing"
)

const CorrelationIDHeader = "X-Correlation-ID"

// ErrorItem is one entry of an ingress error body.
type ErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type IngestResponse struct {
	Success       bool                  `json:"success"`
	EventID       string                `json:"eventId,omitempty"`
	RoutingResult *router.RoutingResult `json:"routingResult,omitempty"`
	Errors        []ErrorItem           `json:"errors,omitempty"`
}

// NewEngine builds the gin engine serving the ingress endpoint, health,
// metrics and the /api/v1 operator API.
func (o *Orchestrator) NewEngine() *gin.Engine {
	engine := gin.New()

	if o.cfg.Tracing.Enabled {
		engine.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	engine.Use(middleware.RecoveryMiddleware(o.logger))
	engine.Use(middleware.LoggerMiddleware(o.logger))
	engine.Use(middleware.RequestIDMiddleware())

	o.RegisterRoutes(engine)
	return engine
}

func (o *Orchestrator) RegisterRoutes(engine *gin.Engine) {
	path := o.cfg.Ingress.Path
	if path == "" {
		path = "/webhooks"
	}
	ingest := []gin.HandlerFunc{}
	if o.limiter != nil {
		ingest = append(ingest, ratelimit.RateLimitMiddleware(o.limiter, o.rateLimited))
		o.logger.Infow("Ingress rate limiting enabled",
			"rps", o.cfg.Ingress.RateLimit.RPS,
			"burst", o.cfg.Ingress.RateLimit.Burst,
		)
	}
	ingest = append(ingest, o.HandleIngest)
	engine.POST(path, ingest...)

	engine.GET("/health", o.HandleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := engine.Group("/api/v1")
	management.NewHandler(o.routes, o.logger.Named("api")).RegisterRoutes(api)
	api.GET("/metrics", o.HandleMetrics)
	api.POST("/replay", o.HandleReplay)
	api.GET("/jobs/:id", o.HandleGetJob)
	api.GET("/dead-letters", o.HandleListDeadLetters)
	api.POST("/dead-letters/:id/requeue", o.HandleRequeue)
	api.GET("/events", o.HandleListEvents)
	api.GET("/events/:id", o.HandleGetEvent)
}

// HandleIngest godoc
// @Summary      Receive a webhook
// @Description  Verify, normalize, store and route one vendor payload
// @Tags         ingress
// @Accept       json
// @Produce      json
// @Success      200  {object}  IngestResponse
// @Failure      400  {object}  IngestResponse
// @Failure      401  {object}  IngestResponse
// @Failure      403  {object}  IngestResponse
// @Failure      408  {object}  IngestResponse
// @Failure      413  {object}  IngestResponse
// @Failure      429  {object}  IngestResponse
// @Failure      500  {object}  IngestResponse
// @Router       /webhooks [post]
func (o *Orchestrator) HandleIngest(c *gin.Context) {
	start := o.now()
	ctx := c.Request.Context()
	if timeout := o.cfg.Server.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := readBody(c.Request.Body, o.gate.MaxPayloadBytes())
	if err != nil {
		o.rejectIngest(c, start, pkgerrors.ErrValidation.WithCause(err).
			WithDetail("message", "failed to read request body"), nil)
		return
	}

	correlationID := c.GetHeader(CorrelationIDHeader)
	if correlationID == "" {
		correlationID = c.GetString("request_id")
	}

	result, err := o.Ingest(ctx, IngestRequest{
		Body:          body,
		Headers:       c.Request.Header,
		RemoteIP:      c.ClientIP(),
		CorrelationID: correlationID,
		ReceivedAt:    start,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = pkgerrors.ErrTimeout.WithCause(err)
		}
		o.rejectIngest(c, start, err, result)
		return
	}

	o.stats.record(true, o.now().Sub(start))
	c.JSON(http.StatusOK, IngestResponse{
		Success:       true,
		EventID:       result.EventID,
		RoutingResult: &result.RoutingResult,
	})
}

// readBody reads at most limit+1 bytes so the gate can tell an oversized
// payload apart without buffering all of it.
func readBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if limit > 0 {
		body = io.LimitReader(body, limit+1)
	}
	return io.ReadAll(body)
}

// rejectIngest writes the error response. partial is set when the event
// was stored before the failure.
func (o *Orchestrator) rejectIngest(c *gin.Context, start time.Time, err error, partial *IngestResult) {
	o.stats.record(false, o.now().Sub(start))

	status := ingestStatus(err)
	if status >= http.StatusInternalServerError {
		o.logger.ErrorwCtx(c.Request.Context(), "Webhook processing failed", "error", err)
	} else {
		o.logger.DebugwCtx(c.Request.Context(), "Webhook rejected", "error", err, "status", status)
	}
	resp := IngestResponse{Success: false, Errors: errorItems(err)}
	if partial != nil {
		resp.EventID = partial.EventID
		resp.RoutingResult = &partial.RoutingResult
	}
	c.JSON(status, resp)
}

func (o *Orchestrator) rateLimited(c *gin.Context, retryAfter time.Duration) {
	o.stats.record(false, 0)
	err := pkgerrors.ErrRateLimited.WithDetail("retry_after_ms", retryAfter.Milliseconds())
	c.JSON(http.StatusTooManyRequests, IngestResponse{Success: false, Errors: errorItems(err)})
}

func ingestStatus(err error) int {
	var verrs normalizer.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest
	}
	return pkgerrors.ToHTTPStatus(err)
}

func errorItems(err error) []ErrorItem {
	var verrs normalizer.ValidationErrors
	if errors.As(err, &verrs) {
		items := make([]ErrorItem, 0, len(verrs))
		for _, e := range verrs {
			items = append(items, errorItem(e))
		}
		return items
	}
	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) && appErr.Status < http.StatusInternalServerError {
		return []ErrorItem{errorItem(appErr)}
	}
	return []ErrorItem{{Code: pkgerrors.ErrInternal.Code, Message: pkgerrors.ErrInternal.Message}}
}

func errorItem(e *pkgerrors.Error) ErrorItem {
	item := ErrorItem{Code: e.Code, Message: e.Message}
	if msg, ok := e.Details["message"].(string); ok && msg != "" {
		item.Message = msg
	}
	if field, ok := e.Details["field"].(string); ok {
		item.Field = field
	}
	return item
}

func (o *Orchestrator) respondError(c *gin.Context, err error) {
	status := pkgerrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		o.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, pkgerrors.ToErrorResponse(err))
}

// HandleHealth godoc
// @Summary      Health check
// @Tags         health
// @Produce      json
// @Success      200  {object}  health.Health
// @Failure      503  {object}  health.Health
// @Router       /health [get]
func (o *Orchestrator) HandleHealth(c *gin.Context) {
	h := o.health.Check(c.Request.Context())
	c.JSON(h.HTTPStatus(), h)
}

// HandleMetrics godoc
// @Summary      Pipeline counters
// @Tags         metrics
// @Produce      json
// @Success      200  {object}  MetricsSnapshot
// @Router       /metrics [get]
func (o *Orchestrator) HandleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, o.Metrics())
}

// ReplayRequest extends the store replay query with an option to route the
// replayed events again.
type ReplayRequest struct {
	store.ReplayRequest
	Resubmit bool `json:"resubmit,omitempty"`
}

type ReplayResponse struct {
	Batches     []store.ReplayBatch `json:"batches"`
	TotalEvents int                 `json:"totalEvents"`
	Succeeded   int                 `json:"succeeded"`
	Failed      int                 `json:"failed"`
	Resubmitted int                 `json:"resubmitted,omitempty"`
}

// HandleReplay godoc
// @Summary      Replay stored events
// @Description  Read stored events in storage order within a time range, optionally routing them again
// @Tags         replay
// @Accept       json
// @Produce      json
// @Param        request  body      ReplayRequest  true  "Replay query"
// @Success      200      {object}  ReplayResponse
// @Failure      400      {object}  errors.ErrorResponse
// @Router       /replay [post]
func (o *Orchestrator) HandleReplay(c *gin.Context) {
	var req ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		o.respondError(c, pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error()))
		return
	}
	resp, err := o.Replay(c.Request.Context(), req)
	if err != nil {
		o.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Replay collects every batch of a replay. With Resubmit set each event is
// routed again and a routing failure moves it from Succeeded to Failed.
func (o *Orchestrator) Replay(ctx context.Context, req ReplayRequest) (*ReplayResponse, error) {
	if req.From.IsZero() {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "fromTimestamp is required").
			WithDetail("field", "fromTimestamp")
	}
	if !req.To.IsZero() && req.To.Before(req.From) {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "toTimestamp must not be before fromTimestamp").
			WithDetail("field", "toTimestamp")
	}

	resp := &ReplayResponse{Batches: make([]store.ReplayBatch, 0)}
	for batch, err := range o.store.ReplayBatches(ctx, req.ReplayRequest) {
		if err != nil {
			return nil, err
		}
		if req.Resubmit {
			o.resubmit(ctx, &batch)
			resp.Resubmitted += len(batch.Events)
		}
		resp.TotalEvents += batch.Succeeded + batch.Failed
		resp.Succeeded += batch.Succeeded
		resp.Failed += batch.Failed
		resp.Batches = append(resp.Batches, batch)
	}

	o.logger.InfowCtx(ctx, "Replay finished",
		"batches", len(resp.Batches),
		"events", resp.TotalEvents,
		"failed", resp.Failed,
		"resubmit", req.Resubmit,
	)
	return resp, nil
}

func (o *Orchestrator) resubmit(ctx context.Context, batch *store.ReplayBatch) {
	for i := range batch.Events {
		ev := batch.Events[i]
		result := o.router.Route(ctx, &ev)
		if result.Failed() {
			batch.Succeeded--
			batch.Failed++
			batch.Errors = append(batch.Errors, fmt.Sprintf("event %s: routing failed", ev.ID))
		}
	}
}

// HandleGetJob godoc
// @Summary      Get a delivery job
// @Tags         delivery
// @Produce      json
// @Param        id   path      string  true  "Job ID"
// @Success      200  {object}  delivery.Job
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /jobs/{id} [get]
func (o *Orchestrator) HandleGetJob(c *gin.Context) {
	job, err := o.coordinator.GetJob(c.Param("id"))
	if err != nil {
		o.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type JobList struct {
	Jobs  []delivery.Job `json:"jobs"`
	Count int            `json:"count"`
}

// HandleListDeadLetters godoc
// @Summary      List dead-lettered jobs
// @Tags         delivery
// @Produce      json
// @Success      200  {object}  JobList
// @Router       /dead-letters [get]
func (o *Orchestrator) HandleListDeadLetters(c *gin.Context) {
	jobs := o.coordinator.DeadLetters()
	c.JSON(http.StatusOK, JobList{Jobs: jobs, Count: len(jobs)})
}

// HandleRequeue godoc
// @Summary      Requeue a dead-lettered job
// @Description  Move a dead-lettered job back to the main queue with its attempt counter reset
// @Tags         delivery
// @Produce      json
// @Param        id   path      string  true  "Job ID"
// @Success      200  {object}  delivery.Job
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      409  {object}  errors.ErrorResponse
// @Router       /dead-letters/{id}/requeue [post]
func (o *Orchestrator) HandleRequeue(c *gin.Context) {
	job, err := o.coordinator.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		o.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// HandleGetEvent godoc
// @Summary      Get a stored event
// @Tags         events
// @Produce      json
// @Param        id   path      string  true  "Event ID"
// @Success      200  {object}  store.StoredEvent
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /events/{id} [get]
func (o *Orchestrator) HandleGetEvent(c *gin.Context) {
	se, err := o.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		o.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, se)
}

type EventList struct {
	Events []models.Event `json:"events"`
	Count  int            `json:"count"`
}

// HandleListEvents godoc
// @Summary      Query stored events
// @Tags         events
// @Produce      json
// @Param        entityType  query     string  false  "Entity types, comma separated"
// @Param        action      query     string  false  "Actions, comma separated"
// @Param        source      query     string  false  "Source systems or system/zone keys, comma separated"
// @Param        from        query     string  false  "RFC3339 lower bound on the event timestamp"
// @Param        to          query     string  false  "RFC3339 upper bound on the event timestamp"
// @Param        limit       query     int     false  "Maximum number of events"
// @Success      200         {object}  EventList
// @Failure      400         {object}  errors.ErrorResponse
// @Router       /events [get]
func (o *Orchestrator) HandleListEvents(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		o.respondError(c, err)
		return
	}
	events, err := o.store.GetByFilter(c.Request.Context(), f)
	if err != nil {
		o.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, EventList{Events: events, Count: len(events)})
}

func filterFromQuery(c *gin.Context) (store.Filter, error) {
	f := store.Filter{
		EntityTypes: listParam(c, "entityType"),
		Sources:     listParam(c, "source"),
		Limit:       constants.DefaultLimit,
	}
	for _, a := range listParam(c, "action") {
		f.Actions = append(f.Actions, models.Action(a))
	}

	var err error
	if f.From, err = timeParam(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(c, "to"); err != nil {
		return f, err
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return f, pkgerrors.ErrValidation.WithDetail("message", "limit must be a positive integer").
				WithDetail("field", "limit")
		}
		f.Limit = min(limit, constants.MaxLimit)
	}
	return f, nil
}

func listParam(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func timeParam(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, pkgerrors.ErrValidation.WithCause(err).
			WithDetail("message", key+" must be an RFC3339 timestamp").
			WithDetail("field", key)
	}
	return t, nil
}
