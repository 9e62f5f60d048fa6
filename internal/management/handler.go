package management

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hookrelay/internal/logger"
	"hookrelay/pkg/errors"
)

// ChangedByHeader names the caller recorded in route version history.
const ChangedByHeader = "X-Changed-By"

type Handler struct {
	Service Service
	Logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	routes := group.Group("/routes")
	{
		routes.GET("", h.ListRoutes)
		routes.POST("", h.CreateRoute)
		routes.GET("/:id", h.GetRoute)
		routes.PUT("/:id", h.UpdateRoute)
		routes.DELETE("/:id", h.DeleteRoute)
		routes.GET("/:id/breaker", h.GetBreaker)
		routes.GET("/:id/versions", h.GetRouteVersions)
	}
}

func (h *Handler) requestContext(c *gin.Context) *gin.Context {
	if who := c.GetHeader(ChangedByHeader); who != "" {
		c.Request = c.Request.WithContext(WithChangedBy(c.Request.Context(), who))
	}
	return c
}

// ListRoutes godoc
// @Summary      List routes
// @Description  List every route in evaluation order with its live counters
// @Tags         routes
// @Produce      json
// @Success      200  {array}   RouteView
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /routes [get]
func (h *Handler) ListRoutes(c *gin.Context) {
	routes, err := h.Service.ListRoutes(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, routes)
}

// CreateRoute godoc
// @Summary      Create a route
// @Description  Validate a route definition and add it to the live route table
// @Tags         routes
// @Accept       json
// @Produce      json
// @Param        route  body      CreateRouteRequest  true  "Route definition"
// @Success      201    {object}  RouteView
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      409    {object}  errors.ErrorResponse
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /routes [post]
func (h *Handler) CreateRoute(c *gin.Context) {
	var req CreateRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	c = h.requestContext(c)
	route, err := h.Service.CreateRoute(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, route)
}

// GetRoute godoc
// @Summary      Get a route
// @Tags         routes
// @Produce      json
// @Param        id   path      string  true  "Route ID"
// @Success      200  {object}  RouteView
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /routes/{id} [get]
func (h *Handler) GetRoute(c *gin.Context) {
	route, err := h.Service.GetRoute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, route)
}

// UpdateRoute godoc
// @Summary      Update a route
// @Description  Patch a route; omitted fields keep their current value
// @Tags         routes
// @Accept       json
// @Produce      json
// @Param        id     path      string              true  "Route ID"
// @Param        route  body      UpdateRouteRequest  true  "Fields to change"
// @Success      200    {object}  RouteView
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      404    {object}  errors.ErrorResponse
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /routes/{id} [put]
func (h *Handler) UpdateRoute(c *gin.Context) {
	var req UpdateRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	c = h.requestContext(c)
	route, err := h.Service.UpdateRoute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, route)
}

// DeleteRoute godoc
// @Summary      Delete a route
// @Tags         routes
// @Param        id   path  string  true  "Route ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /routes/{id} [delete]
func (h *Handler) DeleteRoute(c *gin.Context) {
	c = h.requestContext(c)
	if err := h.Service.DeleteRoute(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetBreaker godoc
// @Summary      Circuit breaker state of a route
// @Tags         routes
// @Produce      json
// @Param        id   path      string  true  "Route ID"
// @Success      200  {object}  circuitbreaker.Snapshot
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /routes/{id}/breaker [get]
func (h *Handler) GetBreaker(c *gin.Context) {
	snap, err := h.Service.BreakerState(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetRouteVersions godoc
// @Summary      Route version history
// @Tags         routes
// @Produce      json
// @Param        id   path      string  true  "Route ID"
// @Success      200  {array}   RouteVersion
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /routes/{id}/versions [get]
func (h *Handler) GetRouteVersions(c *gin.Context) {
	versions, err := h.Service.GetRouteVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}
