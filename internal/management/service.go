package management

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/handler"
	"hookrelay/internal/logger"
	"hookrelay/internal/router"
	"hookrelay/pkg/circuitbreaker"
	pkgerrors "hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

type changedByKey struct{}

// WithChangedBy records who is making a change for version history.
func WithChangedBy(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, changedByKey{}, who)
}

func getChangedBy(ctx context.Context) string {
	if who, ok := ctx.Value(changedByKey{}).(string); ok && who != "" {
		return who
	}
	return "system"
}

type service struct {
	router   *router.Router
	handlers *handler.Registry
	repo     Repository
	versions VersionRepository
	notifier Notifier
	baseline []router.Definition
	logger   logger.Logger

	// mu serialises mutations so the repository and the live table agree.
	mu   sync.Mutex
	defs map[string]router.Definition
}

type ServiceOption func(*service)

func WithRepository(repo Repository) ServiceOption {
	return func(s *service) {
		s.repo = repo
	}
}

func WithVersioning(versions VersionRepository) ServiceOption {
	return func(s *service) {
		s.versions = versions
	}
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *service) {
		s.notifier = n
	}
}

// WithBaseline sets the routes that exist regardless of the repository,
// typically the ones declared in the configuration file.
func WithBaseline(defs []router.Definition) ServiceOption {
	return func(s *service) {
		s.baseline = defs
	}
}

func WithLogger(log logger.Logger) ServiceOption {
	return func(s *service) {
		s.logger = log
	}
}

func NewService(rt *router.Router, handlers *handler.Registry, opts ...ServiceOption) Service {
	s := &service{
		router:   rt,
		handlers: handlers,
		logger:   logger.NopLogger(),
		defs:     make(map[string]router.Definition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func asAppError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
}

func (s *service) resolve(def router.Definition) (router.Route, error) {
	route, err := def.Resolve(s.handlers)
	if err != nil {
		return router.Route{}, err
	}
	if err := s.router.Validate(route); err != nil {
		return router.Route{}, err
	}
	return route, nil
}

func (s *service) CreateRoute(ctx context.Context, req CreateRouteRequest) (*RouteView, error) {
	if err := ValidateCreateRoute(req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation).WithDetail("message", err.Error())
	}

	def := router.Definition{
		ID:           req.ID,
		Name:         req.Name,
		Priority:     req.Priority,
		Enabled:      boolOr(req.Enabled, true),
		HandlerID:    req.HandlerID,
		Filter:       req.Filter.toFilter(),
		Guaranteed:   req.Guaranteed,
		DeliveryMode: req.DeliveryMode,
		Version:      1,
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	route, err := s.resolve(def)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.router.GetRoute(def.ID); err == nil {
		return nil, pkgerrors.ErrConflict.
			WithDetail("message", "route '"+def.ID+"' already exists").
			WithDetail("id", def.ID)
	}

	if s.repo != nil {
		if err := s.repo.CreateRoute(ctx, &def); err != nil {
			return nil, asAppError(err)
		}
	} else {
		now := time.Now().UTC()
		def.CreatedAt, def.UpdatedAt = now, now
	}

	if err := s.router.AddRoute(route); err != nil {
		if s.repo != nil {
			_ = s.repo.DeleteRoute(ctx, def.ID)
		}
		return nil, err
	}
	s.defs[def.ID] = def

	s.recordChange(ctx, models.RouteActionCreate, def)
	return s.view(route), nil
}

func (s *service) ListRoutes(_ context.Context) ([]RouteView, error) {
	routes := s.router.ListRoutes()

	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]RouteView, 0, len(routes))
	for _, route := range routes {
		views = append(views, *s.view(route))
	}
	return views, nil
}

func (s *service) GetRoute(_ context.Context, id string) (*RouteView, error) {
	route, err := s.router.GetRoute(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(route), nil
}

// view must be called with mu held.
func (s *service) view(route router.Route) *RouteView {
	def := router.DefinitionOf(route)
	if known, ok := s.defs[route.ID]; ok {
		def.Version = known.Version
		def.CreatedAt = known.CreatedAt
		def.UpdatedAt = known.UpdatedAt
	}
	v := &RouteView{Definition: def}
	if m, err := s.router.RouteMetrics(route.ID); err == nil {
		v.Metrics = &m
	}
	return v
}

func (s *service) UpdateRoute(ctx context.Context, id string, req UpdateRouteRequest) (*RouteView, error) {
	if err := ValidateUpdateRoute(req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation).WithDetail("message", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.router.GetRoute(id)
	if err != nil {
		return nil, err
	}

	def := router.DefinitionOf(current)
	if known, ok := s.defs[id]; ok {
		def.Version = known.Version
		def.CreatedAt = known.CreatedAt
	}
	applyUpdate(&def, req)
	def.Version++

	route, err := s.resolve(def)
	if err != nil {
		return nil, err
	}
	// An in-process predicate is not part of the definition; keep it.
	route.Filter.Predicate = current.Filter.Predicate

	if s.repo != nil {
		err := s.repo.UpdateRoute(ctx, &def)
		if pkgerrors.IsNotFound(err) {
			err = s.repo.CreateRoute(ctx, &def)
		}
		if err != nil {
			return nil, asAppError(err)
		}
	} else {
		def.UpdatedAt = time.Now().UTC()
	}

	if err := s.router.UpdateRoute(route); err != nil {
		return nil, err
	}
	s.defs[id] = def

	s.recordChange(ctx, models.RouteActionUpdate, def)
	return s.view(route), nil
}

func applyUpdate(def *router.Definition, req UpdateRouteRequest) {
	if req.Name != nil {
		def.Name = *req.Name
	}
	if req.Priority != nil {
		def.Priority = *req.Priority
	}
	if req.Enabled != nil {
		def.Enabled = *req.Enabled
	}
	if req.HandlerID != nil {
		def.HandlerID = *req.HandlerID
	}
	if req.Filter != nil {
		def.Filter = req.Filter.toFilter()
	}
	if req.Guaranteed != nil {
		def.Guaranteed = *req.Guaranteed
	}
	if req.DeliveryMode != nil {
		def.DeliveryMode = *req.DeliveryMode
	}
}

func (s *service) DeleteRoute(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.router.GetRoute(id)
	if err != nil {
		return err
	}

	if s.repo != nil {
		if err := s.repo.DeleteRoute(ctx, id); err != nil && !pkgerrors.IsNotFound(err) {
			return asAppError(err)
		}
	}
	if err := s.router.RemoveRoute(id); err != nil {
		return err
	}

	def := router.DefinitionOf(current)
	if known, ok := s.defs[id]; ok {
		def.Version = known.Version + 1
	}
	delete(s.defs, id)

	s.recordChange(ctx, models.RouteActionDelete, def)
	return nil
}

func (s *service) GetRouteVersions(ctx context.Context, id string) ([]RouteVersion, error) {
	if s.versions == nil {
		return nil, pkgerrors.ErrServiceUnavailable.WithDetail("message", "route versioning not enabled")
	}
	versions, err := s.versions.GetVersions(ctx, id)
	if err != nil {
		return nil, asAppError(err)
	}
	if versions == nil {
		versions = []RouteVersion{}
	}
	return versions, nil
}

func (s *service) BreakerState(_ context.Context, id string) (circuitbreaker.Snapshot, error) {
	return s.router.BreakerState(id)
}

func (s *service) Reload(ctx context.Context) error {
	merged := make(map[string]router.Definition, len(s.baseline))
	order := make([]string, 0, len(s.baseline))
	add := func(def router.Definition) {
		if _, seen := merged[def.ID]; !seen {
			order = append(order, def.ID)
		}
		merged[def.ID] = def
	}
	for _, def := range s.baseline {
		add(def)
	}
	if s.repo != nil {
		stored, err := s.repo.ListRoutes(ctx)
		if err != nil {
			return asAppError(err)
		}
		for _, def := range stored {
			add(def)
		}
	}

	routes := make([]router.Route, 0, len(order))
	defs := make(map[string]router.Definition, len(order))
	for _, id := range order {
		def := merged[id]
		route, err := s.resolve(def)
		if err != nil {
			s.logger.WarnwCtx(ctx, "Skipping invalid route definition", "route_id", id, "error", err)
			continue
		}
		routes = append(routes, route)
		defs[id] = def
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.router.ReplaceAll(routes); err != nil {
		return err
	}
	s.defs = defs

	s.logger.InfowCtx(ctx, "Routes reloaded", "routes", len(routes))
	return nil
}

// recordChange writes the version history and notifies other instances.
// Neither failure undoes the change.
func (s *service) recordChange(ctx context.Context, action string, def router.Definition) {
	changedBy := getChangedBy(ctx)

	if s.versions != nil {
		version := &RouteVersion{
			RouteID:    def.ID,
			Version:    def.Version,
			Action:     action,
			Definition: def,
			ChangedBy:  changedBy,
		}
		if err := s.versions.CreateVersion(ctx, version); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to record route version", "route_id", def.ID, "error", err)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.RouteChanged(ctx, action, def.ID, changedBy); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to publish route change", "route_id", def.ID, "error", err)
		}
	}
}
