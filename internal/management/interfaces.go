package management

import (
	"context"

	"hookrelay/internal/router"
	"hookrelay/pkg/circuitbreaker"
)

type Service interface {
	CreateRoute(ctx context.Context, req CreateRouteRequest) (*RouteView, error)
	ListRoutes(ctx context.Context) ([]RouteView, error)
	GetRoute(ctx context.Context, id string) (*RouteView, error)
	UpdateRoute(ctx context.Context, id string, req UpdateRouteRequest) (*RouteView, error)
	DeleteRoute(ctx context.Context, id string) error
	GetRouteVersions(ctx context.Context, id string) ([]RouteVersion, error)
	BreakerState(ctx context.Context, id string) (circuitbreaker.Snapshot, error)

	// Reload rebuilds the live route table from configuration and the
	// repository.
	Reload(ctx context.Context) error
}

type Repository interface {
	CreateRoute(ctx context.Context, def *router.Definition) error
	ListRoutes(ctx context.Context) ([]router.Definition, error)
	GetRoute(ctx context.Context, id string) (*router.Definition, error)
	UpdateRoute(ctx context.Context, def *router.Definition) error
	DeleteRoute(ctx context.Context, id string) error
}

type VersionRepository interface {
	CreateVersion(ctx context.Context, version *RouteVersion) error
	GetVersions(ctx context.Context, routeID string) ([]RouteVersion, error)
}

// Notifier tells other instances that the route table changed.
type Notifier interface {
	RouteChanged(ctx context.Context, action, routeID, changedBy string) error
}
