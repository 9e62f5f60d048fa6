package management

import (
	"time"

	"hookrelay/internal/router"
	"hookrelay/pkg/models"
)

type ConditionRequest struct {
	Field    string `json:"field" binding:"required"`
	Operator string `json:"operator" binding:"required"`
	Value    any    `json:"value,omitempty"`
}

type FilterRequest struct {
	EntityTypes []string           `json:"entityTypes,omitempty"`
	Actions     []string           `json:"actions,omitempty"`
	Conditions  []ConditionRequest `json:"conditions,omitempty"`
	Expression  string             `json:"expression,omitempty"`
}

type CreateRouteRequest struct {
	ID           string        `json:"id"`
	Name         string        `json:"name" binding:"required"`
	Priority     int           `json:"priority"`
	Enabled      *bool         `json:"enabled"`
	HandlerID    string        `json:"handlerId" binding:"required"`
	Filter       FilterRequest `json:"filter"`
	Guaranteed   bool          `json:"guaranteed"`
	DeliveryMode string        `json:"deliveryMode"`
}

type UpdateRouteRequest struct {
	Name         *string        `json:"name"`
	Priority     *int           `json:"priority"`
	Enabled      *bool          `json:"enabled"`
	HandlerID    *string        `json:"handlerId"`
	Filter       *FilterRequest `json:"filter"`
	Guaranteed   *bool          `json:"guaranteed"`
	DeliveryMode *string        `json:"deliveryMode"`
}

// RouteView is a route definition together with its live counters.
type RouteView struct {
	router.Definition
	Metrics *router.RouteMetrics `json:"metrics,omitempty"`
}

// RouteVersion is one entry of a route's change history.
type RouteVersion struct {
	ID         string            `json:"id"`
	RouteID    string            `json:"routeId"`
	Version    int               `json:"version"`
	Action     string            `json:"action"`
	Definition router.Definition `json:"definition"`
	ChangedBy  string            `json:"changedBy"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (f FilterRequest) toFilter() router.Filter {
	out := router.Filter{
		EntityTypes: f.EntityTypes,
		Expression:  f.Expression,
	}
	for _, a := range f.Actions {
		out.Actions = append(out.Actions, models.Action(a))
	}
	for _, c := range f.Conditions {
		out.Conditions = append(out.Conditions, router.Condition{
			Field:    c.Field,
			Operator: router.Operator(c.Operator),
			Value:    c.Value,
		})
	}
	return out
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
