package router

import (
	"fmt"
	"strings"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/handler"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

// Route binds a filter to one handler. Higher priority starts first.
type Route struct {
	ID       string
	Name     string
	Priority int
	Filter   Filter
	Handler  handler.Handler
	Enabled  bool
	// Guaranteed routes hand the event to the delivery coordinator instead
	// of calling the handler inline.
	Guaranteed   bool
	DeliveryMode string
}

func (r Route) validate() error {
	var problems []string
	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if r.Handler == nil || r.Handler.ID() == "" {
		problems = append(problems, "handler is required")
	}
	if r.Priority < 0 {
		problems = append(problems, "priority must be non-negative")
	}
	if r.Filter.IsEmpty() {
		problems = append(problems, "filter must constrain at least one dimension")
	}
	for i, c := range r.Filter.Conditions {
		if err := c.validate(); err != nil {
			problems = append(problems, fmt.Sprintf("conditions[%d]: %v", i, err))
		}
	}
	switch r.DeliveryMode {
	case "", "at_least_once", "exactly_once":
	default:
		problems = append(problems, fmt.Sprintf("unknown delivery mode %q", r.DeliveryMode))
	}
	if len(problems) > 0 {
		return errors.ErrValidation.
			WithDetail("message", "invalid route: "+strings.Join(problems, "; ")).
			WithDetail("route_id", r.ID)
	}
	return nil
}

// Definition is the serialisable form of a route; the handler is referenced
// by id.
type Definition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	Enabled      bool      `json:"enabled"`
	HandlerID    string    `json:"handlerId"`
	Filter       Filter    `json:"filter"`
	Guaranteed   bool      `json:"guaranteed,omitempty"`
	DeliveryMode string    `json:"deliveryMode,omitempty"`
	Version      int       `json:"version,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// Resolve binds the definition's handler from reg.
func (d Definition) Resolve(reg *handler.Registry) (Route, error) {
	h, ok := reg.Get(d.HandlerID)
	if !ok {
		return Route{}, errors.ErrValidation.
			WithDetail("message", fmt.Sprintf("unknown handler %q", d.HandlerID)).
			WithDetail("route_id", d.ID)
	}
	return Route{
		ID:           d.ID,
		Name:         d.Name,
		Priority:     d.Priority,
		Filter:       d.Filter,
		Handler:      h,
		Enabled:      d.Enabled,
		Guaranteed:   d.Guaranteed,
		DeliveryMode: d.DeliveryMode,
	}, nil
}

// DefinitionOf is the inverse of Resolve. A Predicate does not survive.
func DefinitionOf(r Route) Definition {
	d := Definition{
		ID:           r.ID,
		Name:         r.Name,
		Priority:     r.Priority,
		Enabled:      r.Enabled,
		Filter:       r.Filter,
		Guaranteed:   r.Guaranteed,
		DeliveryMode: r.DeliveryMode,
	}
	d.Filter.Predicate = nil
	if r.Handler != nil {
		d.HandlerID = r.Handler.ID()
	}
	return d
}

// DefinitionFromConfig converts a YAML route entry.
func DefinitionFromConfig(rc config.RouteConfig) Definition {
	f := Filter{
		EntityTypes: rc.Filter.EntityTypes,
		Expression:  rc.Filter.Expression,
	}
	for _, a := range rc.Filter.Actions {
		f.Actions = append(f.Actions, models.Action(a))
	}
	for _, c := range rc.Filter.Conditions {
		f.Conditions = append(f.Conditions, Condition{
			Field:    c.Field,
			Operator: Operator(c.Operator),
			Value:    c.Value,
		})
	}
	return Definition{
		ID:           rc.ID,
		Name:         rc.Name,
		Priority:     rc.Priority,
		Enabled:      rc.IsEnabled(),
		HandlerID:    rc.Handler,
		Filter:       f,
		Guaranteed:   rc.Guaranteed,
		DeliveryMode: rc.DeliveryMode,
	}
}
