package models

import "time"

// RouteChangeEvent is broadcast whenever a route definition is mutated so
// that other instances reload their route tables.
type RouteChangeEvent struct {
	RouteID   string    `json:"route_id,omitempty"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	ChangedBy string    `json:"changed_by,omitempty"`
	Origin    string    `json:"origin,omitempty"`
}

const (
	RouteActionCreate = "create"
	RouteActionUpdate = "update"
	RouteActionDelete = "delete"
	RouteActionReload = "reload"
)

const (
	EnvelopeKindRouteChange = "route_change"
	EnvelopeKindDeadLetter  = "dead_letter"
	EnvelopeKindEvent       = "event"
)
