package management

import (
	"fmt"
	"strings"
)

var validDeliveryModes = map[string]bool{
	"":              true,
	"at_least_once": true,
	"exactly_once":  true,
}

func validateFilter(f FilterRequest) error {
	if len(f.EntityTypes) == 0 && len(f.Actions) == 0 && len(f.Conditions) == 0 && strings.TrimSpace(f.Expression) == "" {
		return fmt.Errorf("filter must constrain at least one of entityTypes, actions, conditions or expression")
	}
	for i, c := range f.Conditions {
		if c.Field == "" {
			return fmt.Errorf("filter.conditions[%d].field is required", i)
		}
		if c.Operator == "" {
			return fmt.Errorf("filter.conditions[%d].operator is required", i)
		}
	}
	return nil
}

func ValidateCreateRoute(req CreateRouteRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(req.HandlerID) == "" {
		return fmt.Errorf("handlerId is required")
	}
	if req.Priority < 0 {
		return fmt.Errorf("priority must be non-negative")
	}
	if strings.ContainsAny(req.ID, " /") {
		return fmt.Errorf("id must not contain spaces or slashes")
	}
	if !validDeliveryModes[req.DeliveryMode] {
		return fmt.Errorf("deliveryMode must be at_least_once or exactly_once")
	}
	return validateFilter(req.Filter)
}

func ValidateUpdateRoute(req UpdateRouteRequest) error {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if req.HandlerID != nil && strings.TrimSpace(*req.HandlerID) == "" {
		return fmt.Errorf("handlerId must not be empty")
	}
	if req.Priority != nil && *req.Priority < 0 {
		return fmt.Errorf("priority must be non-negative")
	}
	if req.DeliveryMode != nil && !validDeliveryModes[*req.DeliveryMode] {
		return fmt.Errorf("deliveryMode must be at_least_once or exactly_once")
	}
	if req.Filter != nil {
		return validateFilter(*req.Filter)
	}
	return nil
}
