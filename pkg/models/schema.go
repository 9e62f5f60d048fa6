package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateEvent checks the fields every canonical event must carry.
func ValidateEvent(ev *Event) error {
	if ev == nil {
		return &ValidationError{
			Field:   "event",
			Message: "event cannot be nil",
		}
	}

	required := []struct {
		field string
		empty bool
	}{
		{"id", ev.ID == ""},
		{"type", ev.Type == ""},
		{"action", ev.Action == ""},
		{"entityType", ev.EntityType == ""},
		{"entityId", ev.EntityID == ""},
		{"timestamp", ev.Timestamp.IsZero()},
		{"source.system", ev.Source.System == ""},
	}
	for _, r := range required {
		if r.empty {
			return &ValidationError{
				Field:   r.field,
				Message: fmt.Sprintf("%s is required", r.field),
			}
		}
	}

	return nil
}
