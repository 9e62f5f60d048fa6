package store

import (
	"strings"
	"time"

	"hookrelay/pkg/models"
)

// Filter selects stored events. Empty dimensions match everything. The time
// range applies to the event timestamp and is inclusive on both ends.
type Filter struct {
	EntityTypes []string        `json:"entityTypes,omitempty"`
	Actions     []models.Action `json:"actions,omitempty"`
	// Sources match either the source system or its system/zone key.
	Sources []string  `json:"sources,omitempty"`
	From    time.Time `json:"from,omitempty"`
	To      time.Time `json:"to,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

func (f Filter) IsEmpty() bool {
	return len(f.EntityTypes) == 0 && len(f.Actions) == 0 && len(f.Sources) == 0 &&
		f.From.IsZero() && f.To.IsZero()
}

// Matches reports whether ev satisfies every dimension of f.
func (f Filter) Matches(ev *models.Event) bool {
	if ev == nil {
		return false
	}
	if len(f.EntityTypes) > 0 && !containsFold(f.EntityTypes, ev.EntityType) {
		return false
	}
	if len(f.Actions) > 0 && !containsAction(f.Actions, ev.Action) {
		return false
	}
	if len(f.Sources) > 0 &&
		!containsFold(f.Sources, ev.Source.System) &&
		!containsFold(f.Sources, ev.Source.Key()) {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

func containsAction(values []models.Action, v models.Action) bool {
	for _, candidate := range values {
		if strings.EqualFold(string(candidate), string(v)) {
			return true
		}
	}
	return false
}
