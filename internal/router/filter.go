package router

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"hookrelay/pkg/models"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpIn: true, OpNotIn: true,
	OpExists: true, OpNotExists: true,
}

// Condition tests one dot-path field of the event document, for example
// "data.status" or "source.zoneId".
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Filter selects events for a route. Every populated dimension must match.
type Filter struct {
	EntityTypes []string        `json:"entityTypes,omitempty"`
	Actions     []models.Action `json:"actions,omitempty"`
	Conditions  []Condition     `json:"conditions,omitempty"`
	// Expression is a CEL predicate over the event document.
	Expression string `json:"expression,omitempty"`
	// Predicate is an in-process custom check; it cannot be persisted.
	Predicate func(*models.Event) bool `json:"-"`
}

func (f Filter) IsEmpty() bool {
	return len(f.EntityTypes) == 0 && len(f.Actions) == 0 && len(f.Conditions) == 0 &&
		f.Expression == "" && f.Predicate == nil
}

func (c Condition) validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition field is required")
	}
	if !knownOperators[c.Operator] {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Operator == OpIn || c.Operator == OpNotIn {
		if _, ok := asList(c.Value); !ok {
			return fmt.Errorf("operator %s needs a list value", c.Operator)
		}
	}
	return nil
}

// matchStatic checks entity type, action and conditions; the expression and
// predicate are evaluated by the router.
func (f Filter) matchStatic(ev *models.Event, doc func() models.Document) bool {
	if len(f.EntityTypes) > 0 && !containsFold(f.EntityTypes, ev.EntityType) {
		return false
	}
	if len(f.Actions) > 0 && !containsAction(f.Actions, ev.Action) {
		return false
	}
	for _, c := range f.Conditions {
		if !c.Evaluate(doc()) {
			return false
		}
	}
	return true
}

// Evaluate applies the condition to doc. A missing field never satisfies
// equals, contains or in, and always satisfies their negations.
func (c Condition) Evaluate(doc models.Document) bool {
	actual, found := doc.Get(c.Field)
	if found && actual == nil {
		found = false
	}

	switch c.Operator {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	case OpEquals:
		return found && equal(actual, c.Value)
	case OpNotEquals:
		return !found || !equal(actual, c.Value)
	case OpContains:
		return found && containsValue(actual, c.Value)
	case OpNotContains:
		return !found || !containsValue(actual, c.Value)
	case OpIn:
		return found && inList(actual, c.Value)
	case OpNotIn:
		return !found || !inList(actual, c.Value)
	default:
		return false
	}
}

func containsFold(values []string, candidate string) bool {
	for _, v := range values {
		if strings.EqualFold(v, candidate) {
			return true
		}
	}
	return false
}

func containsAction(actions []models.Action, candidate models.Action) bool {
	for _, a := range actions {
		if a == candidate {
			return true
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// equal compares numbers by value, bools strictly and everything else by its
// string form.
func equal(left, right any) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// containsValue is substring match for strings and membership for lists.
func containsValue(actual, expected any) bool {
	if s, ok := actual.(string); ok {
		return strings.Contains(s, fmt.Sprintf("%v", expected))
	}
	if list, ok := asList(actual); ok {
		return inList(expected, list)
	}
	return false
}

func inList(actual, list any) bool {
	items, ok := asList(list)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(actual, item) {
			return true
		}
	}
	return false
}
