package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"hookrelay/pkg/models"
)

type Evaluator struct {
	env *cel.Env
}

// Program is a compiled boolean route expression.
type Program struct {
	expression string
	program    cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("eventType", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("entityType", cel.StringType),
		cel.Variable("entityId", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("source", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("previousData", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("changedFields", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, err := e.Compile(expression)
	return err
}

// Compile checks that expression is a boolean predicate and prepares it.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("route expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Program{expression: expression, program: program}, nil
}

// Evaluate runs a compiled program against an event.
func (e *Evaluator) Evaluate(ctx context.Context, p *Program, ev *models.Event) (bool, error) {
	result, _, err := p.program.ContextEval(ctx, activation(ev))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q: %w", p.expression, err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateExpression compiles and evaluates in one step.
func (e *Evaluator) EvaluateExpression(ctx context.Context, expression string, ev *models.Event) (bool, error) {
	p, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return e.Evaluate(ctx, p, ev)
}

func activation(ev *models.Event) map[string]interface{} {
	doc := ev.Document()
	vars := map[string]interface{}{
		"id":            ev.ID,
		"eventType":     string(ev.Type),
		"action":        string(ev.Action),
		"entityType":    ev.EntityType,
		"entityId":      ev.EntityID,
		"timestamp":     ev.Timestamp,
		"source":        doc["source"],
		"data":          nonNilMap(ev.Data),
		"previousData":  nonNilMap(ev.PreviousData),
		"metadata":      doc["metadata"],
		"changedFields": doc["changedFields"],
	}
	return vars
}

func nonNilMap(d models.Document) map[string]interface{} {
	if d == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}(d)
}
