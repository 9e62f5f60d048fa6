package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

// Handler is a named asynchronous operation a route or delivery job invokes.
type Handler interface {
	ID() string
	Priority() int
	Handle(ctx context.Context, ev models.Event) (any, error)
}

// Func adapts a plain function to Handler.
type Func struct {
	HandlerID       string
	HandlerPriority int
	Fn              func(ctx context.Context, ev models.Event) (any, error)
}

func (f Func) ID() string    { return f.HandlerID }
func (f Func) Priority() int { return f.HandlerPriority }

func (f Func) Handle(ctx context.Context, ev models.Event) (any, error) {
	return f.Fn(ctx, ev)
}

func NewFunc(id string, priority int, fn func(ctx context.Context, ev models.Event) (any, error)) Func {
	return Func{HandlerID: id, HandlerPriority: priority, Fn: fn}
}

type outcome struct {
	result any
	err    error
}

// Invoke runs h with a deadline. If the deadline passes first Invoke returns
// a TIMEOUT error without waiting for h; h keeps running until it observes
// its context. A panic inside h is returned as an internal error.
func Invoke(ctx context.Context, h Handler, ev models.Event, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return errors.SafeCallResult(func() (any, error) { return h.Handle(ctx, ev) })
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan outcome, 1)

	go func() {
		defer cancel()
		result, err := errors.SafeCallResult(func() (any, error) { return h.Handle(runCtx, ev) })
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, errors.ErrTimeout.
			WithDetail("handler", h.ID()).
			WithDetail("timeout", timeout.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry holds handlers by id.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil || h.ID() == "" {
		return errors.ErrValidation.WithDetail("message", "handler id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.ID()]; exists {
		return errors.ErrConflict.WithDetail("message", fmt.Sprintf("handler %s already registered", h.ID()))
	}
	r.handlers[h.ID()] = h
	return nil
}

// Replace registers h, overwriting any handler with the same id.
func (r *Registry) Replace(h Handler) {
	r.mu.Lock()
	r.handlers[h.ID()] = h
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// List returns handlers by descending priority, then id.
func (r *Registry) List() []Handler {
	r.mu.RLock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
