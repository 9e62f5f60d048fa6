package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckerRegistryAggregates(t *testing.T) {
	ok := NewCheckFunc("store", func(ctx context.Context) error { return nil })
	slow := NewCheckFunc("delivery", func(ctx context.Context) error { return Degraded("backlog %d", 900) })
	down := NewCheckFunc("ingress", func(ctx context.Context) error { return errors.New("not initialized") })

	tests := []struct {
		name     string
		checkers []Checker
		want     Status
		code     int
	}{
		{"all healthy", []Checker{ok}, StatusHealthy, 200},
		{"degraded", []Checker{ok, slow}, StatusDegraded, 200},
		{"unhealthy wins", []Checker{ok, slow, down}, StatusUnhealthy, 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCheckerRegistry()
			for _, c := range tt.checkers {
				r.Register(c)
			}
			h := r.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Equal(t, tt.code, h.HTTPStatus())
		})
	}
}

func TestDegradedMessage(t *testing.T) {
	r := NewCheckerRegistry()
	r.Register(NewCheckFunc("delivery", func(ctx context.Context) error { return Degraded("backlog %d", 5) }))

	h := r.Check(context.Background())
	assert.Equal(t, "backlog 5", h.Checks["delivery"].Message)
	assert.Equal(t, StatusDegraded, h.Checks["delivery"].Status)
}

func TestOptionalFailureDegrades(t *testing.T) {
	r := NewCheckerRegistry()
	r.Register(NewCheckFunc("store", func(ctx context.Context) error { return nil }))
	r.RegisterOptional(NewCheckFunc("postgresql", func(ctx context.Context) error { return errors.New("connection refused") }))

	h := r.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, 200, h.HTTPStatus())
	assert.True(t, h.Checks["postgresql"].Optional)
	assert.Equal(t, StatusUnhealthy, h.Checks["postgresql"].Status)
}

func TestCheckTimeout(t *testing.T) {
	r := NewCheckerRegistry()
	r.timeout = 10 * time.Millisecond
	r.Register(NewCheckFunc("store", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	h := r.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Checks["store"].Message, "deadline exceeded")
}
