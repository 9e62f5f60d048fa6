package delivery

import (
	"time"

	"hookrelay/internal/handler"
	"hookrelay/pkg/models"
)

type Mode string

const (
	AtLeastOnce Mode = "at_least_once"
	ExactlyOnce Mode = "exactly_once"
)

type JobStatus string

const (
	StatusQueued         JobStatus = "queued"
	StatusProcessing     JobStatus = "processing"
	StatusCompleted      JobStatus = "completed"
	StatusRetryScheduled JobStatus = "retry_scheduled"
	StatusDeadLettered   JobStatus = "dead_lettered"
)

// Options tune a single delivery. Zero values fall back to the coordinator
// defaults.
type Options struct {
	Mode    Mode
	Timeout time.Duration
	Policy  *RetryPolicy
	RouteID string
}

// Job is a snapshot of one delivery attempt chain for an (event, handler)
// pair.
type Job struct {
	ID             string       `json:"id"`
	Event          models.Event `json:"event"`
	HandlerID      string       `json:"handlerId"`
	RouteID        string       `json:"routeId,omitempty"`
	Mode           Mode         `json:"mode"`
	Status         JobStatus    `json:"status"`
	Attempt        int          `json:"attempt"`
	MaxAttempts    int          `json:"maxAttempts"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	ScheduledAt    *time.Time   `json:"scheduledAt,omitempty"`
	ProcessedAt    *time.Time   `json:"processedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	Error          string       `json:"error,omitempty"`
	Result         any          `json:"result,omitempty"`
}

type jobRecord struct {
	job      Job
	handler  handler.Handler
	timeout  time.Duration
	policy   RetryPolicy
	duration time.Duration
}

func timePtr(t time.Time) *time.Time {
	return &t
}
