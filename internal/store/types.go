package store

import (
	"time"

	"hookrelay/pkg/models"
)

// StoredEvent is the persisted form of an event.
type StoredEvent struct {
	ID                string             `json:"id"`
	Event             models.Event       `json:"event"`
	StoredAt          time.Time          `json:"storedAt"`
	ExpiresAt         *time.Time         `json:"expiresAt,omitempty"`
	ProcessingResults []ProcessingResult `json:"processingResults,omitempty"`
	Metadata          StoredMetadata     `json:"metadata"`
}

type StoredMetadata struct {
	// Size is the length of the event's uncompressed JSON encoding.
	Size       int  `json:"size"`
	Compressed bool `json:"compressed"`
	Indexed    bool `json:"indexed"`
}

// ProcessingResult records one handler outcome for a stored event.
type ProcessingResult struct {
	HandlerID   string    `json:"handlerId"`
	RouteID     string    `json:"routeId,omitempty"`
	JobID       string    `json:"jobId,omitempty"`
	Status      string    `json:"status"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	DurationMs  float64   `json:"durationMs,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

func (s *StoredEvent) expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Stats describes the store contents.
type Stats struct {
	Events       int    `json:"events"`
	StoredBytes  int64  `json:"storedBytes"`
	IndexEntries int    `json:"indexEntries"`
	Indexing     bool   `json:"indexing"`
	Compression  bool   `json:"compression"`
	Persistence  string `json:"persistence"`
	Backend      string `json:"backend"`
}
