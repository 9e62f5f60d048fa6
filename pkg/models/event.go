package models

import "time"

type EventType string

const (
	EventTypeEntityCreated  EventType = "entity.created"
	EventTypeEntityUpdated  EventType = "entity.updated"
	EventTypeEntityDeleted  EventType = "entity.deleted"
	EventTypeEntityRestored EventType = "entity.restored"
	EventTypeSystem         EventType = "system.event"
	EventTypeBatch          EventType = "batch.operation"
	EventTypeCustom         EventType = "custom"
)

type Action string

const (
	ActionCreate           Action = "create"
	ActionUpdate           Action = "update"
	ActionDelete           Action = "delete"
	ActionRestore          Action = "restore"
	ActionBatchCreate      Action = "batch_create"
	ActionBatchUpdate      Action = "batch_update"
	ActionBatchDelete      Action = "batch_delete"
	ActionStatusChange     Action = "status_change"
	ActionAssignmentChange Action = "assignment_change"
	ActionCustom           Action = "custom"
)

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Event is the canonical form of an inbound change notification.
type Event struct {
	ID           string        `json:"id"`
	Type         EventType     `json:"type"`
	Action       Action        `json:"action"`
	EntityType   string        `json:"entityType"`
	EntityID     string        `json:"entityId"`
	Timestamp    time.Time     `json:"timestamp"`
	Source       Source        `json:"source"`
	Changes      []FieldChange `json:"changes,omitempty"`
	Data         Document      `json:"data,omitempty"`
	PreviousData Document      `json:"previousData,omitempty"`
	Metadata     EventMetadata `json:"metadata"`
	System       *SystemInfo   `json:"system,omitempty"`
	Batch        *BatchInfo    `json:"batch,omitempty"`
}

type Source struct {
	System      string `json:"system"`
	Version     string `json:"version,omitempty"`
	ZoneID      string `json:"zoneId,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Key identifies the source for indexing purposes.
func (s Source) Key() string {
	if s.ZoneID == "" {
		return s.System
	}
	return s.System + "/" + s.ZoneID
}

type FieldChange struct {
	Field    string     `json:"field"`
	OldValue any        `json:"oldValue"`
	NewValue any        `json:"newValue"`
	Kind     ChangeKind `json:"changeKind"`
}

type Actor struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Type  string `json:"type,omitempty"`
}

type EventMetadata struct {
	CorrelationID string    `json:"correlationId"`
	Actor         *Actor    `json:"actor,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	ParsedAt      time.Time `json:"parsedAt"`
	PayloadSize   int       `json:"payloadSize"`
	Enrichment    Document  `json:"enrichment,omitempty"`
}

type SystemInfo struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Details  Document `json:"details,omitempty"`
}

type BatchInfo struct {
	Operation    string   `json:"operation,omitempty"`
	TotalRecords int      `json:"totalRecords"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	EntityIDs    []string `json:"entityIds,omitempty"`
}

// ClassifyChange derives the kind of a field change from the nullability of
// its old and new values.
func ClassifyChange(oldValue, newValue any) ChangeKind {
	switch {
	case oldValue == nil && newValue != nil:
		return ChangeCreate
	case oldValue != nil && newValue == nil:
		return ChangeDelete
	default:
		return ChangeUpdate
	}
}

// AddTag appends tag unless it is already present.
func (e *Event) AddTag(tag string) {
	for _, t := range e.Metadata.Tags {
		if t == tag {
			return
		}
	}
	e.Metadata.Tags = append(e.Metadata.Tags, tag)
}

// Document returns a dot-path addressable view of the event used by route
// conditions and expressions.
func (e *Event) Document() Document {
	doc := Document{
		"id":         e.ID,
		"type":       string(e.Type),
		"action":     string(e.Action),
		"entityType": e.EntityType,
		"entityId":   e.EntityID,
		"timestamp":  e.Timestamp,
		"source": map[string]any{
			"system":      e.Source.System,
			"version":     e.Source.Version,
			"zoneId":      e.Source.ZoneID,
			"environment": e.Source.Environment,
		},
		"data":         map[string]any(e.Data),
		"previousData": map[string]any(e.PreviousData),
		"metadata":     e.metadataMap(),
	}

	changed := make([]any, 0, len(e.Changes))
	for _, c := range e.Changes {
		changed = append(changed, c.Field)
	}
	doc["changedFields"] = changed

	if e.System != nil {
		doc["system"] = map[string]any{
			"kind":     e.System.Kind,
			"message":  e.System.Message,
			"severity": e.System.Severity,
		}
	}
	if e.Batch != nil {
		doc["batch"] = map[string]any{
			"operation":    e.Batch.Operation,
			"totalRecords": e.Batch.TotalRecords,
			"successCount": e.Batch.SuccessCount,
			"failureCount": e.Batch.FailureCount,
		}
	}
	return doc
}

func (e *Event) metadataMap() map[string]any {
	tags := make([]any, 0, len(e.Metadata.Tags))
	for _, t := range e.Metadata.Tags {
		tags = append(tags, t)
	}
	m := map[string]any{
		"correlationId": e.Metadata.CorrelationID,
		"tags":          tags,
		"payloadSize":   e.Metadata.PayloadSize,
		"enrichment":    map[string]any(e.Metadata.Enrichment),
	}
	if a := e.Metadata.Actor; a != nil {
		m["actor"] = map[string]any{"id": a.ID, "name": a.Name, "email": a.Email, "type": a.Type}
	}
	return m
}
