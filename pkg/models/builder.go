package models

import "time"

type EventBuilder struct {
	event *Event
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: &Event{
			Type:   EventTypeCustom,
			Action: ActionCustom,
			Data:   Document{},
		},
	}
}

func (b *EventBuilder) WithID(id string) *EventBuilder {
	b.event.ID = id
	return b
}

func (b *EventBuilder) WithEntity(entityType, entityID string) *EventBuilder {
	b.event.EntityType = entityType
	b.event.EntityID = entityID
	return b
}

func (b *EventBuilder) WithTypeAndAction(eventType EventType, action Action) *EventBuilder {
	b.event.Type = eventType
	b.event.Action = action
	return b
}

func (b *EventBuilder) WithTimestamp(timestamp time.Time) *EventBuilder {
	b.event.Timestamp = timestamp
	return b
}

func (b *EventBuilder) WithSource(source Source) *EventBuilder {
	b.event.Source = source
	return b
}

func (b *EventBuilder) WithData(data Document) *EventBuilder {
	b.event.Data = data
	return b
}

func (b *EventBuilder) WithChange(field string, oldValue, newValue any) *EventBuilder {
	b.event.Changes = append(b.event.Changes, FieldChange{
		Field:    field,
		OldValue: oldValue,
		NewValue: newValue,
		Kind:     ClassifyChange(oldValue, newValue),
	})
	return b
}

func (b *EventBuilder) WithCorrelationID(correlationID string) *EventBuilder {
	b.event.Metadata.CorrelationID = correlationID
	return b
}

func (b *EventBuilder) Build() *Event {
	if b.event.Timestamp.IsZero() {
		b.event.Timestamp = time.Now().UTC()
	}
	if b.event.Source.System == "" {
		b.event.Source.System = "unknown"
	}
	if b.event.Metadata.ParsedAt.IsZero() {
		b.event.Metadata.ParsedAt = time.Now().UTC()
	}
	return b.event
}
