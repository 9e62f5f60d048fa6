package handlers

import (
	"context"
	"fmt"

	"hookrelay/internal/broker"
	"hookrelay/internal/constants"
	"hookrelay/pkg/models"
)

// KafkaHandler forwards the canonical event to a topic.
type KafkaHandler struct {
	id       string
	priority int
	topic    string
	producer broker.Producer
}

func NewKafkaHandler(id string, priority int, topic string, producer broker.Producer) *KafkaHandler {
	return &KafkaHandler{id: id, priority: priority, topic: topic, producer: producer}
}

func (h *KafkaHandler) ID() string    { return h.id }
func (h *KafkaHandler) Priority() int { return h.priority }

func (h *KafkaHandler) Handle(ctx context.Context, ev models.Event) (any, error) {
	env, err := models.NewEnvelope(models.EnvelopeKindEvent, constants.ServiceName, ev)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = ev.Metadata.CorrelationID
	env.SetAttribute("event_id", ev.ID)
	env.SetAttribute("entity_type", ev.EntityType)
	env.SetAttribute("action", string(ev.Action))

	if err := h.producer.Publish(ctx, h.topic, env); err != nil {
		return nil, fmt.Errorf("forward event %s to %s: %w", ev.ID, h.topic, err)
	}
	return map[string]any{"topic": h.topic, "envelopeId": env.ID}, nil
}
