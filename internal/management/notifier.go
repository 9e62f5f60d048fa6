package management

import (
	"context"
	"time"

	"hookrelay/internal/broker"
	"hookrelay/internal/constants"
	"hookrelay/pkg/models"
)

// BrokerNotifier publishes route changes as envelopes on a topic.
type BrokerNotifier struct {
	producer broker.Producer
	topic    string
	origin   string
}

func NewBrokerNotifier(producer broker.Producer, topic, origin string) *BrokerNotifier {
	if topic == "" {
		topic = constants.DefaultRouteUpdateTopic
	}
	return &BrokerNotifier{producer: producer, topic: topic, origin: origin}
}

func (n *BrokerNotifier) RouteChanged(ctx context.Context, action, routeID, changedBy string) error {
	if n.producer == nil {
		return nil
	}

	event := models.RouteChangeEvent{
		RouteID:   routeID,
		Action:    action,
		Timestamp: time.Now().UTC(),
		ChangedBy: changedBy,
		Origin:    n.origin,
	}
	envelope, err := models.NewEnvelope(models.EnvelopeKindRouteChange, constants.ServiceName, event)
	if err != nil {
		return err
	}
	envelope.CorrelationID = routeID
	envelope.SetAttribute("action", action)
	envelope.SetAttribute("origin", n.origin)

	return n.producer.Publish(ctx, n.topic, envelope)
}
