package delivery

import (
	"context"
	"strconv"

	"hookrelay/internal/broker"
	"hookrelay/internal/constants"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/models"
)

// DeadLetterSink receives jobs that will not be retried automatically.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job Job) error
}

// BrokerDeadLetterSink publishes dead-lettered jobs to a topic.
type BrokerDeadLetterSink struct {
	producer broker.Producer
	topic    string
}

func NewBrokerDeadLetterSink(producer broker.Producer, topic string) *BrokerDeadLetterSink {
	if topic == "" {
		topic = constants.DefaultDLQTopic
	}
	return &BrokerDeadLetterSink{producer: producer, topic: topic}
}

func (s *BrokerDeadLetterSink) DeadLetter(ctx context.Context, job Job) error {
	envelope, err := models.NewEnvelope(models.EnvelopeKindDeadLetter, constants.ServiceName, job)
	if err != nil {
		return err
	}
	envelope.CorrelationID = job.Event.Metadata.CorrelationID
	envelope.SetAttribute("job_id", job.ID)
	envelope.SetAttribute("event_id", job.Event.ID)
	envelope.SetAttribute("handler_id", job.HandlerID)
	envelope.SetAttribute("attempts", strconv.Itoa(job.Attempt))
	envelope.SetAttribute("dlq_reason", job.Error)

	if err := s.producer.Publish(ctx, s.topic, envelope); err != nil {
		return err
	}
	metrics.DLQMessagesTotal.WithLabelValues(constants.ServiceName, s.topic, "delivery_failed").Inc()
	return nil
}
