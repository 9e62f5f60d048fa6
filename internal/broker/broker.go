// Package broker carries route change notifications between hookrelay
// instances and dead-lettered jobs out to operators.
package broker

import (
	"context"
	"fmt"

	"hookrelay/internal/config"
	"hookrelay/internal/logger"
	"hookrelay/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, msg models.Envelope) error
	Close() error
}

type Consumer interface {
	// Consume blocks until ctx is done, handing each envelope on topic to
	// handler. A handler error is retried and then dead-lettered.
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg models.Envelope) error

// New builds the producer and consumer for the configured broker type.
func New(cfg config.BrokerConfig, log logger.Logger) (Producer, Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaProducer(cfg.Kafka, log), NewKafkaConsumer(cfg.Kafka, log), nil
	default:
		return nil, nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

// NopProducer discards everything. Used when no broker is configured.
type NopProducer struct{}

func (NopProducer) Publish(_ context.Context, _ string, _ models.Envelope) error { return nil }
func (NopProducer) Close() error                                                 { return nil }
