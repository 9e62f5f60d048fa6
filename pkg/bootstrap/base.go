package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"hookrelay/internal/broker"
	"hookrelay/internal/config"
	"hookrelay/internal/logger"
)

// Base carries what every hookrelay process needs regardless of which
// storage backends it runs with.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
	Consumer broker.Consumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker connects the producer and consumer. Without a configured broker
// the producer discards envelopes and no consumer is created, so route
// changes stay on this instance and dead letters are only kept in memory.
func (b *Base) InitBroker(serviceName string) error {
	if !b.Config.Broker.KafkaEnabled() {
		b.Producer = broker.NopProducer{}
		b.Logger.Info("No broker configured, route changes and dead letters stay local")
		return nil
	}

	producer, consumer, err := broker.New(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker clients: %w", err)
	}
	if serviceName != "" {
		consumer.SetServiceName(serviceName)
	}

	b.Producer = producer
	b.Consumer = consumer
	b.Logger.Infow("Kafka broker configured",
		"brokers", b.Config.Broker.Kafka.Brokers,
		"group_id", b.Config.Broker.Kafka.GroupID,
	)
	return nil
}

// ShutdownBroker closes the consumer before the producer so that no
// in-flight route change is acknowledged after its publisher is gone.
func (b *Base) ShutdownBroker() []error {
	var errs []error
	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}
	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}
	return errs
}

// Shutdown runs additionalShutdown before closing the broker, then joins
// every error encountered.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error
	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}
	errs = append(errs, b.ShutdownBroker()...)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
