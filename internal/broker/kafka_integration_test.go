//go:build integration

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/config"
	"hookrelay/internal/logger"
	"hookrelay/internal/testinfra"
	"hookrelay/pkg/models"
)

func TestKafkaRoundTrip(t *testing.T) {
	cfg := config.KafkaConfig{
		Brokers: testinfra.Kafka(t),
		GroupID: "hookrelay-test",
		Retry:   config.RetryConfig{MaxAttempts: 5, InitialInterval: 500 * time.Millisecond},
	}
	log := logger.NopLogger()
	topic := "hookrelay.route-changes.test"

	producer := NewKafkaProducer(cfg, log)
	defer producer.Close()

	change := models.RouteChangeEvent{RouteID: "r1", Action: models.RouteActionUpdate, ChangedBy: "ops"}
	envelope, err := models.NewEnvelope(models.EnvelopeKindRouteChange, "test", change)
	require.NoError(t, err)
	require.NoError(t, producer.Publish(context.Background(), topic, envelope))

	consumer := NewKafkaConsumer(cfg, log)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	received := make(chan models.Envelope, 1)
	go consumer.Consume(ctx, topic, func(_ context.Context, msg models.Envelope) error {
		received <- msg
		cancel()
		return nil
	})

	select {
	case msg := <-received:
		assert.Equal(t, envelope.ID, msg.ID)
		assert.Equal(t, models.EnvelopeKindRouteChange, msg.Kind)

		var got models.RouteChangeEvent
		require.NoError(t, msg.Decode(&got))
		assert.Equal(t, "r1", got.RouteID)
	case <-ctx.Done():
		t.Fatal("envelope was not consumed")
	}
}
