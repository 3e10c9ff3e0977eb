package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/xtrntr/spotex/internal/kafka"
	"github.com/xtrntr/spotex/internal/models"
)

// OrderMatchedEvent is the message on the notifications topic
type OrderMatchedEvent struct {
	kafka.Envelope
	models.Notification
}

// KafkaNotifier publishes one event per trade, keyed by trade id. The event
// id is derived from the trade so redelivered outbox messages keep it.
type KafkaNotifier struct {
	publisher kafka.Publisher
	topic     string
}

func NewKafkaNotifier(publisher kafka.Publisher, topic string) *KafkaNotifier {
	if topic == "" {
		topic = models.TopicOrderMatched
	}
	return &KafkaNotifier{publisher: publisher, topic: topic}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n models.Notification) error {
	key := strconv.FormatInt(n.Trade.TradeID, 10)
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID("trade", key), EventOrderMatched, 1, key)
	if err != nil {
		return err
	}
	if _, _, err := k.publisher.PublishJSON(ctx, k.topic, key, OrderMatchedEvent{Envelope: env, Notification: n}); err != nil {
		return fmt.Errorf("publish trade %d: %w", n.Trade.TradeID, err)
	}
	return nil
}
