package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/xtrntr/spotex/internal/kafka"
	"github.com/xtrntr/spotex/internal/models"
)

const EventMatchRequested = "match.requested"

// MatchRequest is the message on the match request topic
type MatchRequest struct {
	kafka.Envelope
	OrderID int64 `json:"order_id"`
}

// KafkaPublisher publishes match requests keyed by order id, so every
// request for one order lands on the same partition.
type KafkaPublisher struct {
	publisher kafka.Publisher
	topic     string
}

func NewKafkaPublisher(publisher kafka.Publisher, topic string) *KafkaPublisher {
	return &KafkaPublisher{publisher: publisher, topic: topic}
}

func (p *KafkaPublisher) PublishMatch(ctx context.Context, orderID int64) error {
	key := strconv.FormatInt(orderID, 10)
	env, err := kafka.NewEnvelope(EventMatchRequested, 1, key)
	if err != nil {
		return err
	}
	if _, _, err := p.publisher.PublishJSON(ctx, p.topic, key, MatchRequest{Envelope: env, OrderID: orderID}); err != nil {
		return fmt.Errorf("publish match request %d: %w", orderID, err)
	}
	return nil
}

// MatchHandler consumes match requests. Malformed requests and invariant
// violations are dead-lettered; other matcher errors are retried.
type MatchHandler struct {
	matcher Matcher
	logger  *slog.Logger
}

func NewMatchHandler(matcher Matcher, logger *slog.Logger) *MatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchHandler{matcher: matcher, logger: logger}
}

func (h *MatchHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var req MatchRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return kafka.DLQ(fmt.Errorf("decode match request: %w", err), "decode")
	}
	if err := req.Envelope.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_envelope")
	}
	if req.OrderID <= 0 {
		return kafka.DLQ(fmt.Errorf("order_id must be positive, got %d", req.OrderID), "invalid_order_id")
	}

	result, err := h.matcher.MatchOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			return kafka.DLQ(err, "invariant_violation")
		}
		return err
	}
	h.logger.Debug("match request handled", "order_id", req.OrderID, "event_id", req.EventID, "outcome", result.Outcome)
	return nil
}
