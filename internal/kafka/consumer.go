package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// DeadLetterObserver is told about every message routed to the DLQ.
type DeadLetterObserver interface {
	ObserveDeadLetter(reason string)
}

// ConsumerOptions controls retries and dead-lettering for a Consumer
type ConsumerOptions struct {
	DLQPublisher Publisher
	DLQTopic     string
	MaxAttempts  int
	RetryBackoff time.Duration
	Observer     DeadLetterObserver
}

type Consumer struct {
	group  sarama.ConsumerGroup
	opts   ConsumerOptions
	logger *slog.Logger
}

func NewConsumer(brokers []string, groupID string, opts ConsumerOptions, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		opts:   opts,
		logger: logger,
	}, nil
}

// Consume blocks until ctx is cancelled, rejoining the group after errors
// and rebalances.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := newConsumerGroupHandler(handler, c.opts, c.logger)
	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	backoff      time.Duration
	observer     DeadLetterObserver
}

func newConsumerGroupHandler(handler MessageHandler, opts ConsumerOptions, logger *slog.Logger) *consumerGroupHandler {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &consumerGroupHandler{
		handler:      handler,
		logger:       logger,
		dlqPublisher: opts.DLQPublisher,
		dlqTopic:     opts.DLQTopic,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		observer:     opts.Observer,
	}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.process(session.Context(), msg); err != nil {
			// Leave the offset unmarked so the message is redelivered after
			// the session restarts.
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// process retries transient failures in place and dead-letters the rest.
// It only returns an error when the message could not be disposed of.
func (h *consumerGroupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var err error
	attempt := 1
	for ; attempt <= h.maxAttempts; attempt++ {
		err = h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			return h.deadLetter(ctx, msg, dlqErr, attempt)
		}
		h.logger.Warn("kafka message handler error",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempt, "error", err)
		if attempt == h.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}
	return h.deadLetter(ctx, msg, &DLQError{Err: err, Reason: "max_retries"}, h.maxAttempts)
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) error {
	h.logger.Error("kafka message dead-lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
		"reason", dlqErr.Reason, "error", dlqErr.Err)
	if h.observer != nil {
		h.observer.ObserveDeadLetter(dlqErr.Reason)
	}
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		return nil
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	if _, _, err := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, payload.Key, payload); err != nil {
		return fmt.Errorf("publish dlq: %w", err)
	}
	return nil
}
