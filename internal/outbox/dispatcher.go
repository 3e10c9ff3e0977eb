// Package outbox drains committed outbox messages into the notifiers.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/notify"
)

// Source hands out pending outbox messages. store.Store satisfies it.
type Source interface {
	ClaimOutbox(ctx context.Context, limit int, fn func(msg models.OutboxMessage) error) (int, error)
}

type Metrics struct {
	Dispatched *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotex_outbox_dispatched_total",
				Help: "Outbox messages handled by the dispatcher, by status.",
			},
			[]string{"status"},
		),
	}
	registry.MustRegister(m.Dispatched)
	return m
}

func (m *Metrics) inc(status string) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(status).Inc()
}

// Dispatcher polls the outbox and delivers every message at least once.
// A message whose delivery fails stays pending for the next tick.
type Dispatcher struct {
	source    Source
	notifier  notify.Notifier
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	metrics   *Metrics
}

func NewDispatcher(source Source, notifier notify.Notifier, interval time.Duration, batchSize int, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		source:    source,
		notifier:  notifier,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("outbox dispatcher started", "interval", d.interval.String(), "batch_size", d.batchSize)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			// Keep draining while full batches come back.
			for {
				n, err := d.DispatchOnce(ctx)
				if err != nil {
					d.logger.Error("outbox dispatch failed", "error", err)
					break
				}
				if n < d.batchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// DispatchOnce handles one batch and returns how many messages it settled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	return d.source.ClaimOutbox(ctx, d.batchSize, func(msg models.OutboxMessage) error {
		return d.deliver(ctx, msg)
	})
}

func (d *Dispatcher) deliver(ctx context.Context, msg models.OutboxMessage) error {
	if msg.Topic != models.TopicOrderMatched {
		d.logger.Warn("dropping outbox message with unknown topic", "id", msg.ID, "topic", msg.Topic)
		d.metrics.inc("dropped")
		return nil
	}

	var n models.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		// Retrying cannot fix a payload that does not decode.
		d.logger.Error("dropping undecodable outbox message", "id", msg.ID, "error", err)
		d.metrics.inc("dropped")
		return nil
	}

	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Warn("outbox delivery failed", "id", msg.ID, "trade_id", n.Trade.TradeID, "error", err)
		d.metrics.inc("failed")
		return err
	}
	d.metrics.inc("ok")
	return nil
}
