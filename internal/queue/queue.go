// Package queue carries "try to match order N" requests from placement to
// the matcher, either through an in-process worker pool or through Kafka.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xtrntr/spotex/internal/exchange"
	"github.com/xtrntr/spotex/internal/models"
)

var ErrQueueClosed = errors.New("match queue closed")

// Matcher runs one match attempt
type Matcher interface {
	MatchOrder(ctx context.Context, orderID int64) (exchange.MatchResult, error)
}

// DeadLetterSink receives match requests that will never be retried.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, orderID int64, reason string, err error)
}

type Metrics struct {
	DeadLetters *prometheus.CounterVec
	Depth       prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotex_dead_letters_total",
				Help: "Match requests given up on, by reason.",
			},
			[]string{"reason"},
		),
		Depth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spotex_match_queue_depth",
				Help: "Match requests waiting in the in-process queue.",
			},
		),
	}
	registry.MustRegister(m.DeadLetters, m.Depth)
	return m
}

// ObserveDeadLetter implements kafka.DeadLetterObserver.
func (m *Metrics) ObserveDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(reason).Inc()
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.Depth.Set(float64(n))
}

// LogSink logs dead letters and counts them.
type LogSink struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

func (s LogSink) DeadLetter(_ context.Context, orderID int64, reason string, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("match request dead-lettered", "order_id", orderID, "reason", reason, "error", err)
	s.Metrics.ObserveDeadLetter(reason)
}

// MemoryQueue is a buffered channel drained by a fixed pool of workers
type MemoryQueue struct {
	matcher     Matcher
	ch          chan int64
	workers     int
	maxAttempts int
	backoff     time.Duration
	sink        DeadLetterSink
	logger      *slog.Logger
	metrics     *Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewMemoryQueue(matcher Matcher, size, workers int, logger *slog.Logger, metrics *Metrics) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &MemoryQueue{
		matcher:     matcher,
		ch:          make(chan int64, size),
		workers:     workers,
		maxAttempts: 3,
		backoff:     50 * time.Millisecond,
		sink:        LogSink{Logger: logger, Metrics: metrics},
		logger:      logger,
		metrics:     metrics,
	}
}

// WithDeadLetterSink replaces the default logging sink.
func (q *MemoryQueue) WithDeadLetterSink(sink DeadLetterSink) *MemoryQueue {
	q.sink = sink
	return q
}

// Start launches the workers. They run until Close.
func (q *MemoryQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for orderID := range q.ch {
				q.metrics.setDepth(len(q.ch))
				q.handle(ctx, orderID)
			}
			q.logger.Debug("match worker stopped", "worker", worker)
		}(i)
	}
	q.logger.Info("match workers started", "workers", q.workers, "queue_size", cap(q.ch))
}

// PublishMatch enqueues orderID, blocking while the queue is full.
func (q *MemoryQueue) PublishMatch(ctx context.Context, orderID int64) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- orderID:
		q.metrics.setDepth(len(q.ch))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests and waits for the queued ones to finish.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *MemoryQueue) handle(ctx context.Context, orderID int64) {
	var err error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		_, err = q.matcher.MatchOrder(ctx, orderID)
		if err == nil {
			return
		}
		if errors.Is(err, models.ErrInvariantViolation) {
			q.sink.DeadLetter(ctx, orderID, "invariant_violation", err)
			return
		}
		if attempt < q.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.backoff * time.Duration(attempt)):
			}
		}
	}
	q.sink.DeadLetter(ctx, orderID, "max_retries", err)
}
