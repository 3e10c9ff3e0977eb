package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xtrntr/spotex/internal/models"
)

type Metrics struct {
	OrdersPlaced  *prometheus.CounterVec
	MatchAttempts *prometheus.CounterVec
	MatchDuration prometheus.Histogram
	Cancellations *prometheus.CounterVec
	MatchEnqueue  *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotex_orders_placed_total",
				Help: "Order placement attempts by side and result.",
			},
			[]string{"side", "status"},
		),
		MatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotex_match_attempts_total",
				Help: "Match attempts by outcome.",
			},
			[]string{"outcome"},
		),
		MatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spotex_match_duration_seconds",
				Help:    "Match attempt duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotex_cancellations_total",
				Help: "Cancellation attempts by result.",
			},
			[]string{"status"},
		),
		MatchEnqueue: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotex_match_enqueue_total",
				Help: "Match requests published after placement.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(m.OrdersPlaced, m.MatchAttempts, m.MatchDuration, m.Cancellations, m.MatchEnqueue)
	return m
}

func (m *Metrics) incPlaced(side, status string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(side, status).Inc()
}

func (m *Metrics) observeMatch(outcome MatchOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.MatchAttempts.WithLabelValues(string(outcome)).Inc()
	m.MatchDuration.Observe(duration.Seconds())
}

func (m *Metrics) incCancel(status string) {
	if m == nil {
		return
	}
	m.Cancellations.WithLabelValues(status).Inc()
}

func (m *Metrics) incEnqueue(status string) {
	if m == nil {
		return
	}
	m.MatchEnqueue.WithLabelValues(status).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case models.IsRejection(err):
		return "rejected"
	default:
		return "error"
	}
}
