// Package metrics holds the engine's Prometheus collectors. They register on
// the default registry and are served by the HTTP API on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// signalsTotal counts ingested signals by outcome (accepted, stale, rate_limited, ...).
	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeguard_signals_total",
		Help: "Liveness signals by validation outcome",
	}, []string{"outcome"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeguard_decisions_total",
		Help: "Alert decisions by outcome and level",
	}, []string{"outcome", "level"})

	deliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeguard_delivery_attempts_total",
		Help: "Delivery attempts by channel and status",
	}, []string{"channel", "status"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifeguard_offline_queue_depth",
		Help: "Messages waiting in the offline queue",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifeguard_poll_cycle_duration_seconds",
		Help:    "Poll cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})

	pairErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeguard_pair_errors_total",
		Help: "Pair evaluations that failed, by kind",
	}, []string{"kind"})
)

func Signal(outcome string) { signalsTotal.WithLabelValues(outcome).Inc() }

func Decision(outcome, level string) { decisionsTotal.WithLabelValues(outcome, level).Inc() }

func DeliveryAttempt(channel, status string) {
	deliveryAttemptsTotal.WithLabelValues(channel, status).Inc()
}

func QueueDepth(n int) { queueDepth.Set(float64(n)) }

func CycleDuration(d time.Duration) { cycleDuration.Observe(d.Seconds()) }

func PairError(kind string) { pairErrorsTotal.WithLabelValues(kind).Inc() }
