package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the fxsettle collectors.
	Registry = prometheus.NewRegistry()

	quotesComputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxsettle",
			Subsystem: "oracle",
			Name:      "quotes_total",
			Help:      "Quotes recomputed per pair, split by reliability.",
		},
		[]string{"pair", "reliable"},
	)

	validSources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fxsettle",
			Subsystem: "oracle",
			Name:      "valid_sources",
			Help:      "Sources that survived staleness and outlier filtering in the latest quote.",
		},
		[]string{"pair"},
	)

	outliers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxsettle",
			Subsystem: "oracle",
			Name:      "outliers_total",
			Help:      "Reports rejected as outliers.",
		},
		[]string{"pair", "source"},
	)

	sourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxsettle",
			Subsystem: "oracle",
			Name:      "source_failures_total",
			Help:      "Poll failures per source.",
		},
		[]string{"pair", "source"},
	)

	breakerTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxsettle",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker escalations per pair and target level.",
		},
		[]string{"pair", "level"},
	)

	breakerLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fxsettle",
			Subsystem: "breaker",
			Name:      "level",
			Help:      "Current circuit breaker level (0=normal .. 4=emergency).",
		},
		[]string{"pair"},
	)

	paymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxsettle",
			Subsystem: "payments",
			Name:      "transitions_total",
			Help:      "Payment status transitions by target status.",
		},
		[]string{"status"},
	)

	settlementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fxsettle",
			Subsystem: "payments",
			Name:      "settlement_latency_seconds",
			Help:      "Time from payment creation to execution.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 12), // 10ms to ~12h
		},
	)

	escrowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxsettle",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Escrow status transitions by target status.",
		},
		[]string{"status"},
	)

	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fxsettle",
			Subsystem: "poller",
			Name:      "round_duration_seconds",
			Help:      "Duration of a full polling round across all pairs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		quotesComputed,
		validSources,
		outliers,
		sourceFailures,
		breakerTriggers,
		breakerLevel,
		paymentTransitions,
		settlementLatency,
		escrowTransitions,
		pollDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordQuote records a recomputed quote.
func RecordQuote(pair string, valid int, reliable bool) {
	label := "false"
	if reliable {
		label = "true"
	}
	quotesComputed.WithLabelValues(pair, label).Inc()
	validSources.WithLabelValues(pair).Set(float64(valid))
}

// RecordOutlier records one rejected report.
func RecordOutlier(pair, source string) {
	outliers.WithLabelValues(pair, source).Inc()
}

// RecordSourceFailure records a failed poll.
func RecordSourceFailure(pair, source string) {
	sourceFailures.WithLabelValues(pair, source).Inc()
}

// RecordBreakerTransition records a breaker move to level (ordinal value ord).
func RecordBreakerTransition(pair, level string, ord int) {
	breakerTriggers.WithLabelValues(pair, level).Inc()
	breakerLevel.WithLabelValues(pair).Set(float64(ord))
}

// RecordPaymentTransition records a payment entering status.
func RecordPaymentTransition(status string) {
	paymentTransitions.WithLabelValues(status).Inc()
}

// ObserveSettlement records the create-to-execute latency of a payment.
func ObserveSettlement(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	settlementLatency.Observe(latency.Seconds())
}

// RecordEscrowTransition records an escrow entering status.
func RecordEscrowTransition(status string) {
	escrowTransitions.WithLabelValues(status).Inc()
}

// ObservePollRound records the duration of one polling round.
func ObservePollRound(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	pollDuration.Observe(d.Seconds())
}
