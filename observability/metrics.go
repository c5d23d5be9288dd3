package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	faucetMetricsOnce sync.Once
	faucetRegistry    *FaucetMetrics
)

// FaucetMetrics wraps the Prometheus collectors tracking faucet health.
type FaucetMetrics struct {
	requests       *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	retries        prometheus.Counter
	latency        prometheus.Histogram
	queueDepth     prometheus.Gauge
	reservedNonces prometheus.Gauge
	fundingBalance prometheus.Gauge
	healthy        prometheus.Gauge
}

// Faucet returns the lazily initialised metrics registry for the faucet
// dispatch pipeline.
func Faucet() *FaucetMetrics {
	faucetMetricsOnce.Do(func() {
		faucetRegistry = &FaucetMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "admission",
				Name:      "requests_total",
				Help:      "Count of disbursement requests segmented by admission verdict.",
			}, []string{"verdict"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "dispatch",
				Name:      "submissions_total",
				Help:      "Count of terminal submission outcomes segmented by outcome.",
			}, []string{"outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "dispatch",
				Name:      "retries_total",
				Help:      "Count of submission attempts repeated after a transient chain error.",
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "faucet",
				Subsystem: "dispatch",
				Name:      "disbursement_latency_seconds",
				Help:      "Latency distribution from admission to terminal outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "faucet",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Number of admitted jobs that have not reached a terminal outcome.",
			}),
			reservedNonces: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "faucet",
				Subsystem: "ledger",
				Name:      "reserved_nonces",
				Help:      "Number of nonces reserved for in-flight submissions.",
			}),
			fundingBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "faucet",
				Subsystem: "funding",
				Name:      "balance_wei",
				Help:      "Last observed funding account balance in wei.",
			}),
			healthy: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "faucet",
				Subsystem: "funding",
				Name:      "healthy",
				Help:      "Whether the chain is reachable and the funding balance is above the floor (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			faucetRegistry.requests,
			faucetRegistry.submissions,
			faucetRegistry.retries,
			faucetRegistry.latency,
			faucetRegistry.queueDepth,
			faucetRegistry.reservedNonces,
			faucetRegistry.fundingBalance,
			faucetRegistry.healthy,
		)
	})
	return faucetRegistry
}

// RecordVerdict increments the admission counter for the supplied verdict.
func (m *FaucetMetrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	if verdict = strings.TrimSpace(verdict); verdict == "" {
		verdict = "unknown"
	}
	m.requests.WithLabelValues(verdict).Inc()
}

// RecordSubmission records a terminal submission outcome.
func (m *FaucetMetrics) RecordSubmission(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.latency.Observe(latency.Seconds())
}

// RecordRetry counts a repeated submission attempt.
func (m *FaucetMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SetQueueDepth updates the in-flight job gauge.
func (m *FaucetMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetReservedNonces updates the reserved nonce gauge.
func (m *FaucetMetrics) SetReservedNonces(count int) {
	if m == nil {
		return
	}
	m.reservedNonces.Set(float64(count))
}

// SetFundingBalance publishes the last observed funding balance.
func (m *FaucetMetrics) SetFundingBalance(balance *big.Int) {
	if m == nil {
		return
	}
	m.fundingBalance.Set(bigToFloat(balance))
}

// SetHealthy toggles the aggregate health gauge.
func (m *FaucetMetrics) SetHealthy(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.healthy.Set(1)
		return
	}
	m.healthy.Set(0)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, _ := new(big.Float).SetInt(value).Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}
