// Package metrics provides Prometheus metrics collection for the chat backend.
// It tracks memory provider operations, fallback activity, and LLM call latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "talk2me"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

var (
	// MemoryOperations counts memory provider operations by outcome.
	MemoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Total memory provider operations",
		},
		[]string{"provider", "operation", "outcome"},
	)

	// MemoryOperationLatency tracks memory operation latency.
	MemoryOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_operation_latency_seconds",
			Help:      "Memory provider operation latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "operation"},
	)

	// MemoryFallbacks counts call-time fallbacks from the active provider.
	MemoryFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_fallbacks_total",
			Help:      "Total call-time fallbacks to the secondary memory provider",
		},
		[]string{"from_provider", "operation", "outcome"},
	)

	// ActiveMemoryProvider exposes the currently selected provider as a
	// one-hot gauge over provider names.
	ActiveMemoryProvider = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_active_provider",
			Help:      "Currently active memory provider (1 for active, 0 otherwise)",
		},
		[]string{"provider"},
	)

	// ProviderSelections counts router provider selections, including
	// selection-time fallbacks to the local provider.
	ProviderSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_provider_selections_total",
			Help:      "Total memory provider selection attempts",
		},
		[]string{"provider", "outcome"},
	)

	// LLMLatency tracks upstream chat-completion call latency.
	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Upstream LLM call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// EmbeddingCache counts embedding cache hits and misses per tier.
	EmbeddingCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
)

// ObserveMemoryOp records one memory operation with its latency and outcome.
func ObserveMemoryOp(provider, op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	MemoryOperations.WithLabelValues(provider, op, outcome).Inc()
	MemoryOperationLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}

// SetActiveProvider updates the one-hot active provider gauge.
func SetActiveProvider(active string, known []string) {
	for _, name := range known {
		v := 0.0
		if name == active {
			v = 1.0
		}
		ActiveMemoryProvider.WithLabelValues(name).Set(v)
	}
}
