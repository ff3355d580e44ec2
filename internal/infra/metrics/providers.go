package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(providerCallLatencyMs, providerErrorsTotal, providerPromptTokens) }

var providerCallLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "provider_call_latency_ms",
		Help:    "External provider call latency distribution in milliseconds.",
		Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	},
	[]string{"provider", "op", "success"},
)

var providerErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "provider_errors_total",
		Help: "Normalized provider failures by kind.",
	},
	[]string{"provider", "op", "kind"},
)

var providerPromptTokens = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "provider_prompt_tokens_total",
		Help: "Sum of prompt tokens sent to text-capable providers.",
	},
	[]string{"provider", "op"},
)

func ObserveProviderCall(provider, op string, latencyMs int64, success bool) {
	providerCallLatencyMs.WithLabelValues(norm(provider), norm(op), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func IncProviderError(provider, op, kind string) {
	providerErrorsTotal.WithLabelValues(norm(provider), norm(op), norm(kind)).Inc()
}

func AddPromptTokens(provider, op string, n int) {
	providerPromptTokens.WithLabelValues(norm(provider), norm(op)).Add(float64(n))
}
