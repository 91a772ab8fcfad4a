package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exporter publishes folded samples as Prometheus metrics.
type Exporter struct {
	samplesTotal   *prometheus.CounterVec
	stageLatency   *prometheus.HistogramVec
	amountTotal    *prometheus.CounterVec
	llmTokensTotal *prometheus.CounterVec
}

// NewExporter registers the collectors with reg.
func NewExporter(namespace string, reg prometheus.Registerer) *Exporter {
	factory := promauto.With(reg)

	return &Exporter{
		samplesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_samples_total",
				Help:      "Total number of samples collected per pipeline stage",
			},
			[]string{"stage"},
		),
		stageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_latency_seconds",
				Help:      "Per-stage latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"stage"},
		),
		amountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_amount_total",
				Help:      "Tokens or bytes processed per pipeline stage",
			},
			[]string{"stage"},
		),
		llmTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Language model tokens by kind",
			},
			[]string{"kind"},
		),
	}
}

// Record adds s to the collectors.
func (e *Exporter) Record(s Sample) {
	stage := string(s.Stage)
	e.samplesTotal.WithLabelValues(stage).Inc()
	e.stageLatency.WithLabelValues(stage).Observe(s.Latency.Seconds())
	if s.Amount > 0 {
		e.amountTotal.WithLabelValues(stage).Add(float64(s.Amount))
	}
	if s.Stage == StageLLM {
		e.llmTokensTotal.WithLabelValues("prompt").Add(float64(s.PromptTokens))
		e.llmTokensTotal.WithLabelValues("completion").Add(float64(s.CompletionTokens))
	}
}
