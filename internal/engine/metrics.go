package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность полного прогона и отдельных стадий
	RunDuration   *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec

	// Traffic: сколько доменов прошло через воронку
	DomainsSeen      prometheus.Counter
	DomainsSkipped   *prometheus.CounterVec // причина: known_good | cached
	DomainsEvaluated prometheus.Counter

	// Результаты: вердикты по уровням угрозы и результаты обогащения
	Verdicts          *prometheus.CounterVec
	EnrichmentResults *prometheus.CounterVec
	Escalations       *prometheus.CounterVec // исход: replaced | failed

	// Errors: деградации, не уронившие прогон
	DegradedTotal *prometheus.CounterVec // тип: validation_fallback | store_failure

	// Saturation: состояние предохранителя модели и текущая стадия
	CircuitBreakerState prometheus.Gauge
	PipelineStage       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — без регистратора метрики летят в локальный реестр
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_run_duration_seconds",
			Help:    "Histogram of full pipeline run durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}), // completed, partial, failed, empty

		StageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_stage_duration_seconds",
			Help:    "Histogram of per-stage durations.",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),

		DomainsSeen: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentinel_domains_seen_total",
			Help: "Unique domains read from the log source.",
		}),

		DomainsSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_domains_skipped_total",
			Help: "Domains removed before evaluation, by reason.",
		}, []string{"reason"}), // known_good, cached

		DomainsEvaluated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentinel_domains_evaluated_total",
			Help: "Domains sent to the classification stage.",
		}),

		Verdicts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_verdicts_total",
			Help: "Evaluations produced, by threat level.",
		}, []string{"threat_level"}),

		EnrichmentResults: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_enrichment_results_total",
			Help: "Enrichment lookups, by source and status.",
		}, []string{"source", "status"}),

		Escalations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_escalations_total",
			Help: "Secondary-model escalations, by outcome.",
		}, []string{"outcome"}),

		DegradedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_degraded_total",
			Help: "Non-fatal degradations, by type.",
		}, []string{"type"}),

		CircuitBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_model_circuit_breaker_state",
			Help: "Primary model circuit breaker (0=closed, 1=open).",
		}),

		PipelineStage: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_pipeline_stage",
			Help: "Current pipeline stage (0=idle .. 5=reporting, -1=failed).",
		}),
	}
}
