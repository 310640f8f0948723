package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/loandesk/internal/dedup"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	EmailsProcessed   *prometheus.CounterVec
	ProcessDuration   prometheus.Histogram
	ModelCallsTotal   *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec
	DedupChecks       *prometheus.CounterVec
	DedupSimilarity   prometheus.Histogram
	DedupCorpusSize   prometheus.Gauge
	EmbeddingDuration prometheus.Histogram
	RequestsCreated   *prometheus.CounterVec
	StatusUpdates     *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EmailsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_emails_processed_total",
			Help: "Total processed emails by outcome.",
		}, []string{"outcome"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loandesk_process_duration_seconds",
			Help:    "End-to-end duration of email processing in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_model_calls_total",
			Help: "Total generative model calls by stage and status.",
		}, []string{"stage", "status"}),
		ModelCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loandesk_model_call_duration_seconds",
			Help:    "Duration of generative model calls in seconds, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"stage"}),
		DedupChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_dedup_checks_total",
			Help: "Total duplicate checks by result.",
		}, []string{"result"}),
		DedupSimilarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loandesk_dedup_similarity",
			Help:    "Best normalized similarity found per duplicate check.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		DedupCorpusSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loandesk_dedup_corpus_size",
			Help: "Number of emails remembered by the duplicate detector.",
		}),
		EmbeddingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loandesk_embedding_duration_seconds",
			Help:    "Duration of duplicate checks including embedding in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		RequestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_service_requests_created_total",
			Help: "Total service requests created by assigned team.",
		}, []string{"team"}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loandesk_status_updates_total",
			Help: "Total service request status updates by new status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.EmailsProcessed,
		m.ProcessDuration,
		m.ModelCallsTotal,
		m.ModelCallDuration,
		m.DedupChecks,
		m.DedupSimilarity,
		m.DedupCorpusSize,
		m.EmbeddingDuration,
		m.RequestsCreated,
		m.StatusUpdates,
	)

	return m
}

// ClassifierHooks returns hooks that record model call metrics.
func (m *Metrics) ClassifierHooks() ClassifierHooks {
	return ClassifierHooks{
		OnModelCall: func(stage Stage, ok bool, seconds float64) {
			status := "success"
			if !ok {
				status = "error"
			}
			m.ModelCallsTotal.WithLabelValues(string(stage), status).Inc()
			m.ModelCallDuration.WithLabelValues(string(stage)).Observe(seconds)
		},
	}
}

// DedupHooks returns hooks that record duplicate detector metrics.
func (m *Metrics) DedupHooks() dedup.Hooks {
	return dedup.Hooks{
		OnCheck: func(duplicate bool, similarity float64, corpusSize int, seconds float64) {
			result := "unique"
			if duplicate {
				result = "duplicate"
			}
			m.DedupChecks.WithLabelValues(result).Inc()
			m.DedupSimilarity.Observe(similarity)
			m.DedupCorpusSize.Set(float64(corpusSize))
			m.EmbeddingDuration.Observe(seconds)
		},
	}
}
