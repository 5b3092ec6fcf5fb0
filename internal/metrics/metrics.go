// Package metrics provides Prometheus instrumentation for the analysis
// service.
//
// Metrics exposed:
//   - dynoai_analysis_generate_seconds: Histogram of full pipeline duration
//   - dynoai_payload_cache_hits_total: Counter of fingerprint-valid cache hits
//   - dynoai_payload_cache_misses_total: Counter of cache misses and stale hits
//   - dynoai_analysis_warnings_total: Counter of warnings attached to payloads
//   - dynoai_analysis_errors_total: Counter of generation errors by stage
//   - dynoai_runs_ingested_total: Counter of accepted run uploads
//   - dynoai_ingest_rows_total: Counter of telemetry rows ingested
//
// All metrics register on the Registerer passed to New, so tests can use an
// isolated registry instead of the process-global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the analysis service.
type Metrics struct {
	GenerateSeconds   prometheus.Histogram
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	WarningsTotal     prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	RunsIngestedTotal prometheus.Counter
	IngestRowsTotal   prometheus.Counter
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GenerateSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dynoai_analysis_generate_seconds",
			Help:    "Time spent generating one analysis payload",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dynoai_payload_cache_hits_total",
			Help: "Payload cache hits whose content fingerprint still matched",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dynoai_payload_cache_misses_total",
			Help: "Payload cache lookups that required a fresh generation",
		}),
		WarningsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dynoai_analysis_warnings_total",
			Help: "Warnings attached to generated payloads",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dynoai_analysis_errors_total",
			Help: "Generation errors by pipeline stage",
		}, []string{"stage"}),
		RunsIngestedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dynoai_runs_ingested_total",
			Help: "Run uploads accepted by the ingest endpoint",
		}),
		IngestRowsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dynoai_ingest_rows_total",
			Help: "Telemetry rows parsed from accepted uploads",
		}),
	}
}

// RecordGenerate records one completed pipeline run.
func (m *Metrics) RecordGenerate(seconds float64, warnings int) {
	m.GenerateSeconds.Observe(seconds)
	m.WarningsTotal.Add(float64(warnings))
}

// RecordCacheHit counts a lookup served from the payload cache.
func (m *Metrics) RecordCacheHit() { m.CacheHitsTotal.Inc() }

// RecordCacheMiss counts a lookup that fell through to generation.
func (m *Metrics) RecordCacheMiss() { m.CacheMissesTotal.Inc() }

// RecordError counts a generation failure in the named stage.
func (m *Metrics) RecordError(stage string) {
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordIngest counts an accepted upload and its parsed rows.
func (m *Metrics) RecordIngest(rows int) {
	m.RunsIngestedTotal.Inc()
	m.IngestRowsTotal.Add(float64(rows))
}
