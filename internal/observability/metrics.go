package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_sync"

// Metrics holds the Prometheus collectors for migration and verification.
type Metrics struct {
	RowsRead         *prometheus.CounterVec // labels: entity
	DocumentsWritten *prometheus.CounterVec // labels: entity
	DocumentsAdopted *prometheus.CounterVec // labels: entity
	RowsSkipped      *prometheus.CounterVec // labels: entity, reason
	StoreRetries     *prometheus.CounterVec // labels: operation
	MigrationRunning prometheus.Gauge
	IdentifierMap    *prometheus.GaugeVec // labels: entity

	PageDuration *prometheus.HistogramVec // labels: entity
	BatchSize    prometheus.Histogram

	// Verification metrics.
	VerificationFindings    *prometheus.GaugeVec // labels: kind
	VerificationDuration    prometheus.Histogram
	LastVerificationSuccess prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_read_total",
			Help:      "Source rows read, by entity.",
		}, []string{"entity"}),
		DocumentsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_written_total",
			Help:      "Documents confirmed written to the target, by entity.",
		}, []string{"entity"}),
		DocumentsAdopted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_adopted_total",
			Help:      "Rows already present in the target from an earlier run, by entity.",
		}, []string{"entity"}),
		RowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "Rows not migrated, by entity and reason.",
		}, []string{"entity", "reason"}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Retried store operations after a connectivity failure.",
		}, []string{"operation"}),
		MigrationRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_running",
			Help:      "1 while a migration run is active, 0 otherwise.",
		}),
		IdentifierMap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identifier_map_entries",
			Help:      "Identifier map size, by entity.",
		}, []string{"entity"}),
		PageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_duration_seconds",
			Help:      "Duration of a read-transform-write-record cycle for one page.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"entity"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_batch_size",
			Help:      "Documents per bulk write submitted to the target.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		VerificationFindings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verification_findings",
			Help:      "Findings in the most recent verification, by kind.",
		}, []string{"kind"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Duration of a full verification pass.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		LastVerificationSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_verification_success_timestamp_seconds",
			Help:      "Unix time of the last verification that reported no findings.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RowsRead,
		m.DocumentsWritten,
		m.DocumentsAdopted,
		m.RowsSkipped,
		m.StoreRetries,
		m.MigrationRunning,
		m.IdentifierMap,
		m.PageDuration,
		m.BatchSize,
		m.VerificationFindings,
		m.VerificationDuration,
		m.LastVerificationSuccess,
	}
}
