// Package prometheus implements metrics.Metrics on top of
// prometheus/client_golang, with every vector registered through promauto
// against the registry from metrics.InitRegistry.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/deuce/pkg/metrics"
)

type metricsImpl struct {
	blockOperationsTotal   *prometheus.CounterVec
	blockOperationDuration *prometheus.HistogramVec
	blockBytesTotal        *prometheus.CounterVec

	fileOperationsTotal   *prometheus.CounterVec
	fileOperationDuration *prometheus.HistogramVec

	finalizeTotal    *prometheus.CounterVec
	finalizeDuration *prometheus.HistogramVec

	orphansReclaimedTotal   *prometheus.CounterVec
	blocksInvalidatedTotal  *prometheus.CounterVec
}

var durationBuckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// New builds a Prometheus-backed metrics.Metrics, or returns nil if metrics
// are disabled (metrics.InitRegistry was never called). Callers should pass
// the nil interface value straight through to their services.
func New() metrics.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &metricsImpl{
		blockOperationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "deuce_block_operations_total",
				Help: "Total number of block operations by type and outcome",
			},
			[]string{"operation", "status"},
		),
		blockOperationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deuce_block_operation_duration_milliseconds",
				Help:    "Duration of block operations in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"operation"},
		),
		blockBytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "deuce_block_bytes_total",
				Help: "Total bytes transferred by block operations",
			},
			[]string{"operation"},
		),
		fileOperationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "deuce_file_operations_total",
				Help: "Total number of file operations by type and outcome",
			},
			[]string{"operation", "status"},
		),
		fileOperationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deuce_file_operation_duration_milliseconds",
				Help:    "Duration of file operations in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"operation"},
		),
		finalizeTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "deuce_file_finalize_total",
				Help: "Total finalize attempts by outcome (ok, an API error kind such as Conflict, or error)",
			},
			[]string{"status"},
		),
		finalizeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deuce_file_finalize_duration_milliseconds",
				Help:    "Duration of the finalize gap/overlap walk in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"status"},
		),
		orphansReclaimedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "deuce_storage_blocks_reclaimed_total",
				Help: "Total orphaned storage objects deleted",
			},
			[]string{"vault_id"},
		),
		blocksInvalidatedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "deuce_blocks_invalidated_total",
				Help: "Total blocks marked invalid due to metadata/storage divergence",
			},
			[]string{"vault_id"},
		),
	}
}

func (m *metricsImpl) ObserveBlockOperation(operation, status string, duration time.Duration) {
	m.blockOperationsTotal.WithLabelValues(operation, status).Inc()
	m.blockOperationDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}

func (m *metricsImpl) RecordBlockBytes(operation string, bytes int64) {
	m.blockBytesTotal.WithLabelValues(operation).Add(float64(bytes))
}

func (m *metricsImpl) ObserveFileOperation(operation, status string, duration time.Duration) {
	m.fileOperationsTotal.WithLabelValues(operation, status).Inc()
	m.fileOperationDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}

func (m *metricsImpl) ObserveFinalize(status string, duration time.Duration) {
	m.finalizeTotal.WithLabelValues(status).Inc()
	m.finalizeDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func (m *metricsImpl) RecordOrphanReclaimed(vaultID string) {
	m.orphansReclaimedTotal.WithLabelValues(vaultID).Inc()
}

func (m *metricsImpl) RecordBlockInvalidated(vaultID string) {
	m.blocksInvalidatedTotal.WithLabelValues(vaultID).Inc()
}
