// Package metrics defines the metrics surface Deuce's services report
// through, independent of any particular metrics backend. A nil Metrics
// value means metrics are disabled; instrumentation sites check for nil
// before recording.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide Prometheus registry metrics are
// recorded against. Must be called once, before any Metrics instance is
// constructed, for metrics to be enabled.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Metrics is the set of counters and histograms Deuce's services record
// against. prometheus.New returns a nil Metrics when metrics are disabled;
// methods cannot be called on that nil value, so callers check for nil.
type Metrics interface {
	// ObserveBlockOperation records a block-service operation outcome.
	ObserveBlockOperation(operation, status string, duration time.Duration)
	// RecordBlockBytes records bytes transferred for a block operation.
	RecordBlockBytes(operation string, bytes int64)
	// ObserveFileOperation records a file-service operation outcome.
	ObserveFileOperation(operation, status string, duration time.Duration)
	// ObserveFinalize records the outcome of a finalize attempt, including
	// gap/overlap rejections.
	ObserveFinalize(status string, duration time.Duration)
	// RecordOrphanReclaimed counts a storage object deleted while orphaned.
	RecordOrphanReclaimed(vaultID string)
	// RecordBlockInvalidated counts a metadata-present/storage-absent
	// divergence surfaced to a caller as Gone.
	RecordBlockInvalidated(vaultID string)
}
