// Package metrics provides Prometheus metrics for the pearsync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan service metrics
	scansQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearsync_scans_queued_total",
			Help: "Total number of directory scans queued",
		},
	)

	scansCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearsync_scans_completed_total",
			Help: "Total number of directory scans completed",
		},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pearsync_scan_duration_seconds",
			Help:    "Directory scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciliation metrics
	rowsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearsync_rows_resolved_total",
			Help: "Total reconciliation rows resolved, by resolution",
		},
		[]string{"resolution"},
	)

	conflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearsync_conflicts_detected_total",
			Help: "Total name clashes and content conflicts detected",
		},
	)

	movesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearsync_moves_issued_total",
			Help: "Total move/rename commands issued, by side",
		},
		[]string{"side"},
	)

	transfersStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearsync_transfers_started_total",
			Help: "Total transfers handed to the transfer subsystem, by direction",
		},
		[]string{"direction"},
	)

	blockedNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pearsync_blocked_nodes",
			Help: "Number of nodes currently blocked behind a back-off timer",
		},
	)

	// State cache metrics
	stateCacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearsync_statecache_writes_total",
			Help: "Total state cache row writes, by kind (put/del)",
		},
		[]string{"kind"},
	)

	stateCacheCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pearsync_statecache_commit_duration_seconds",
			Help:    "State cache commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordScanQueued increments the queued scan counter.
func RecordScanQueued() {
	scansQueued.Inc()
}

// RecordScanCompleted records one finished scan and its duration.
func RecordScanCompleted(d time.Duration) {
	scansCompleted.Inc()
	scanDuration.Observe(d.Seconds())
}

// RecordRowResolved counts a reconciliation row by its resolution.
func RecordRowResolved(resolution string) {
	rowsResolved.WithLabelValues(resolution).Inc()
}

// RecordConflict counts one detected conflict.
func RecordConflict() {
	conflictsDetected.Inc()
}

// RecordMove counts one issued move/rename command. side is "local" or "cloud".
func RecordMove(side string) {
	movesIssued.WithLabelValues(side).Inc()
}

// RecordTransfer counts one started transfer. direction is "up" or "down".
func RecordTransfer(direction string) {
	transfersStarted.WithLabelValues(direction).Inc()
}

// SetBlockedNodes updates the blocked nodes gauge.
func SetBlockedNodes(n int) {
	blockedNodes.Set(float64(n))
}

// RecordStateCacheWrite counts one state cache row write.
func RecordStateCacheWrite(kind string) {
	stateCacheWrites.WithLabelValues(kind).Inc()
}

// RecordStateCacheCommit records a state cache commit duration.
func RecordStateCacheCommit(d time.Duration) {
	stateCacheCommitDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
