package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Partition engine metrics
	CommitsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pippin_commits_applied_total",
			Help: "Total number of commits applied to in-memory partition state",
		},
	)

	CommitsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pippin_commits_written_total",
			Help: "Total number of commits written to commit logs",
		},
	)

	SnapshotWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pippin_snapshot_writes_total",
			Help: "Total number of snapshot files written",
		},
	)

	SnapshotWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pippin_snapshot_write_duration_seconds",
			Help:    "Time taken to write a snapshot file in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChecksumFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pippin_checksum_failures_total",
			Help: "Total number of files or commit records rejected with an invalid checksum",
		},
	)

	Tips = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pippin_tips",
			Help: "Current number of tip states by partition",
		},
		[]string{"partition"},
	)

	StatesLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pippin_states_loaded",
			Help: "Number of states held in memory by partition",
		},
		[]string{"partition"},
	)

	UnsavedCommits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pippin_unsaved_commits",
			Help: "Number of commits queued but not yet written by partition",
		},
		[]string{"partition"},
	)

	// Merge metrics
	MergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pippin_merges_total",
			Help: "Total number of merge commits created",
		},
	)

	MergeConflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pippin_merge_conflicts_resolved_total",
			Help: "Total number of merge conflicts resolved by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(CommitsApplied)
	prometheus.MustRegister(CommitsWritten)
	prometheus.MustRegister(SnapshotWrites)
	prometheus.MustRegister(SnapshotWriteDuration)
	prometheus.MustRegister(ChecksumFailures)
	prometheus.MustRegister(Tips)
	prometheus.MustRegister(StatesLoaded)
	prometheus.MustRegister(UnsavedCommits)
	prometheus.MustRegister(MergesTotal)
	prometheus.MustRegister(MergeConflictsResolved)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
