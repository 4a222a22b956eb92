package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	ChunksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triedb_pool_chunks_total",
			Help: "Total number of chunks by class and list (free/fast/slow/active)",
		},
		[]string{"class", "list"},
	)

	PoolBytesUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triedb_pool_bytes_used",
			Help: "Bytes used per pool by chunk class",
		},
		[]string{"class"},
	)

	PoolDirty = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_pool_dirty",
			Help: "Whether the pool metadata footer is currently marked dirty (1 = dirty, 0 = clean)",
		},
	)

	// Executor metrics
	InflightReads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_ioexec_inflight_reads",
			Help: "Number of reads currently submitted to the completion ring",
		},
	)

	PendingReads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_ioexec_pending_reads",
			Help: "Number of reads waiting in the FIFO pending queue due to the inflight cap",
		},
	)

	InflightWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_ioexec_inflight_writes",
			Help: "Number of writes currently submitted to the completion ring",
		},
	)

	CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triedb_ioexec_completions_total",
			Help: "Total number of completed I/O operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	IOOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triedb_ioexec_op_duration_seconds",
			Help:    "I/O operation duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// MPT commit metrics
	UpsertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triedb_upsert_duration_seconds",
			Help:    "Time taken to commit an upsert batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FindDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triedb_find_duration_seconds",
			Help:    "Time taken to resolve a find/traverse in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UpsertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triedb_upserts_total",
			Help: "Total number of committed upsert batches",
		},
	)

	FindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triedb_finds_total",
			Help: "Total number of find operations by outcome",
		},
		[]string{"outcome"},
	)

	CurrentVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_current_version",
			Help: "Latest committed version",
		},
	)

	FinalizedVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_finalized_version",
			Help: "Latest finalized version",
		},
	)

	VerifiedVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_verified_version",
			Help: "Latest verified version",
		},
	)

	HistoryLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triedb_history_length",
			Help: "Number of versions retained in history",
		},
	)

	// Compaction metrics
	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triedb_compaction_duration_seconds",
			Help:    "Time taken for a compaction cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triedb_compaction_cycles_total",
			Help: "Total number of compaction cycles completed",
		},
	)

	CompactionBytesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triedb_compaction_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by compaction",
		},
	)
)

func init() {
	// Register pool metrics
	prometheus.MustRegister(ChunksTotal)
	prometheus.MustRegister(PoolBytesUsed)
	prometheus.MustRegister(PoolDirty)

	// Register executor metrics
	prometheus.MustRegister(InflightReads)
	prometheus.MustRegister(PendingReads)
	prometheus.MustRegister(InflightWrites)
	prometheus.MustRegister(CompletionsTotal)
	prometheus.MustRegister(IOOpDuration)

	// Register commit metrics
	prometheus.MustRegister(UpsertDuration)
	prometheus.MustRegister(FindDuration)
	prometheus.MustRegister(UpsertsTotal)
	prometheus.MustRegister(FindsTotal)
	prometheus.MustRegister(CurrentVersion)
	prometheus.MustRegister(FinalizedVersion)
	prometheus.MustRegister(VerifiedVersion)
	prometheus.MustRegister(HistoryLength)

	// Register compaction metrics
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionCyclesTotal)
	prometheus.MustRegister(CompactionBytesReclaimed)
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
