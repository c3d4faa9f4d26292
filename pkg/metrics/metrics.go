package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Errors required by the gateway_metrics contract.
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Total number of component errors by component and kind",
		},
		[]string{"component", "kind"},
	)

	UncaughtExceptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_uncaught_exceptions_total",
			Help: "Total number of panics recovered from component run loops",
		},
	)

	// Chain client metrics.
	ChainRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_chain_requests_total",
			Help: "Total number of upstream chain requests by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ChainRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_chain_request_duration_seconds",
			Help:    "Upstream chain request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	SimulatedFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_simulated_failures_total",
			Help: "Total number of requests failed by the failure simulator",
		},
	)

	PeersRanked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_peers_ranked",
			Help: "Number of peers currently in the ranked peer cache",
		},
	)

	// Block importer metrics.
	ImporterHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_importer_height",
			Help: "Next height the block importer will attempt to import",
		},
	)

	StoredMaxHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_stored_max_height",
			Help: "Largest block height currently committed to the chain database",
		},
	)

	BlocksImportedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_blocks_imported_total",
			Help: "Total number of blocks committed to the chain database",
		},
	)

	ForksRepairedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_forks_repaired_total",
			Help: "Total number of fork repairs performed by the block importer",
		},
	)

	ImporterConsecutiveErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_importer_consecutive_errors",
			Help: "Current consecutive error count in the block importer",
		},
	)

	ImportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_import_duration_seconds",
			Help:    "Time taken to import one block in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tx fetcher / importer / repair metrics.
	MissingTxQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_missing_tx_queue_depth",
			Help: "Current depth of the transaction fetch queue",
		},
	)

	TxsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_txs_fetched_total",
			Help: "Total number of transactions successfully fetched",
		},
	)

	TxsImportedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_txs_imported_total",
			Help: "Total number of transactions persisted to the chain database",
		},
	)

	TxsStillMissing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_txs_still_missing",
			Help: "Current number of journal entries with no matching transaction",
		},
	)

	RepairCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_repair_cycles_total",
			Help: "Total number of repair worker ticks completed",
		},
	)

	RepairRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_repair_requeued_total",
			Help: "Total number of tx ids re-queued by the repair worker",
		},
	)

	// Tx chunk data source metrics.
	DataStreamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_data_stream_bytes_total",
			Help: "Total number of payload bytes streamed to callers",
		},
	)

	DataStreamErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_data_stream_errors_total",
			Help: "Total number of data streams terminated by a stream error",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ErrorsTotal,
		UncaughtExceptionsTotal,
		ChainRequestsTotal,
		ChainRequestDuration,
		SimulatedFailuresTotal,
		PeersRanked,
		ImporterHeight,
		StoredMaxHeight,
		BlocksImportedTotal,
		ForksRepairedTotal,
		ImporterConsecutiveErrors,
		ImportDuration,
		MissingTxQueueDepth,
		TxsFetchedTotal,
		TxsImportedTotal,
		TxsStillMissing,
		RepairCyclesTotal,
		RepairRequeuedTotal,
		DataStreamBytesTotal,
		DataStreamErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler, mounted at /gateway_metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
