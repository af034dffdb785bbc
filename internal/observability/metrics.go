package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "health_importer"

var (
	elementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "elements_total",
		Help:      "Export elements read by the scanner, by tag.",
	}, []string{"tag"})
	rowsInsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_inserted_total",
		Help:      "Rows written inside a transaction, by table. Rolled back rows are included.",
	}, []string{"table"})
	commitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Batches committed.",
	})
	rollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Batches rolled back.",
	})
	fieldDecodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "field_decode_errors_total",
		Help:      "Attribute values stored as NULL because they failed to parse, by element.attribute.",
	}, []string{"field"})
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Finished ingestion runs, by terminal status.",
	}, []string{"status"})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of ingestion runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(
		elementsTotal,
		rowsInsertedTotal,
		commitsTotal,
		rollbacksTotal,
		fieldDecodeErrorsTotal,
		runsTotal,
		runDuration,
	)
}

// RecordElement counts one scanned element.
func RecordElement(tag string) {
	elementsTotal.WithLabelValues(tag).Inc()
}

// RecordRowsInserted counts n rows written to table.
func RecordRowsInserted(table string, n int) {
	if n <= 0 {
		return
	}
	rowsInsertedTotal.WithLabelValues(table).Add(float64(n))
}

func RecordCommit() {
	commitsTotal.Inc()
}

func RecordRollback() {
	rollbacksTotal.Inc()
}

// RecordFieldDecodeError counts a value that became NULL.
func RecordFieldDecodeError(field string) {
	fieldDecodeErrorsTotal.WithLabelValues(field).Inc()
}

// RecordRun observes a finished run.
func RecordRun(status string, elapsed time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(elapsed.Seconds())
}
