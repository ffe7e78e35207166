package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walflow_ingest_build_info",
			Help: "Build information of the WAL ingester",
		},
		[]string{"version", "commit", "date"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walflow_ingest_records_total",
			Help: "Change records processed, by source table and outcome",
		},
		[]string{"table", "status"},
	)

	PassAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walflow_ingest_pass_aborts_total",
			Help: "Ingestion passes stopped early by a bad record",
		},
		[]string{"reason"},
	)

	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walflow_ingest_rows_written_total",
			Help: "Flattened rows written to the sink",
		},
		[]string{"sink"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walflow_ingest_runs_total",
			Help: "Ingestion runs, by outcome",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walflow_ingest_run_duration_seconds",
			Help:    "Duration of ingestion runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
	)
)
