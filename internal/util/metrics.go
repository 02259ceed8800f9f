package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_files_processed_total",
		Help: "Total number of source files processed, by terminal status",
	}, []string{"retailer", "status"})

	RowsSeenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_rows_seen_total",
		Help: "Total number of raw rows decoded",
	}, []string{"retailer"})

	RowsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_rows_rejected_total",
		Help: "Total number of rows rejected by validation",
	}, []string{"retailer", "rule"})

	ObservationsInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_observations_inserted_total",
		Help: "Total number of price observations inserted as current",
	}, []string{"retailer"})

	ObservationsSupersededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_observations_superseded_total",
		Help: "Total number of price observations superseded by a correction",
	}, []string{"retailer"})

	DuplicatesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_observations_duplicate_total",
		Help: "Total number of observations skipped as exact duplicates",
	}, []string{"retailer"})

	ReconcileConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "price_reconcile_conflicts_total",
		Help: "Total number of compare-and-supersede conflicts retried",
	})

	PersistenceRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "price_persistence_retries_total",
		Help: "Total number of transaction retries after transient database errors",
	})

	FileProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "price_file_processing_seconds",
		Help:    "Latency of processing one source file end to end",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"retailer"})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "price_reconcile_latency_seconds",
		Help:    "Latency of the reconciliation transaction for one file",
		Buckets: prometheus.DefBuckets,
	})

	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_downloads_total",
		Help: "Total number of download attempts",
	}, []string{"retailer", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
