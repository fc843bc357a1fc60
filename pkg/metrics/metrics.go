package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Intake pipeline metrics
var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_submissions_total",
			Help: "Total number of submission calls received from peers",
		},
		[]string{"peer", "result"},
	)

	MessagesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_messages_ingested_total",
			Help: "Total number of messages created, one per recipient domain",
		},
		[]string{"peer"},
	)

	FilterMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_filter_matches_total",
			Help: "Total number of filter rule matches by resulting action",
		},
		[]string{"action"},
	)

	DedupSuppressionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhole_dedup_suppressions_total",
			Help: "Total number of automatic forwards suppressed as duplicates",
		},
	)

	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_forwards_total",
			Help: "Total number of per-recipient forward attempts",
		},
		[]string{"origin", "result"},
	)

	PolicySkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_policy_skips_total",
			Help: "Total number of automatic forwards rejected by policy",
		},
		[]string{"reason"},
	)

	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_status_transitions_total",
			Help: "Total number of message status transitions",
		},
		[]string{"status", "actor"},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhole_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailhole_db_pool_total_conns",
			Help: "Total number of connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailhole_db_pool_idle_conns",
			Help: "Number of idle connections in the database pool",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhole_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	SpoolPendingArtifacts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailhole_spool_pending_artifacts",
			Help: "Number of raw artifacts waiting in the local spool",
		},
	)

	SpoolUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_spool_uploads_total",
			Help: "Total number of spool-to-S3 upload attempts",
		},
		[]string{"result"},
	)
)

// Outbound relay metrics
var (
	RelayDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhole_relay_deliveries_total",
			Help: "Total number of messages handed to the outbound SMTP relay",
		},
		[]string{"result"},
	)

	RelayDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailhole_relay_delivery_duration_seconds",
			Help:    "Duration of outbound relay deliveries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
