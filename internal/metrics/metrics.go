package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchCyclesTotal counts batch cycles by result (submitted, empty, failed, skipped).
	BatchCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_batch_cycles_total",
			Help: "Total number of batch cycles by result",
		},
		[]string{"result"},
	)

	// BatchCycleDuration tracks how long a batch cycle takes end to end
	BatchCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settler_batch_cycle_duration_seconds",
			Help:    "Batch cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BatchCredits tracks how many credits went into each submitted batch
	BatchCredits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settler_batch_credits",
			Help:    "Number of credits per submitted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// CreditsSkippedTotal counts credits left PENDING by the aggregator
	CreditsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_credits_skipped_total",
			Help: "Credits skipped during aggregation",
		},
		[]string{"reason"},
	)

	// TransactionsSubmitted counts broadcast transactions by operation and fee kind
	TransactionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_transactions_submitted_total",
			Help: "Total number of broadcast transactions",
		},
		[]string{"operation", "fee_kind"},
	)

	// SubmissionErrorsTotal counts failed submissions by operation
	SubmissionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_submission_errors_total",
			Help: "Total number of failed submissions",
		},
		[]string{"operation"},
	)

	// EventsProcessed counts mint events by outcome (applied, orphan, duplicate)
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_events_processed_total",
			Help: "Mint events processed by outcome",
		},
		[]string{"outcome"},
	)

	// ConflictsTotal counts recorded reconciliation conflicts by kind
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_conflicts_total",
			Help: "Reconciliation conflicts recorded",
		},
		[]string{"kind"},
	)

	// CheckpointBlock is the next block the listener will scan
	CheckpointBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settler_checkpoint_block",
			Help: "Next block to be scanned by the listener",
		},
		[]string{"listener"},
	)

	// ChainHeadBlock is the latest chain head seen by the listener
	ChainHeadBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_chain_head_block",
			Help: "Latest chain head seen by the listener",
		},
	)

	// ListenerReconnects counts listener redials after transport errors
	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_listener_reconnects_total",
			Help: "Listener reconnects after transport errors",
		},
	)

	// RPCLatency tracks chain RPC latency by method
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settler_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// DBConnectionPoolUsage is the share of open connections against the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool limit",
		},
	)
)
