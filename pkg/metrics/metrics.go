package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run latency buckets reach past the weekly cadence budget
var runBuckets = []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 300}

var (
	// Log reader metrics
	RowsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_rows_read_total",
			Help: "Total number of audit log rows read by cadence",
		},
		[]string{"cadence"},
	)

	RowsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_rows_discarded_total",
			Help: "Total number of audit log rows discarded by reason",
		},
		[]string{"reason"},
	)

	ChangesRelevant = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_changes_total",
			Help: "Canonical changes by relevance (relevant, irrelevant)",
		},
		[]string{"relevance"},
	)

	// Cascade correlation metrics
	CascadeDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_cascade_deletions_total",
			Help: "Parent deletions reconstructed from child rows by resolution",
		},
		[]string{"resolution"},
	)

	// Gap detection metrics
	TriggersNotified = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invrecon_triggers_notified_total",
			Help: "Relevant changes that already had a channel dispatch",
		},
	)

	TriggersMissing = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invrecon_triggers_missing_total",
			Help: "Relevant changes with no channel dispatch in the detection window",
		},
	)

	TriggersAlreadyRemediated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invrecon_triggers_already_remediated_total",
			Help: "Missing triggers skipped because an earlier run remediated them",
		},
	)

	RemediationGroups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invrecon_remediation_groups_total",
			Help: "Total number of remediation groups built",
		},
	)

	// Dispatch metrics
	DispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_dispatch_attempts_total",
			Help: "Remediation call attempts by result",
		},
		[]string{"result"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invrecon_dispatch_duration_seconds",
			Help:    "Remediation call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_runs_total",
			Help: "Pipeline runs by cadence and terminal status",
		},
		[]string{"cadence", "status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invrecon_run_duration_seconds",
			Help:    "Total pipeline run duration in seconds",
			Buckets: runBuckets,
		},
		[]string{"cadence"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invrecon_query_duration_seconds",
			Help:    "Time spent in log reads per run in seconds",
			Buckets: runBuckets,
		},
		[]string{"cadence"},
	)

	RunsOverBudget = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_runs_over_budget_total",
			Help: "Runs whose query time exceeded the cadence budget",
		},
		[]string{"cadence"},
	)

	RunsOverlapping = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_runs_overlapping_total",
			Help: "Runs aborted because another run of the cadence held the lease",
		},
		[]string{"cadence"},
	)

	LastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invrecon_last_run_timestamp_seconds",
			Help: "Unix time the last run of the cadence finished",
		},
		[]string{"cadence"},
	)

	// Store metrics
	ReviewQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "invrecon_review_queue_size",
			Help: "Cascade deletions waiting for manual review",
		},
	)

	PermanentFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "invrecon_permanent_failures",
			Help: "Permanent dispatch failures in the outcome log",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invrecon_api_requests_total",
			Help: "Total number of ops API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invrecon_api_request_duration_seconds",
			Help:    "Ops API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(RowsRead)
	prometheus.MustRegister(RowsDiscarded)
	prometheus.MustRegister(ChangesRelevant)
	prometheus.MustRegister(CascadeDeletions)
	prometheus.MustRegister(TriggersNotified)
	prometheus.MustRegister(TriggersMissing)
	prometheus.MustRegister(TriggersAlreadyRemediated)
	prometheus.MustRegister(RemediationGroups)
	prometheus.MustRegister(DispatchAttempts)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(RunsOverBudget)
	prometheus.MustRegister(RunsOverlapping)
	prometheus.MustRegister(LastRunTimestamp)
	prometheus.MustRegister(ReviewQueueSize)
	prometheus.MustRegister(PermanentFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
