package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_jobs_total",
			Help: "Number of jobs by state",
		},
		[]string{"state"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_queue_depth",
			Help: "Number of jobs waiting for placement (queued plus pending)",
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_jobs_scheduled_total",
			Help: "Total number of job-to-instance bindings made",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_jobs_retried_total",
			Help: "Total number of retry jobs created after retryable failures",
		},
	)

	JobsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_jobs_expired_total",
			Help: "Total number of jobs timed out at their deadline before starting",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_scheduling_latency_seconds",
			Help:    "Time from job submission to first placement in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	ReaperActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_reaper_actions_total",
			Help: "Total number of reaper interventions by action",
		},
		[]string{"action"},
	)

	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_instances_total",
			Help: "Number of instances by provider and state",
		},
		[]string{"provider", "state"},
	)

	InstancesLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_instances_launched_total",
			Help: "Total number of instances requested by provider",
		},
		[]string{"provider"},
	)

	InstancesTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_instances_terminated_total",
			Help: "Total number of instances terminated by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	// Provider metrics
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_provider_calls_total",
			Help: "Total provider API calls by provider, operation, and outcome",
		},
		[]string{"provider", "op", "outcome"},
	)

	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_provider_call_duration_seconds",
			Help:    "Provider API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_breaker_state",
			Help: "Circuit breaker state by provider (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"provider"},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_dispatches_total",
			Help: "Total dispatch attempts by result",
		},
		[]string{"result"},
	)

	WorkerConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_worker_connections",
			Help: "Number of open worker control channels",
		},
	)

	// Cost metrics
	CostAccrued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_cost_accrued_cents_total",
			Help: "Total cents accrued to the ledger by owner",
		},
		[]string{"owner"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsExpired)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ReaperActions)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstancesLaunched)
	prometheus.MustRegister(InstancesTerminated)
	prometheus.MustRegister(ProviderCalls)
	prometheus.MustRegister(ProviderCallDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(WorkerConnections)
	prometheus.MustRegister(CostAccrued)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
