/*
Package metrics provides Prometheus metrics collection and exposition for
Corral.

The metrics package defines and registers all Corral metrics using the
Prometheus client library, providing observability into job flow, instance
fleets, provider behaviour, dispatch outcomes, and spend. Metrics are exposed
via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Jobs: Counts by state, queue depth,        │          │
	│  │        scheduling latency, retries          │          │
	│  │  Instances: Counts by provider and state,   │          │
	│  │        launches, terminations               │          │
	│  │  Providers: Call counts/latency, breaker    │          │
	│  │        state                                 │          │
	│  │  Dispatch: Attempt results, open worker     │          │
	│  │        channels                              │          │
	│  │  Cost: Cents accrued by owner               │          │
	│  │  API: Request count, duration               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Job metrics:
  - corral_jobs_total{state}: Jobs by lifecycle state (gauge, refreshed by Collector)
  - corral_queue_depth: Queued plus pending jobs (gauge)
  - corral_jobs_scheduled_total: Bindings made (counter)
  - corral_jobs_retried_total: Retry jobs created (counter)
  - corral_jobs_expired_total: Deadline expiries before start (counter)
  - corral_scheduling_latency_seconds: Submission to first placement (histogram)

Instance metrics:
  - corral_instances_total{provider,state}: Fleet composition (gauge)
  - corral_instances_launched_total{provider}: Requests issued (counter)
  - corral_instances_terminated_total{provider,reason}: Teardowns (counter)

Provider metrics:
  - corral_provider_calls_total{provider,op,outcome}: Adapter calls (counter)
  - corral_provider_call_duration_seconds{provider,op}: Adapter latency (histogram)
  - corral_breaker_state{provider}: 0 closed, 1 half-open, 2 open (gauge)

Dispatch metrics:
  - corral_dispatches_total{result}: started, completed, failed, lost, timeout (counter)
  - corral_worker_connections: Open control channels (gauge)

Cost metrics:
  - corral_cost_accrued_cents_total{owner}: Ledger appends (counter)

API metrics:
  - corral_api_requests_total{method,status}: Requests served (counter)
  - corral_api_request_duration_seconds{method}: Latency (histogram)

# Collector

Gauges describing stored state (jobs by state, instances by provider and
state) are refreshed by the Collector, which polls the store every 15 seconds
rather than being updated inline. Counters and histograms are updated at the
call sites that do the work.

# Health

The package also carries the component health registry backing /health,
/ready, and /live. Components report in with RegisterComponent or
UpdateComponent; providers use SetProviderHealth and are never treated as
critical: a dark provider degrades the orchestrator but does not fail it,
because jobs still flow through the remaining providers. Readiness gates on
storage, scheduler, and dispatcher only.

# Usage

Expose the endpoint:

	mux.Handle("/metrics", metrics.Handler())

Record an API request:

	timer := metrics.NewTimer()
	// ... handle request ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	metrics.APIRequestsTotal.WithLabelValues(r.Method, status).Inc()

Refresh stored-state gauges:

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

# See Also

  - pkg/api for the HTTP surface that serves /metrics
  - pkg/providers for breaker state and call outcome recording
  - pkg/health for the probes feeding SetProviderHealth
  - Prometheus client: https://github.com/prometheus/client_golang
*/
package metrics
