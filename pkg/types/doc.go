/*
Package types defines the core data structures used throughout Corral.

This package contains all fundamental types that represent Corral's domain model:
jobs, GPU instances, assignments, cost ledger entries, and provider offers. These
types are used by all other packages for state management, API communication, and
orchestration logic.

# Architecture

The types package is the foundation of Corral's data model. It defines:

  - Job lifecycle (submission, scheduling, execution, terminal outcomes)
  - Instance lifecycle (request, start, run, drain, stop)
  - Assignment records (the job-to-instance audit trail)
  - Resource profiles (GPU model, count, memory, disk)
  - Cost accounting (ledger entries, hourly rates, accrued cents)
  - Provider offers and per-provider snapshots

All types are designed to be:
  - Serializable (JSON, for both storage rows and API responses)
  - Flat (foreign keys between entities, no in-memory object graphs)
  - Validated (string constants for enums, helper predicates)

# Core Types

Job lifecycle:
  - Job: A unit of analysis work with owner, kind, priority, and resources
  - JobKind: One of the registered templates (llava, llama, training, ...)
  - JobState: queued -> pending -> running -> terminal
  - Priority: low, normal, high, urgent (coarse scheduling classes)

Capacity:
  - Instance: A rented or local GPU host with provider identity and pricing
  - InstanceState: requested -> starting -> running -> draining -> stopped / error
  - ResourceProfile: GPU model + count, memory, disk; Satisfies() for matching
  - Offer: A provider-advertised purchasable capacity unit

Accounting:
  - Assignment: Links one job attempt to one instance; never deleted
  - LedgerEntry: Append-only record of instance time charged to an owner
  - ClaimLease: Expiring token guarding one scheduler claim pass

Monitoring:
  - ProviderSnapshot: Derived per-provider health/quota/circuit aggregate

# State Machines

Job states are one-way:

	queued -> pending -> running -> {completed, failed, cancelled, timed_out}

A failed job may be retried by creating a new job whose RetryOf field references
the failed one; the original row never leaves its terminal state.

Instance states are one-way as well:

	requested -> starting -> running -> draining -> stopped
	                 \-> error (start failed or heartbeat lost)

"draining" means no new assignments are accepted while the current one finishes.

# Usage

Creating a job:

	job := &types.Job{
		ID:       uuid.New().String(),
		Owner:    "analyst-7",
		Kind:     types.JobKindInference,
		Priority: types.PriorityNormal,
		Resources: types.ResourceProfile{
			GPUModel: "A100",
			GPUCount: 1,
			MemoryMB: 40960,
		},
		Image:      "registry.internal/workers/inference:v4",
		MaxRetries: 3,
		State:      types.JobStateQueued,
		CreatedAt:  time.Now(),
	}

Matching capacity:

	if inst.Resources.Satisfies(job.Resources) {
		// inst can run job
	}

Checking terminal states:

	if job.State.Terminal() {
		// no further transitions
	}
*/
package types
