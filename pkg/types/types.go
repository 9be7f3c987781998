package types

import (
	"time"
)

// Job represents a unit of analysis work submitted to the orchestrator.
type Job struct {
	ID             string            `json:"id"`
	Owner          string            `json:"owner"`
	Kind           JobKind           `json:"kind"`
	Priority       Priority          `json:"priority"`
	Resources      ResourceProfile   `json:"resources"`
	Image          string            `json:"image"`
	Env            map[string]string `json:"env,omitempty"`
	Inputs         []string          `json:"inputs,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Deadline       *time.Time        `json:"deadline,omitempty"`
	MaxRetries     int               `json:"max_retries"`
	CostCeiling    int64             `json:"cost_ceiling_cents,omitempty"` // 0 = no ceiling
	RetryOf        string            `json:"retry_of,omitempty"`
	RetryCount     int               `json:"retry_count"`

	State      JobState `json:"state"`
	ErrorClass string   `json:"error_class,omitempty"`
	Error      string   `json:"error,omitempty"`
	ResultRef  string   `json:"result_ref,omitempty"`

	// EstimateCents is the projected cost recorded at submission, used for
	// quota sums without re-consulting the duration table.
	EstimateCents int64 `json:"estimate_cents,omitempty"`

	InstanceID     string     `json:"instance_id,omitempty"`
	FinalCostCents int64      `json:"final_cost_cents"`
	CreatedAt      time.Time  `json:"created_at"`
	FirstScheduled *time.Time `json:"first_scheduled_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// NewRetry builds the replacement job for a failed attempt. The retry keeps
// the parent's spec but not its idempotency key, and counts against the
// parent's retry budget via RetryCount.
func NewRetry(parent *Job) *Job {
	return &Job{
		Owner:         parent.Owner,
		Kind:          parent.Kind,
		Priority:      parent.Priority,
		Resources:     parent.Resources,
		Image:         parent.Image,
		Env:           parent.Env,
		Inputs:        parent.Inputs,
		Deadline:      parent.Deadline,
		MaxRetries:    parent.MaxRetries,
		CostCeiling:   parent.CostCeiling,
		EstimateCents: parent.EstimateCents,
		RetryOf:       parent.ID,
		RetryCount:    parent.RetryCount + 1,
	}
}

// JobKind enumerates the registered job templates
type JobKind string

const (
	JobKindLlava     JobKind = "llava"
	JobKindLlama     JobKind = "llama"
	JobKindTraining  JobKind = "training"
	JobKindBatch     JobKind = "batch"
	JobKindInference JobKind = "inference"
	JobKindCustom    JobKind = "custom"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStatePending   JobState = "pending" // assigned, waiting for the instance to be reachable
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateTimedOut  JobState = "timed_out"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimedOut:
		return true
	}
	return false
}

// Priority is the coarse scheduling class of a job
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps priorities onto an ordering where larger is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Error classifications recorded on failed jobs
const (
	ErrClassRetryable        = "retryable"
	ErrClassPermanent        = "permanent"
	ErrClassLostWorker       = "lost_worker"
	ErrClassDispatchTimeout  = "dispatch_timeout"
	ErrClassDeadlineExceeded = "deadline_exceeded"
	ErrClassNoCapacity       = "no_capacity"
)

// ResourceProfile describes the GPU capacity a job needs or an instance has
type ResourceProfile struct {
	GPUModel string `json:"gpu_model"`
	GPUCount int    `json:"gpu_count"`
	MemoryMB int64  `json:"memory_mb"`
	DiskGB   int    `json:"disk_gb,omitempty"`
}

// Satisfies reports whether an instance with profile p can run a job
// requesting want. GPU model must match exactly; counts and sizes are minimums.
func (p ResourceProfile) Satisfies(want ResourceProfile) bool {
	if want.GPUModel != "" && p.GPUModel != want.GPUModel {
		return false
	}
	if p.GPUCount < want.GPUCount {
		return false
	}
	if p.MemoryMB < want.MemoryMB {
		return false
	}
	if want.DiskGB > 0 && p.DiskGB < want.DiskGB {
		return false
	}
	return true
}

// Instance represents one rented or local unit of GPU capacity.
type Instance struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	ProviderID string          `json:"provider_id,omitempty"` // provider-side identifier
	OfferID    string          `json:"offer_id,omitempty"`    // offer the create call targets
	Resources  ResourceProfile `json:"resources"`
	VCPUs      int             `json:"vcpus,omitempty"`
	Region     string          `json:"region,omitempty"`
	RateCents  int64           `json:"rate_cents"` // hourly price

	State   InstanceState `json:"state"`
	Address string        `json:"address,omitempty"` // host:port, empty until ready
	Error   string        `json:"error,omitempty"`

	TokenID string `json:"token_id,omitempty"` // bootstrap token identifier

	// BilledOwner is the principal charged for this instance's time. Set on
	// every bind; idle time between jobs stays on the last owner served.
	BilledOwner string `json:"billed_owner,omitempty"`

	AccruedCents  int64      `json:"accrued_cents"`
	LastLedgerEnd time.Time  `json:"last_ledger_end"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	TerminatedAt  *time.Time `json:"terminated_at,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// InstanceState represents the lifecycle state of an instance
type InstanceState string

const (
	InstanceStateRequested InstanceState = "requested"
	InstanceStateStarting  InstanceState = "starting"
	InstanceStateRunning   InstanceState = "running"
	InstanceStateDraining  InstanceState = "draining" // no new jobs; current one finishing
	InstanceStateStopped   InstanceState = "stopped"
	InstanceStateError     InstanceState = "error"
)

// Terminal reports whether the state admits no further transitions.
func (s InstanceState) Terminal() bool {
	return s == InstanceStateStopped || s == InstanceStateError
}

// Assignment links exactly one job to exactly one instance attempt.
// Assignments are the audit trail; they are never deleted.
type Assignment struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	InstanceID string          `json:"instance_id"`
	State      AssignmentState `json:"state"`
	AssignedAt time.Time       `json:"assigned_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// AssignmentState represents the state of an assignment
type AssignmentState string

const (
	AssignmentStateAssigned  AssignmentState = "assigned"
	AssignmentStateRunning   AssignmentState = "running"
	AssignmentStateCompleted AssignmentState = "completed"
	AssignmentStateFailed    AssignmentState = "failed"
	AssignmentStateAborted   AssignmentState = "aborted"
)

// Live reports whether the assignment still holds its job and instance.
func (s AssignmentState) Live() bool {
	return s == AssignmentStateAssigned || s == AssignmentStateRunning
}

// LedgerEntry is one append-only record of instance time charged to an owner.
type LedgerEntry struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	Owner        string    `json:"owner"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	RateCents    int64     `json:"rate_cents"` // hourly
	AccruedCents int64     `json:"accrued_cents"`
}

// Offer is a provider-advertised purchasable capacity unit.
type Offer struct {
	Provider  string          `json:"provider"`
	OfferID   string          `json:"offer_id,omitempty"` // provider-side handle, opaque
	Region    string          `json:"region"`
	Resources ResourceProfile `json:"resources"`
	RateCents int64           `json:"rate_cents"` // hourly
	Available bool            `json:"available"`
}

// ProviderSnapshot is the per-provider aggregate the scheduler and API read.
// Derived from live adapter state; never persisted.
type ProviderSnapshot struct {
	Tag           string        `json:"tag"`
	Enabled       bool          `json:"enabled"`
	CircuitState  string        `json:"circuit_state"`
	Healthy       bool          `json:"healthy"`
	Latency       time.Duration `json:"latency_ns"`
	HeldInstances int           `json:"held_instances"`
	SoftQuota     int           `json:"soft_quota"`
}

// ClaimLease marks a set of queued jobs as tentatively taken by one scheduler
// pass. Leases expire so a crashed claimant never wedges its jobs.
type ClaimLease struct {
	Token     string    `json:"token"`
	JobIDs    []string  `json:"job_ids"`
	ExpiresAt time.Time `json:"expires_at"`
}
