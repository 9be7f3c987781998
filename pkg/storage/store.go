package storage

import (
	"errors"
	"time"

	"github.com/aima-platform/corral/pkg/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set precondition fails.
	// State moved under the caller; never retry blindly.
	ErrConflict = errors.New("conflict")

	// ErrQuotaExceeded is returned when an owner budget or provider quota
	// would be exceeded
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrStorageUnavailable is returned for transient backend failures.
	// Callers retry with bounded backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// JobFilter narrows ListJobs. Zero values match everything. Cursor is the
// opaque key returned by the previous page; Limit caps the page size.
type JobFilter struct {
	Owner  string
	State  types.JobState
	Cursor string
	Limit  int
}

// InstanceFilter narrows ListInstances. Zero values match everything.
type InstanceFilter struct {
	Provider string
	States   []types.InstanceState
}

// TransitionDetails carries the optional attributes a state transition writes
type TransitionDetails struct {
	ErrorClass     string
	Message        string
	FinalCostCents int64
	ResultRef      string
}

// Store is the durable, transactional home of jobs, instances, assignments,
// and the cost ledger. All multi-row mutations are transactional; state
// transitions are compare-and-set on (id, expected state).
type Store interface {
	// Jobs
	SubmitJob(job *types.Job, ceilingCents int64) (*types.Job, bool, error)
	GetJob(id string) (*types.Job, error)
	ListJobs(filter JobFilter) ([]*types.Job, string, error)
	CountJobsInStates(states ...types.JobState) (int, error)
	TransitionJob(id string, from, to types.JobState, details TransitionDetails) (*types.Job, error)
	ClaimQueued(limit int, leaseTTL time.Duration, eligible func(*types.Job) bool) ([]*types.Job, string, error)
	ReleaseClaim(token string) error
	ExpireLeases(now time.Time) (int, error)
	ArchiveExpired(retention time.Duration, now time.Time) (int, error)

	// Instances
	CreateInstance(inst *types.Instance, softQuota int) error
	GetInstance(id string) (*types.Instance, error)
	ListInstances(filter InstanceFilter) ([]*types.Instance, error)
	CountInstances(provider string, nonTerminal bool) (int, error)
	TransitionInstance(id string, from, to types.InstanceState, details TransitionDetails) (*types.Instance, error)
	SetInstanceProviderID(id, providerID string) error
	SetInstanceAddress(id, address string) error
	TouchInstanceHeartbeat(id string, at time.Time) error

	// Assignments
	BindAssignment(jobID, instanceID string) (*types.Assignment, error)
	GetAssignment(id string) (*types.Assignment, error)
	ListAssignmentsByJob(jobID string) ([]*types.Assignment, error)
	ListAssignmentsByInstance(instanceID string) ([]*types.Assignment, error)
	ListAssignmentsInStates(states ...types.AssignmentState) ([]*types.Assignment, error)
	LiveAssignmentForJob(jobID string) (*types.Assignment, error)
	LiveAssignmentForInstance(instanceID string) (*types.Assignment, error)
	TransitionAssignment(id string, from, to types.AssignmentState) (*types.Assignment, error)

	// Cost ledger
	AppendCost(instanceID string, periodStart, periodEnd time.Time) (*types.LedgerEntry, error)
	ListLedger(instanceID string) ([]*types.LedgerEntry, error)
	OwnerExposure(owner string) (accruedCents int64, estimateCents int64, err error)

	Close() error
}
