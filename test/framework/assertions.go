package framework

import (
	"github.com/aima-platform/corral/pkg/types"
)

// TestingT is the subset of *testing.T the assertions need
type TestingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Assertions provides invariant checks against a running harness
type Assertions struct {
	t TestingT
	h *Harness
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT, h *Harness) *Assertions {
	return &Assertions{t: t, h: h}
}

// JobState asserts a job's current state
func (a *Assertions) JobState(jobID string, want types.JobState) *types.Job {
	a.t.Helper()
	job, err := a.h.Store.GetJob(jobID)
	if err != nil {
		a.t.Fatalf("Failed to get job %s: %v", jobID, err)
	}
	if job.State != want {
		a.t.Fatalf("Job %s is %s, want %s (error_class=%s error=%q)", jobID, job.State, want, job.ErrorClass, job.Error)
	}
	return job
}

// JobFailedWith asserts a job failed with the given error class
func (a *Assertions) JobFailedWith(jobID, errorClass string) *types.Job {
	a.t.Helper()
	job := a.JobState(jobID, types.JobStateFailed)
	if job.ErrorClass != errorClass {
		a.t.Fatalf("Job %s failed with class %s (%q), want %s", jobID, job.ErrorClass, job.Error, errorClass)
	}
	return job
}

// AtMostOneLiveAssignment asserts the exclusivity invariant for one job:
// never more than one assignment in a live state.
func (a *Assertions) AtMostOneLiveAssignment(jobID string) {
	a.t.Helper()
	assignments, err := a.h.Store.ListAssignmentsByJob(jobID)
	if err != nil {
		a.t.Fatalf("Failed to list assignments for job %s: %v", jobID, err)
	}
	live := 0
	for _, assignment := range assignments {
		if assignment.State.Live() {
			live++
		}
	}
	if live > 1 {
		a.t.Fatalf("Job %s has %d live assignments, want at most 1", jobID, live)
	}
}

// AssignmentCount asserts how many assignments a job accumulated
func (a *Assertions) AssignmentCount(jobID string, want int) []*types.Assignment {
	a.t.Helper()
	assignments, err := a.h.Store.ListAssignmentsByJob(jobID)
	if err != nil {
		a.t.Fatalf("Failed to list assignments for job %s: %v", jobID, err)
	}
	if len(assignments) != want {
		a.t.Fatalf("Job %s has %d assignments, want %d", jobID, len(assignments), want)
	}
	return assignments
}

// InstancesWithinQuota asserts a provider's non-terminal instance count never
// exceeded its soft quota, judged point-in-time
func (a *Assertions) InstancesWithinQuota(provider string, quota int) {
	a.t.Helper()
	count, err := a.h.Store.CountInstances(provider, true)
	if err != nil {
		a.t.Fatalf("Failed to count instances for %s: %v", provider, err)
	}
	if count > quota {
		a.t.Fatalf("Provider %s holds %d non-terminal instances, soft quota is %d", provider, count, quota)
	}
}

// LedgerConsistent asserts an instance's ledger entries sum to its accrued
// total and cover contiguous, non-overlapping periods.
func (a *Assertions) LedgerConsistent(instanceID string) {
	a.t.Helper()
	inst, err := a.h.Store.GetInstance(instanceID)
	if err != nil {
		a.t.Fatalf("Failed to get instance %s: %v", instanceID, err)
	}
	entries, err := a.h.Store.ListLedger(instanceID)
	if err != nil {
		a.t.Fatalf("Failed to list ledger for %s: %v", instanceID, err)
	}

	var sum int64
	for i, entry := range entries {
		sum += entry.AccruedCents
		if !entry.PeriodEnd.After(entry.PeriodStart) {
			a.t.Fatalf("Ledger entry %d of %s has inverted period %v..%v", i, instanceID, entry.PeriodStart, entry.PeriodEnd)
		}
		if i > 0 && entries[i-1].PeriodEnd.After(entry.PeriodStart) {
			a.t.Fatalf("Ledger entries %d and %d of %s overlap", i-1, i, instanceID)
		}
	}
	if sum != inst.AccruedCents {
		a.t.Fatalf("Instance %s ledger sums to %d cents, accrued total is %d", instanceID, sum, inst.AccruedCents)
	}
}
