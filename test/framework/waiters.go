package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter matched to the harness's compressed time
// scales (15s timeout, 25ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(15*time.Second, 25*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForJobState waits for a job to reach the given state
func (w *Waiter) WaitForJobState(ctx context.Context, h *Harness, jobID string, state types.JobState) error {
	return w.WaitFor(ctx, func() bool {
		detail, err := h.Client.GetJob(ctx, jobID)
		return err == nil && detail.Job.State == state
	}, fmt.Sprintf("job %s to reach state %s", jobID, state))
}

// WaitForJobTerminal waits for a job to reach any terminal state and returns it
func (w *Waiter) WaitForJobTerminal(ctx context.Context, h *Harness, jobID string) (*types.Job, error) {
	var last *types.Job
	err := w.WaitFor(ctx, func() bool {
		detail, err := h.Client.GetJob(ctx, jobID)
		if err != nil {
			return false
		}
		last = detail.Job
		return detail.Job.State.Terminal()
	}, fmt.Sprintf("job %s to reach a terminal state", jobID))
	return last, err
}

// WaitForInstanceState waits for an instance to reach the given state
func (w *Waiter) WaitForInstanceState(ctx context.Context, h *Harness, instanceID string, state types.InstanceState) error {
	return w.WaitFor(ctx, func() bool {
		inst, err := h.Store.GetInstance(instanceID)
		return err == nil && inst.State == state
	}, fmt.Sprintf("instance %s to reach state %s", instanceID, state))
}

// WaitForInstanceCount waits for a provider to hold exactly n non-terminal
// instances
func (w *Waiter) WaitForInstanceCount(ctx context.Context, h *Harness, provider string, n int) error {
	return w.WaitFor(ctx, func() bool {
		count, err := h.Store.CountInstances(provider, true)
		return err == nil && count == n
	}, fmt.Sprintf("provider %s to hold %d instances", provider, n))
}

// WaitForCircuitState waits for a provider's breaker to reach the given state
func (w *Waiter) WaitForCircuitState(ctx context.Context, h *Harness, provider, state string) error {
	return w.WaitFor(ctx, func() bool {
		status, err := h.Client.ProviderStatus(ctx, provider)
		return err == nil && status.Provider.CircuitState == state
	}, fmt.Sprintf("provider %s circuit to reach %s", provider, state))
}

// WaitForLedgerEntries waits for an instance's cost ledger to have at least n
// entries
func (w *Waiter) WaitForLedgerEntries(ctx context.Context, h *Harness, instanceID string, n int) error {
	return w.WaitFor(ctx, func() bool {
		entries, err := h.Store.ListLedger(instanceID)
		return err == nil && len(entries) >= n
	}, fmt.Sprintf("instance %s ledger to reach %d entries", instanceID, n))
}

// WaitForRetry waits for a retry job of the given parent to exist and returns
// it
func (w *Waiter) WaitForRetry(ctx context.Context, h *Harness, parentID string) (*types.Job, error) {
	var retry *types.Job
	err := w.WaitFor(ctx, func() bool {
		jobs, _, err := h.Store.ListJobs(storage.JobFilter{})
		if err != nil {
			return false
		}
		for _, job := range jobs {
			if job.RetryOf == parentID {
				retry = job
				return true
			}
		}
		return false
	}, fmt.Sprintf("a retry of job %s to exist", parentID))
	return retry, err
}
