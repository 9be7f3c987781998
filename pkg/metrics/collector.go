package metrics

import (
	"time"

	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/types"
)

var jobStates = []types.JobState{
	types.JobStateQueued,
	types.JobStatePending,
	types.JobStateRunning,
	types.JobStateCompleted,
	types.JobStateFailed,
	types.JobStateCancelled,
	types.JobStateTimedOut,
}

var instanceStates = []types.InstanceState{
	types.InstanceStateRequested,
	types.InstanceStateStarting,
	types.InstanceStateRunning,
	types.InstanceStateDraining,
	types.InstanceStateStopped,
	types.InstanceStateError,
}

// Collector refreshes the state gauges from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectInstanceMetrics()
}

func (c *Collector) collectJobMetrics() {
	// Zero-fill so states that emptied out since the last tick reset
	counts := make(map[types.JobState]int, len(jobStates))
	for _, state := range jobStates {
		counts[state] = 0
	}

	cursor := ""
	for {
		jobs, next, err := c.store.ListJobs(storage.JobFilter{Limit: 500, Cursor: cursor})
		if err != nil {
			return
		}
		for _, job := range jobs {
			counts[job.State]++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	for state, count := range counts {
		JobsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	QueueDepth.Set(float64(counts[types.JobStateQueued] + counts[types.JobStatePending]))
}

func (c *Collector) collectInstanceMetrics() {
	instances, err := c.store.ListInstances(storage.InstanceFilter{})
	if err != nil {
		return
	}

	counts := make(map[string]map[types.InstanceState]int)
	for _, inst := range instances {
		if counts[inst.Provider] == nil {
			perState := make(map[types.InstanceState]int, len(instanceStates))
			for _, state := range instanceStates {
				perState[state] = 0
			}
			counts[inst.Provider] = perState
		}
		counts[inst.Provider][inst.State]++
	}

	for provider, states := range counts {
		for state, count := range states {
			InstancesTotal.WithLabelValues(provider, string(state)).Set(float64(count))
		}
	}
}
