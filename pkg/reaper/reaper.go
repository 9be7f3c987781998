package reaper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/cost"
	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/health"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/provision"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/types"
)

// Reaper is the periodic janitor: it releases expired claim leases, fails
// assignments no dispatcher ever drove, condemns workers that went silent
// mid-run, drains boxes that sat idle past the grace period, terminates
// provider-side machines the store does not account for, cancels the newest
// low-priority work of owners past their budget ceiling, and archives old
// terminal jobs. Every intervention goes through the same CAS transitions
// the components it backstops use, so racing an active component resolves
// to exactly one winner.
type Reaper struct {
	store    storage.Store
	registry *providers.Registry
	engine   *cost.Engine
	broker   *events.Broker
	tokens   *provision.TokenManager
	cfg      *config.Snapshot
	logger   zerolog.Logger

	// bootedAt damps the orphan sweep after a restart: heartbeats only
	// reach the store through dispatcher connections, so every box looks
	// silent until the handlers have re-dialed.
	bootedAt      time.Time
	lastReconcile time.Time

	// idleSince tracks when a running instance was first observed without a
	// live assignment. In-memory on purpose: a restart just restarts the
	// idle clock.
	idleSince map[string]time.Time

	// suspects holds provider-side ids seen unaccounted for on one sweep.
	// Termination needs a second strike, so a create call still in flight
	// is never shot down.
	suspects map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a reaper
func New(store storage.Store, registry *providers.Registry, engine *cost.Engine, broker *events.Broker, tokens *provision.TokenManager, cfg *config.Snapshot) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		store:     store,
		registry:  registry,
		engine:    engine,
		broker:    broker,
		tokens:    tokens,
		cfg:       cfg,
		logger:    log.WithComponent("reaper"),
		bootedAt:  time.Now().UTC(),
		idleSince: make(map[string]time.Time),
		suspects:  make(map[string]bool),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the reap loop
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info().Dur("interval", r.interval()).Msg("Reaper started")
}

// Stop halts the loop after the in-flight tick finishes
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.cancel()
	r.wg.Wait()
	r.logger.Info().Msg("Reaper stopped")
}

func (r *Reaper) interval() time.Duration {
	interval := r.cfg.Get().Reaper.TickInterval.D()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return interval
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(time.Now().UTC())
		}
	}
}

func (r *Reaper) tick(now time.Time) {
	r.expireLeases(now)
	r.sweepStuckDispatch(now)
	r.sweepRunning(now)
	r.brakeOwners()

	interval := r.cfg.Get().Reaper.ReconcileInterval.D()
	if interval > 0 && now.Sub(r.lastReconcile) >= interval {
		r.lastReconcile = now
		r.reconcileProviders()
		r.archive(now)
	}
}

// expireLeases returns jobs whose claiming scheduler pass never finished to
// the queue
func (r *Reaper) expireLeases(now time.Time) {
	n, err := r.store.ExpireLeases(now)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to expire leases")
		return
	}
	if n > 0 {
		metrics.ReaperActions.WithLabelValues("lease_expired").Add(float64(n))
		r.logger.Info().Int("leases", n).Msg("Expired claim leases released")
	}
}

// sweepStuckDispatch fails assignments that sat in assigned past the
// dispatch window with no handler resolving them. The dispatcher normally
// gives up on these itself; the sweep only wins the CAS when it did not.
func (r *Reaper) sweepStuckDispatch(now time.Time) {
	window := r.cfg.Get().Reaper.DispatchTimeout.D()
	if window <= 0 {
		return
	}
	asgs, err := r.store.ListAssignmentsInStates(types.AssignmentStateAssigned)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list assigned rows")
		return
	}
	for _, asg := range asgs {
		if now.Sub(asg.AssignedAt) <= window {
			continue
		}
		if _, err := r.store.TransitionAssignment(asg.ID, types.AssignmentStateAssigned, types.AssignmentStateAborted); err != nil {
			r.logger.Debug().Str("assignment_id", asg.ID).Err(err).Msg("Stuck assignment resolved elsewhere")
			continue
		}
		if _, err := r.store.TransitionJob(asg.JobID, types.JobStatePending, types.JobStateFailed, storage.TransitionDetails{
			ErrorClass: types.ErrClassDispatchTimeout,
			Message:    "no dispatcher drove the assignment within the dispatch window",
		}); err != nil {
			r.logger.Debug().Str("job_id", asg.JobID).Err(err).Msg("Job moved before stuck-dispatch fail")
		}
		if _, err := r.store.TransitionInstance(asg.InstanceID, types.InstanceStateRunning, types.InstanceStateDraining, storage.TransitionDetails{}); err != nil {
			r.logger.Debug().Str("instance_id", asg.InstanceID).Err(err).Msg("Defensive drain skipped")
		}
		metrics.ReaperActions.WithLabelValues("stuck_dispatch").Inc()
		r.logger.Warn().
			Str("assignment_id", asg.ID).
			Str("job_id", asg.JobID).
			Str("instance_id", asg.InstanceID).
			Msg("Stuck assignment failed as dispatch_timeout")
	}
}

// sweepRunning walks every running instance once: boxes driving an
// assignment are checked for heartbeat silence, boxes driving nothing are
// checked against the idle grace.
func (r *Reaper) sweepRunning(now time.Time) {
	rows, err := r.store.ListInstances(storage.InstanceFilter{
		States: []types.InstanceState{types.InstanceStateRunning},
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list running instances")
		return
	}

	idle := make(map[string]bool, len(rows))
	for _, inst := range rows {
		live, err := r.store.LiveAssignmentForInstance(inst.ID)
		if err != nil {
			r.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to check live assignment")
			continue
		}
		if live != nil {
			r.checkOrphan(inst, live, now)
			continue
		}
		idle[inst.ID] = true
		r.checkIdle(inst, now)
	}
	for id := range r.idleSince {
		if !idle[id] {
			delete(r.idleSince, id)
		}
	}
}

// checkOrphan condemns an instance whose worker went silent mid-assignment
func (r *Reaper) checkOrphan(inst *types.Instance, live *types.Assignment, now time.Time) {
	threshold := r.cfg.Get().Reaper.HeartbeatThreshold.D()
	if threshold <= 0 || now.Sub(r.bootedAt) < threshold {
		return
	}
	if !health.HeartbeatStale(inst, live, threshold, now) {
		return
	}

	// The assignment CAS is the resolution lock; losing it means a
	// dispatcher handler got there first.
	if _, err := r.store.TransitionAssignment(live.ID, live.State, types.AssignmentStateAborted); err != nil {
		r.logger.Debug().Str("assignment_id", live.ID).Err(err).Msg("Orphan assignment resolved elsewhere")
		return
	}

	job, err := r.store.GetJob(live.JobID)
	if err != nil {
		r.logger.Error().Str("job_id", live.JobID).Err(err).Msg("Failed to load orphaned job")
	} else if !job.State.Terminal() {
		details := storage.TransitionDetails{
			ErrorClass: types.ErrClassLostWorker,
			Message:    "worker heartbeat lost",
		}
		if live.StartedAt != nil {
			details.FinalCostCents = cost.ForDuration(inst.RateCents, now.Sub(*live.StartedAt))
		}
		if _, err := r.store.TransitionJob(job.ID, job.State, types.JobStateFailed, details); err != nil {
			r.logger.Debug().Str("job_id", job.ID).Err(err).Msg("Job moved before orphan fail")
		} else {
			r.spawnRetry(job)
		}
	}

	if _, err := r.store.TransitionInstance(inst.ID, types.InstanceStateRunning, types.InstanceStateError, storage.TransitionDetails{
		Message: "worker heartbeat lost",
	}); err != nil {
		r.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to mark orphan instance")
		return
	}
	r.tokens.Revoke(inst.ID)

	if inst.ProviderID != "" {
		err := r.registry.Do(r.ctx, inst.Provider, "terminate_instance", func(ctx context.Context, adapter providers.Adapter) error {
			return adapter.TerminateInstance(ctx, inst.ProviderID)
		})
		if err != nil {
			// The reconciliation sweep will find it via ListAllInstances.
			r.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Orphan terminate failed")
		}
	}
	if _, err := r.engine.Finalize(inst.ID, now); err != nil {
		r.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Final accrual failed")
	}

	metrics.InstancesTerminated.WithLabelValues(inst.Provider, "heartbeat_lost").Inc()
	metrics.ReaperActions.WithLabelValues("orphan").Inc()
	r.logger.Error().
		Str("instance_id", inst.ID).
		Str("provider", inst.Provider).
		Str("job_id", live.JobID).
		Time("last_heartbeat", inst.LastHeartbeat).
		Msg("Worker heartbeat lost, instance condemned")
}

func (r *Reaper) spawnRetry(job *types.Job) {
	if job.RetryCount >= job.MaxRetries {
		return
	}
	retry := types.NewRetry(job)
	created, _, err := r.store.SubmitJob(retry, 0)
	if err != nil {
		r.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to enqueue retry")
		return
	}
	metrics.JobsRetried.Inc()
	r.logger.Info().Str("job_id", job.ID).Str("retry_id", created.ID).Int("attempt", retry.RetryCount).Msg("Retry enqueued for lost worker")
}

// checkIdle starts or advances the idle clock on a box with no live
// assignment and drains it once the grace expires
func (r *Reaper) checkIdle(inst *types.Instance, now time.Time) {
	grace := r.cfg.Get().Reaper.IdleGrace.D()
	if grace <= 0 {
		return
	}
	first, ok := r.idleSince[inst.ID]
	if !ok {
		r.idleSince[inst.ID] = now
		return
	}
	if now.Sub(first) < grace {
		return
	}
	if _, err := r.store.TransitionInstance(inst.ID, types.InstanceStateRunning, types.InstanceStateDraining, storage.TransitionDetails{}); err != nil {
		r.logger.Debug().Str("instance_id", inst.ID).Err(err).Msg("Idle drain lost the race")
		return
	}
	delete(r.idleSince, inst.ID)
	metrics.ReaperActions.WithLabelValues("idle_drain").Inc()
	r.logger.Info().
		Str("instance_id", inst.ID).
		Str("provider", inst.Provider).
		Dur("idle", now.Sub(first)).
		Msg("Idle instance draining")
}

// brakeOwners drains the newest low-priority running job of every owner
// whose realized spend has crossed their ceiling. One job per owner per
// tick; the next tick re-reads the ledger before taking another.
func (r *Reaper) brakeOwners() {
	running, _, err := r.store.ListJobs(storage.JobFilter{State: types.JobStateRunning, Limit: 500})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list running jobs")
		return
	}
	byOwner := lo.GroupBy(running, func(j *types.Job) string { return j.Owner })
	for owner, jobs := range byOwner {
		if !r.engine.Braked(owner) {
			continue
		}
		sort.Slice(jobs, func(i, j int) bool {
			ri, rj := jobs[i].Priority.Rank(), jobs[j].Priority.Rank()
			if ri != rj {
				return ri < rj
			}
			return startOf(jobs[i]).After(startOf(jobs[j]))
		})
		victim := jobs[0]
		r.publish(events.EventJobCancelRequested, fmt.Sprintf("budget ceiling exceeded for %s; draining job %s", owner, victim.ID), map[string]string{
			events.MetaJobID: victim.ID,
			events.MetaOwner: owner,
		})
		metrics.ReaperActions.WithLabelValues("budget_brake").Inc()
		r.logger.Warn().
			Str("owner", owner).
			Str("job_id", victim.ID).
			Str("priority", string(victim.Priority)).
			Msg("Budget brake draining job")
	}
}

func startOf(j *types.Job) time.Time {
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

// reconcileProviders terminates provider-side machines no non-terminal
// store row accounts for. A machine must show up unaccounted on two
// consecutive sweeps before it is shot, so a create call still in flight
// never loses its instance.
func (r *Reaper) reconcileProviders() {
	for _, tag := range r.registry.Enabled() {
		var held []string
		err := r.registry.Do(r.ctx, tag, "list_instances", func(ctx context.Context, adapter providers.Adapter) error {
			var callErr error
			held, callErr = adapter.ListAllInstances(ctx)
			return callErr
		})
		if err != nil {
			r.logger.Warn().Str("provider", tag).Err(err).Msg("Reconcile listing failed")
			continue
		}

		rows, err := r.store.ListInstances(storage.InstanceFilter{Provider: tag})
		if err != nil {
			r.logger.Error().Str("provider", tag).Err(err).Msg("Failed to list store instances")
			continue
		}
		accounted := make(map[string]bool, len(rows))
		for _, inst := range rows {
			if inst.ProviderID != "" && !inst.State.Terminal() {
				accounted[inst.ProviderID] = true
			}
		}

		heldNow := make(map[string]bool, len(held))
		for _, providerID := range held {
			key := tag + "/" + providerID
			heldNow[key] = true
			if accounted[providerID] {
				delete(r.suspects, key)
				continue
			}
			if !r.suspects[key] {
				r.suspects[key] = true
				continue
			}
			r.terminateUnaccounted(tag, providerID, key)
		}
		// Suspects that vanished on their own need no second strike.
		for key := range r.suspects {
			if strings.HasPrefix(key, tag+"/") && !heldNow[key] {
				delete(r.suspects, key)
			}
		}
	}
}

func (r *Reaper) terminateUnaccounted(tag, providerID, key string) {
	err := r.registry.Do(r.ctx, tag, "terminate_instance", func(ctx context.Context, adapter providers.Adapter) error {
		return adapter.TerminateInstance(ctx, providerID)
	})
	if err != nil {
		r.logger.Warn().Str("provider", tag).Str("provider_id", providerID).Err(err).Msg("Orphan terminate failed")
		return
	}
	delete(r.suspects, key)
	r.publish(events.EventComplianceOrphan, fmt.Sprintf("terminated unaccounted %s instance %s", tag, providerID), map[string]string{
		events.MetaProvider: tag,
	})
	metrics.InstancesTerminated.WithLabelValues(tag, "orphan").Inc()
	metrics.ReaperActions.WithLabelValues("provider_orphan").Inc()
	r.logger.Error().
		Str("provider", tag).
		Str("provider_id", providerID).
		Msg("Terminated provider-side instance with no store row")
}

// archive moves terminal jobs past the retention window into the archive
// bucket
func (r *Reaper) archive(now time.Time) {
	retention := r.cfg.Get().Reaper.Retention.D()
	if retention <= 0 {
		return
	}
	n, err := r.store.ArchiveExpired(retention, now)
	if err != nil {
		r.logger.Error().Err(err).Msg("Archive sweep failed")
		return
	}
	if n > 0 {
		metrics.ReaperActions.WithLabelValues("archived").Add(float64(n))
		r.logger.Info().Int("jobs", n).Msg("Archived expired jobs")
	}
}

func (r *Reaper) publish(t events.EventType, message string, meta map[string]string) {
	r.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     t,
		Message:  message,
		Metadata: meta,
	})
}
