package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/cost"
	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/provision"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/types"
)

// Scheduler pairs queued jobs with idle running instances. It wakes on job
// submissions, instances becoming ready, and instances going idle; a
// periodic tick is the correctness net for anything the lossy bus dropped.
type Scheduler struct {
	store  storage.Store
	engine *cost.Engine
	prov   *provision.Provisioner
	broker *events.Broker
	cfg    *config.Snapshot
	logger zerolog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler
func New(store storage.Store, engine *cost.Engine, prov *provision.Provisioner, broker *events.Broker, cfg *config.Snapshot) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		engine: engine,
		prov:   prov,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the scheduling loop
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.watchEvents()
	go s.run()
	s.logger.Info().Dur("tick", s.cfg.Get().Scheduler.TickInterval.D()).Msg("Scheduler started")
}

// Stop halts the loop after the in-flight pass finishes
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	interval := s.cfg.Get().Scheduler.TickInterval.D()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		s.tick(time.Now())
	}
}

func (s *Scheduler) watchEvents() {
	defer s.wg.Done()
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventJobSubmitted, events.EventInstanceReady, events.EventInstanceIdle:
				select {
				case s.wakeCh <- struct{}{}:
				default:
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// tick is one full scheduling pass: expire what cannot run anymore, then
// claim, place, and request capacity for the rest
func (s *Scheduler) tick(now time.Time) {
	s.sweepQueued(now)
	s.place(now)
}

// sweepQueued fails queued jobs that will never run: past their deadline, or
// waiting for capacity longer than the blocked-wait ceiling
func (s *Scheduler) sweepQueued(now time.Time) {
	jobs, _, err := s.store.ListJobs(storage.JobFilter{State: types.JobStateQueued})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list queued jobs")
		return
	}
	ceiling := s.cfg.Get().Scheduler.BlockedWaitCeiling.D()

	for _, job := range jobs {
		switch {
		case job.Deadline != nil && !job.Deadline.After(now):
			if s.failQueued(job, types.ErrClassDeadlineExceeded, "deadline passed before the job could start") {
				metrics.JobsExpired.Inc()
			}
		case ceiling > 0 && now.Sub(job.CreatedAt) > ceiling:
			s.failQueued(job, types.ErrClassNoCapacity, "no provider produced capacity within the wait ceiling")
		}
	}
}

func (s *Scheduler) failQueued(job *types.Job, class, msg string) bool {
	if _, err := s.store.TransitionJob(job.ID, types.JobStateQueued, types.JobStateFailed, storage.TransitionDetails{
		ErrorClass: class,
		Message:    msg,
	}); err != nil {
		// Lost a race with a claim or a cancel; the other writer owns the job.
		if !errors.Is(err, storage.ErrConflict) {
			s.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to expire job")
		}
		return false
	}
	s.logger.Info().Str("job_id", job.ID).Str("owner", job.Owner).Str("class", class).Msg("Job expired")
	return true
}

// place claims schedulable jobs under a lease and binds them best-fit onto
// idle instances. Anything claimed but not bound reverts to queued when the
// lease is released, so a crash mid-pass loses no work.
func (s *Scheduler) place(now time.Time) {
	cfg := s.cfg.Get()
	claimed, token, err := s.store.ClaimQueued(cfg.Scheduler.ClaimLimit, cfg.Scheduler.LeaseTTL.D(), func(job *types.Job) bool {
		return !s.engine.Braked(job.Owner)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Claim failed")
		return
	}
	if len(claimed) == 0 {
		return
	}
	defer func() {
		if err := s.store.ReleaseClaim(token); err != nil {
			s.logger.Error().Err(err).Msg("Failed to release claim")
		}
	}()

	idle, err := s.idleInstances()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list idle instances")
		return
	}

	var unmatched []*types.Job
	for _, job := range claimed {
		inst := bestFit(idle, job.Resources)
		if inst == nil {
			unmatched = append(unmatched, job)
			continue
		}
		if _, err := s.store.BindAssignment(job.ID, inst.ID); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// Another binder won the row; the released claim requeues the
				// job for the next pass.
				idle = without(idle, inst.ID)
				continue
			}
			s.logger.Error().Str("job_id", job.ID).Err(err).Msg("Bind failed")
			continue
		}
		idle = without(idle, inst.ID)
		metrics.JobsScheduled.Inc()
		metrics.SchedulingLatency.Observe(now.Sub(job.CreatedAt).Seconds())
		s.logger.Info().
			Str("job_id", job.ID).
			Str("instance_id", inst.ID).
			Str("provider", inst.Provider).
			Str("owner", job.Owner).
			Msg("Job bound")
	}

	s.requestCapacity(unmatched)
}

// idleInstances returns running instances with no live assignment
func (s *Scheduler) idleInstances() ([]*types.Instance, error) {
	running, err := s.store.ListInstances(storage.InstanceFilter{
		States: []types.InstanceState{types.InstanceStateRunning},
	})
	if err != nil {
		return nil, err
	}
	var idle []*types.Instance
	for _, inst := range running {
		live, err := s.store.LiveAssignmentForInstance(inst.ID)
		if err != nil {
			return nil, err
		}
		if live == nil {
			idle = append(idle, inst)
		}
	}
	return idle, nil
}

// requestCapacity asks the provisioner for one instance per starved profile.
// Claimed order is priority-then-age, so each bucket's representative is its
// most urgent job. A bucket grows by one instance per pass, never one per
// job; the create budget bounds submission bursts.
func (s *Scheduler) requestCapacity(unmatched []*types.Job) {
	if len(unmatched) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, job := range unmatched {
		key := profileKey(job.Resources)
		if seen[key] {
			continue
		}
		seen[key] = true

		_, err := s.prov.RequestCapacity(s.ctx, job)
		switch {
		case errors.Is(err, provision.ErrNoCapacity):
			s.logger.Debug().Str("profile", key).Msg("No capacity anywhere for profile")
		case err != nil:
			s.logger.Error().Str("profile", key).Err(err).Msg("Capacity request failed")
		}
	}
}

// bestFit picks the idle instance wasting the least hardware on the job:
// fewest GPUs, then least memory, then cheapest
func bestFit(idle []*types.Instance, want types.ResourceProfile) *types.Instance {
	var best *types.Instance
	for _, inst := range idle {
		if !inst.Resources.Satisfies(want) {
			continue
		}
		if best == nil || tighter(inst, best) {
			best = inst
		}
	}
	return best
}

func tighter(a, b *types.Instance) bool {
	if a.Resources.GPUCount != b.Resources.GPUCount {
		return a.Resources.GPUCount < b.Resources.GPUCount
	}
	if a.Resources.MemoryMB != b.Resources.MemoryMB {
		return a.Resources.MemoryMB < b.Resources.MemoryMB
	}
	return a.RateCents < b.RateCents
}

func without(idle []*types.Instance, id string) []*types.Instance {
	return lo.Reject(idle, func(inst *types.Instance, _ int) bool { return inst.ID == id })
}

func profileKey(p types.ResourceProfile) string {
	return fmt.Sprintf("%s/%dx/%dmb", p.GPUModel, p.GPUCount, p.MemoryMB)
}
