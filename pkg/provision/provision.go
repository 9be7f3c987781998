package provision

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/cost"
	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/types"
)

// ErrNoCapacity means no enabled provider has an eligible offer right now:
// every candidate is at quota, tripped open, or unable to satisfy the profile.
var ErrNoCapacity = errors.New("no provider can satisfy the requested profile")

// createPasses bounds how many polling passes a requested instance may fail
// creation before the row is written off as error. The registry already
// retries transient failures within a pass.
const createPasses = 3

// Provisioner drives the instance state machine. One loop runs per enabled
// provider; loops share only the store and the event bus, never each other's
// state. Creation is requested by the scheduler (and optionally the warm-up
// policy), then carried forward here: requested rows get their create call,
// starting rows are polled until the worker address is known, draining rows
// are terminated once their last assignment ends.
type Provisioner struct {
	store    storage.Store
	registry *providers.Registry
	engine   *cost.Engine
	broker   *events.Broker
	tokens   *TokenManager
	cfg      *config.Snapshot
	logger   zerolog.Logger

	wakeChs map[string]chan struct{}

	mu       sync.Mutex
	attempts map[string]int // create failures per instance id

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a provisioner over the already-populated registry
func New(store storage.Store, registry *providers.Registry, engine *cost.Engine, broker *events.Broker, tokens *TokenManager, cfg *config.Snapshot) *Provisioner {
	ctx, cancel := context.WithCancel(context.Background())
	wakeChs := make(map[string]chan struct{})
	for _, tag := range registry.Enabled() {
		wakeChs[tag] = make(chan struct{}, 1)
	}
	return &Provisioner{
		store:    store,
		registry: registry,
		engine:   engine,
		broker:   broker,
		tokens:   tokens,
		cfg:      cfg,
		logger:   log.WithComponent("provision"),
		wakeChs:  wakeChs,
		attempts: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Start launches one loop per enabled provider, the event watcher, and the
// warm-up policy when configured
func (p *Provisioner) Start() {
	tags := p.registry.Enabled()
	for _, tag := range tags {
		p.wg.Add(1)
		go p.run(tag)
	}
	p.wg.Add(1)
	go p.watchEvents()
	if p.cfg.Get().Warmup.Enabled {
		p.wg.Add(1)
		go p.warmLoop()
	}
	p.logger.Info().Strs("providers", tags).Msg("Provisioner started")
}

// Stop halts every loop. Running instances are left alone: they survive a
// restart and are re-adopted from the store.
func (p *Provisioner) Stop() {
	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Provisioner stopped")
}

// run is one provider's polling loop. Polls are jittered so a fleet of
// orchestrators never aligns into rate-limit bursts against one provider.
func (p *Provisioner) run(tag string) {
	defer p.wg.Done()

	pcfg, _ := p.registry.Config(tag)
	interval := pcfg.PollInterval.D()
	if interval <= 0 {
		interval = 10 * time.Second
	}

	timer := time.NewTimer(withJitter(interval))
	defer timer.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-timer.C:
		case <-p.wakeChs[tag]:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		p.reconcile(tag)
		timer.Reset(withJitter(interval))
	}
}

// reconcile advances every non-passive instance of one provider a single step
func (p *Provisioner) reconcile(tag string) {
	p.advanceRequested(tag)
	p.advanceStarting(tag)
	p.advanceDraining(tag)
}

// poke wakes a provider loop out of its poll interval
func (p *Provisioner) poke(tag string) {
	ch, ok := p.wakeChs[tag]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// watchEvents turns bus notifications into loop wake-ups. The bus is lossy,
// so this only shortens latency; the poll tick remains the correctness net.
func (p *Provisioner) watchEvents() {
	defer p.wg.Done()
	sub := p.broker.Subscribe()
	defer p.broker.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventInstanceRequested, events.EventInstanceIdle, events.EventInstanceChanged:
				p.poke(ev.Metadata[events.MetaProvider])
			}
		case <-p.stopCh:
			return
		}
	}
}

// RequestCapacity launches one instance able to run the given job, choosing
// the best offer across every enabled provider. Providers with an open
// breaker or a full create budget are skipped; a provider at soft quota
// yields to the next-ranked offer. Returns ErrNoCapacity when nothing can be
// launched anywhere.
func (p *Provisioner) RequestCapacity(ctx context.Context, job *types.Job) (*types.Instance, error) {
	cfg := p.cfg.Get()

	var pool []types.Offer
	for _, tag := range p.registry.Enabled() {
		if p.registry.CircuitState(tag) == providers.BreakerOpen {
			continue
		}
		if cfg.Scheduler.MaxPendingCreates > 0 {
			pending, err := p.pendingCreates(tag)
			if err != nil {
				return nil, err
			}
			if pending >= cfg.Scheduler.MaxPendingCreates {
				continue
			}
		}
		offers, err := p.registry.Offers(ctx, tag, job.Resources)
		if err != nil {
			p.logger.Warn().Str("provider", tag).Err(err).Msg("Offer listing failed")
			continue
		}
		pool = append(pool, offers...)
	}

	for _, offer := range p.engine.RankOffers(job, pool) {
		inst, err := p.requestOffer(offer)
		if errors.Is(err, storage.ErrQuotaExceeded) {
			continue
		}
		if err != nil {
			return nil, err
		}
		p.logger.Info().
			Str("instance_id", inst.ID).
			Str("provider", inst.Provider).
			Str("offer_id", inst.OfferID).
			Int64("rate_cents", inst.RateCents).
			Msg("Capacity requested")
		return inst, nil
	}
	return nil, ErrNoCapacity
}

// requestOffer persists the requested row for one offer and wakes the owning
// provider loop. The row is durable before any provider call is made, so a
// crash between the two leaves a request the loop will pick up, never an
// untracked machine.
func (p *Provisioner) requestOffer(offer types.Offer) (*types.Instance, error) {
	id := uuid.New().String()
	token, err := p.tokens.Issue(id)
	if err != nil {
		return nil, err
	}

	pcfg, _ := p.registry.Config(offer.Provider)
	inst := &types.Instance{
		ID:        id,
		Provider:  offer.Provider,
		OfferID:   offer.OfferID,
		Resources: offer.Resources,
		Region:    offer.Region,
		RateCents: offer.RateCents,
		State:     types.InstanceStateRequested,
		TokenID:   token,
	}
	if err := p.store.CreateInstance(inst, pcfg.SoftQuota); err != nil {
		p.tokens.Revoke(id)
		return nil, err
	}
	metrics.InstancesLaunched.WithLabelValues(offer.Provider).Inc()
	p.poke(offer.Provider)
	return inst, nil
}

// pendingCreates counts a provider's instances still short of running
func (p *Provisioner) pendingCreates(tag string) (int, error) {
	rows, err := p.store.ListInstances(storage.InstanceFilter{
		Provider: tag,
		States:   []types.InstanceState{types.InstanceStateRequested, types.InstanceStateStarting},
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// advanceRequested fires the create call for rows whose machine does not
// exist yet. While the breaker is half-open at most one create goes out per
// pass; the probe's outcome decides whether the rest follow.
func (p *Provisioner) advanceRequested(tag string) {
	rows, err := p.store.ListInstances(storage.InstanceFilter{
		Provider: tag,
		States:   []types.InstanceState{types.InstanceStateRequested},
	})
	if err != nil {
		p.logger.Error().Str("provider", tag).Err(err).Msg("Failed to list requested instances")
		return
	}

	created := false
	for _, inst := range rows {
		if p.pastStartDeadline(inst) {
			p.failInstance(inst, types.InstanceStateRequested, "start_timeout", "create window expired")
			continue
		}
		switch p.registry.CircuitState(tag) {
		case providers.BreakerOpen:
			return
		case providers.BreakerHalfOpen:
			if created {
				return
			}
		}
		if p.createOne(inst) {
			created = true
		}
	}
}

// createOne makes the provider call for a single requested row
func (p *Provisioner) createOne(inst *types.Instance) bool {
	pcfg, _ := p.registry.Config(inst.Provider)
	offer := types.Offer{
		Provider:  inst.Provider,
		OfferID:   inst.OfferID,
		Region:    inst.Region,
		Resources: inst.Resources,
		RateCents: inst.RateCents,
	}
	boot := providers.BootParams{
		InstanceID: inst.ID,
		Token:      inst.TokenID,
		Image:      pcfg.Credentials["worker_image"],
		Resources:  inst.Resources,
		Region:     inst.Region,
	}

	var providerID string
	err := p.registry.Do(p.ctx, inst.Provider, "create_instance", func(ctx context.Context, adapter providers.Adapter) error {
		var callErr error
		providerID, callErr = adapter.CreateInstance(ctx, offer, boot)
		return callErr
	})
	if err != nil {
		p.registry.MarkOfferUnavailable(offer)
		p.noteCreateFailure(inst, err)
		return false
	}

	p.clearAttempts(inst.ID)
	if err := p.store.SetInstanceProviderID(inst.ID, providerID); err != nil {
		p.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to record provider id")
		return true
	}
	if _, err := p.store.TransitionInstance(inst.ID, types.InstanceStateRequested, types.InstanceStateStarting, storage.TransitionDetails{}); err != nil {
		p.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to mark instance starting")
		return true
	}
	p.logger.Info().
		Str("instance_id", inst.ID).
		Str("provider", inst.Provider).
		Str("provider_id", providerID).
		Msg("Instance created")
	return true
}

// noteCreateFailure decides between waiting for the next pass and writing the
// row off. Breaker rejections never count against the row; fatal errors and
// exhausted passes do.
func (p *Provisioner) noteCreateFailure(inst *types.Instance, err error) {
	if errors.Is(err, providers.ErrCircuitOpen) {
		return
	}

	p.mu.Lock()
	p.attempts[inst.ID]++
	n := p.attempts[inst.ID]
	p.mu.Unlock()

	if providers.Classify(err) == providers.OutcomeFatal || n >= createPasses {
		p.failInstance(inst, types.InstanceStateRequested, "create_failed", fmt.Sprintf("create failed: %v", err))
		return
	}
	p.logger.Warn().
		Str("instance_id", inst.ID).
		Str("provider", inst.Provider).
		Int("attempt", n).
		Err(err).
		Msg("Instance create failed, will retry")
}

func (p *Provisioner) clearAttempts(id string) {
	p.mu.Lock()
	delete(p.attempts, id)
	p.mu.Unlock()
}

// advanceStarting polls provider-side state for created machines until the
// worker address is known. The start deadline is a hard wall-clock bound:
// exceeding it is error, not an extended pending.
func (p *Provisioner) advanceStarting(tag string) {
	rows, err := p.store.ListInstances(storage.InstanceFilter{
		Provider: tag,
		States:   []types.InstanceState{types.InstanceStateStarting},
	})
	if err != nil {
		p.logger.Error().Str("provider", tag).Err(err).Msg("Failed to list starting instances")
		return
	}

	for _, inst := range rows {
		var obs providers.Observation
		err := p.registry.Do(p.ctx, tag, "observe_instance", func(ctx context.Context, adapter providers.Adapter) error {
			var callErr error
			obs, callErr = adapter.ObserveInstance(ctx, inst.ProviderID)
			return callErr
		})
		if err != nil {
			if p.pastStartDeadline(inst) {
				p.failInstance(inst, types.InstanceStateStarting, "start_timeout", "start deadline exceeded")
			} else {
				p.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Observe failed")
			}
			continue
		}

		switch obs.State {
		case providers.RemoteRunning:
			p.markReady(inst, obs.Address)
		case providers.RemoteGone:
			p.failInstance(inst, types.InstanceStateStarting, "gone", "instance disappeared while starting")
		default:
			if p.pastStartDeadline(inst) {
				p.failInstance(inst, types.InstanceStateStarting, "start_timeout", "start deadline exceeded")
			}
		}
	}
}

// markReady records the worker address and opens the instance to the scheduler
func (p *Provisioner) markReady(inst *types.Instance, address string) {
	if address == "" {
		// Running without a reachable address is still pending from the
		// scheduler's point of view.
		if p.pastStartDeadline(inst) {
			p.failInstance(inst, types.InstanceStateStarting, "start_timeout", "no address before start deadline")
		}
		return
	}
	if err := p.store.SetInstanceAddress(inst.ID, address); err != nil {
		p.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to record address")
		return
	}
	if _, err := p.store.TransitionInstance(inst.ID, types.InstanceStateStarting, types.InstanceStateRunning, storage.TransitionDetails{}); err != nil {
		p.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to mark instance running")
		return
	}
	p.publish(events.EventInstanceReady, fmt.Sprintf("instance %s ready at %s", inst.ID, address), map[string]string{
		events.MetaInstanceID: inst.ID,
		events.MetaProvider:   inst.Provider,
	})
	p.logger.Info().
		Str("instance_id", inst.ID).
		Str("provider", inst.Provider).
		Str("address", address).
		Dur("startup", time.Since(inst.CreatedAt)).
		Msg("Instance ready")
}

// advanceDraining terminates drained instances once their last assignment is
// gone. Termination failures are retried on later passes; the reconciliation
// sweep catches anything that slips through entirely.
func (p *Provisioner) advanceDraining(tag string) {
	rows, err := p.store.ListInstances(storage.InstanceFilter{
		Provider: tag,
		States:   []types.InstanceState{types.InstanceStateDraining},
	})
	if err != nil {
		p.logger.Error().Str("provider", tag).Err(err).Msg("Failed to list draining instances")
		return
	}

	for _, inst := range rows {
		live, err := p.store.LiveAssignmentForInstance(inst.ID)
		if err != nil {
			p.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to check live assignment")
			continue
		}
		if live != nil {
			continue
		}
		p.release(inst)
	}
}

// release tears one drained instance down and closes its books
func (p *Provisioner) release(inst *types.Instance) {
	if inst.ProviderID != "" {
		err := p.registry.Do(p.ctx, inst.Provider, "terminate_instance", func(ctx context.Context, adapter providers.Adapter) error {
			return adapter.TerminateInstance(ctx, inst.ProviderID)
		})
		if err != nil {
			p.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Terminate failed, will retry")
			return
		}
	}
	if _, err := p.store.TransitionInstance(inst.ID, types.InstanceStateDraining, types.InstanceStateStopped, storage.TransitionDetails{}); err != nil {
		p.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to mark instance stopped")
		return
	}
	p.tokens.Revoke(inst.ID)
	if _, err := p.engine.Finalize(inst.ID, time.Now()); err != nil {
		p.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Final accrual failed")
	}
	metrics.InstancesTerminated.WithLabelValues(inst.Provider, "drained").Inc()
	p.logger.Info().
		Str("instance_id", inst.ID).
		Str("provider", inst.Provider).
		Int64("accrued_cents", inst.AccruedCents).
		Msg("Instance terminated")
}

// failInstance writes a row off as error, revokes its token, and tears down
// whatever the provider may have built for it
func (p *Provisioner) failInstance(inst *types.Instance, from types.InstanceState, reason, msg string) {
	if _, err := p.store.TransitionInstance(inst.ID, from, types.InstanceStateError, storage.TransitionDetails{Message: msg}); err != nil {
		p.logger.Error().Str("instance_id", inst.ID).Err(err).Msg("Failed to mark instance error")
		return
	}
	p.tokens.Revoke(inst.ID)
	p.clearAttempts(inst.ID)

	if inst.ProviderID != "" {
		err := p.registry.Do(p.ctx, inst.Provider, "terminate_instance", func(ctx context.Context, adapter providers.Adapter) error {
			return adapter.TerminateInstance(ctx, inst.ProviderID)
		})
		if err != nil {
			// The reconciliation sweep will find it via ListAllInstances.
			p.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Cleanup terminate failed")
		}
		if _, err := p.engine.Finalize(inst.ID, time.Now()); err != nil {
			p.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Final accrual failed")
		}
	}

	metrics.InstancesTerminated.WithLabelValues(inst.Provider, reason).Inc()
	p.publish(events.EventInstanceFailed, fmt.Sprintf("instance %s failed: %s", inst.ID, msg), map[string]string{
		events.MetaInstanceID: inst.ID,
		events.MetaProvider:   inst.Provider,
	})
	p.logger.Error().
		Str("instance_id", inst.ID).
		Str("provider", inst.Provider).
		Str("reason", reason).
		Msg(msg)
}

func (p *Provisioner) pastStartDeadline(inst *types.Instance) bool {
	deadline := p.cfg.Get().Reaper.StartDeadline.D()
	return deadline > 0 && time.Since(inst.CreatedAt) > deadline
}

func (p *Provisioner) publish(t events.EventType, message string, meta map[string]string) {
	p.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     t,
		Message:  message,
		Metadata: meta,
	})
}

// warmLoop is the predictive warm-up policy: when the queue has stayed
// non-empty across the whole sampling window, launch a spare for the oldest
// queued profile, capped at MaxSpares. Purely latency optimization;
// scheduling correctness never depends on it.
func (p *Provisioner) warmLoop() {
	defer p.wg.Done()

	cfg := p.cfg.Get()
	window := cfg.Warmup.Window.D()
	tick := cfg.Scheduler.TickInterval.D()
	if tick <= 0 {
		tick = 5 * time.Second
	}

	type sample struct {
		at    time.Time
		depth int
	}
	var samples []sample

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-p.stopCh:
			return
		}

		depth, err := p.store.CountJobsInStates(types.JobStateQueued)
		if err != nil {
			continue
		}
		now := time.Now()
		samples = append(samples, sample{at: now, depth: depth})
		for len(samples) > 0 && now.Sub(samples[0].at) > window {
			samples = samples[1:]
		}
		if now.Sub(samples[0].at) < window-tick {
			continue // window not yet covered
		}
		starved := lo.EveryBy(samples, func(s sample) bool { return s.depth > 0 })
		if !starved {
			continue
		}

		spares, err := p.countSpares()
		if err != nil || spares >= cfg.Warmup.MaxSpares {
			continue
		}
		jobs, _, err := p.store.ListJobs(storage.JobFilter{State: types.JobStateQueued})
		if err != nil || len(jobs) == 0 {
			continue
		}
		oldest := lo.MinBy(jobs, func(a, b *types.Job) bool { return a.CreatedAt.Before(b.CreatedAt) })
		if _, err := p.RequestCapacity(p.ctx, oldest); err != nil && !errors.Is(err, ErrNoCapacity) {
			p.logger.Warn().Err(err).Msg("Warm-up capacity request failed")
		}
	}
}

// countSpares counts capacity not serving work yet: creates in flight plus
// running instances with no live assignment
func (p *Provisioner) countSpares() (int, error) {
	rows, err := p.store.ListInstances(storage.InstanceFilter{
		States: []types.InstanceState{
			types.InstanceStateRequested,
			types.InstanceStateStarting,
			types.InstanceStateRunning,
		},
	})
	if err != nil {
		return 0, err
	}
	spares := 0
	for _, inst := range rows {
		if inst.State != types.InstanceStateRunning {
			spares++
			continue
		}
		live, err := p.store.LiveAssignmentForInstance(inst.ID)
		if err != nil {
			return 0, err
		}
		if live == nil {
			spares++
		}
	}
	return spares, nil
}

// withJitter spreads polls across [d, 5d/4)
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
