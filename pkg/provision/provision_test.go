package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/cost"
	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/templates"
	"github.com/aima-platform/corral/pkg/types"
)

type fakeAdapter struct {
	tag string

	mu           sync.Mutex
	offers       []types.Offer
	createErr    error
	createCalls  int
	boots        []providers.BootParams
	observations map[string]providers.Observation
	terminated   []string
}

func (f *fakeAdapter) Tag() string { return f.tag }

func (f *fakeAdapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Offer
	for _, o := range f.offers {
		if o.Resources.Satisfies(want) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeAdapter) CreateInstance(ctx context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.boots = append(f.boots, boot)
	id := "remote-" + boot.InstanceID
	if f.observations == nil {
		f.observations = make(map[string]providers.Observation)
	}
	if _, ok := f.observations[id]; !ok {
		f.observations[id] = providers.Observation{State: providers.RemotePending}
	}
	return id, nil
}

func (f *fakeAdapter) ObserveInstance(ctx context.Context, providerID string) (providers.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs, ok := f.observations[providerID]
	if !ok {
		return providers.Observation{State: providers.RemoteGone}, nil
	}
	return obs, nil
}

func (f *fakeAdapter) TerminateInstance(ctx context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, providerID)
	delete(f.observations, providerID)
	return nil
}

func (f *fakeAdapter) ListAllInstances(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.observations {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeAdapter) Health(ctx context.Context) error { return nil }

func (f *fakeAdapter) setObservation(providerID string, obs providers.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observations == nil {
		f.observations = make(map[string]providers.Observation)
	}
	f.observations[providerID] = obs
}

func (f *fakeAdapter) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func a100Offer(provider, id string, rate int64) types.Offer {
	return types.Offer{
		Provider:  provider,
		OfferID:   id,
		Region:    "test-1",
		Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
		RateCents: rate,
		Available: true,
	}
}

func a100Job(owner string) *types.Job {
	return &types.Job{
		Owner:     owner,
		Kind:      types.JobKindInference,
		Priority:  types.PriorityNormal,
		Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
		Image:     "registry.aima.internal/inference:latest",
	}
}

func providerConfig(quota int) config.ProviderConfig {
	return config.ProviderConfig{
		Enabled:       true,
		SoftQuota:     quota,
		Credentials:   map[string]string{"worker_image": "corral-worker:test"},
		RetryAttempts: 1,
		ReadTimeout:   config.Duration(2 * time.Second),
		PollInterval:  config.Duration(20 * time.Millisecond),
		Breaker: config.BreakerConfig{
			Window:       4,
			FailureRatio: 0.5,
			Cooldown:     config.Duration(time.Minute),
			MaxCooldown:  config.Duration(10 * time.Minute),
		},
	}
}

type harness struct {
	p      *Provisioner
	store  storage.Store
	reg    *providers.Registry
	broker *events.Broker
	cfg    *config.Config
}

func newHarness(t *testing.T, adapters ...*fakeAdapter) *harness {
	t.Helper()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store, err := storage.NewBoltStore(t.TempDir(), broker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Providers = make(map[string]config.ProviderConfig)
	reg := providers.NewRegistry()
	for _, a := range adapters {
		pc := providerConfig(3)
		cfg.Providers[a.tag] = pc
		reg.Register(a, pc)
	}
	snap := config.NewSnapshot(cfg)

	engine := cost.NewEngine(store, templates.Builtin(), snap)
	return &harness{
		p:      New(store, reg, engine, broker, NewTokenManager(), snap),
		store:  store,
		reg:    reg,
		broker: broker,
		cfg:    cfg,
	}
}

func (h *harness) requested(t *testing.T, fake *fakeAdapter) *types.Instance {
	t.Helper()
	inst, err := h.p.RequestCapacity(context.Background(), a100Job("team-ml"))
	require.NoError(t, err)
	require.Equal(t, fake.tag, inst.Provider)
	return inst
}

func TestRequestCapacity(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)

	inst := h.requested(t, fake)
	assert.Equal(t, types.InstanceStateRequested, inst.State)
	assert.Equal(t, "offer-1", inst.OfferID)
	assert.Len(t, inst.TokenID, 64, "bootstrap token is 32 random bytes hex encoded")

	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateRequested, stored.State)
	assert.Equal(t, int64(180), stored.RateCents)
	assert.Equal(t, 1, h.p.tokens.Active())

	// No provider call happens until the loop picks the row up.
	assert.Equal(t, 0, fake.createCalls)
}

func TestRequestCapacityPicksCheapestOffer(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{
		a100Offer("alpha", "pricey", 700),
		a100Offer("alpha", "bargain", 120),
	}}
	h := newHarness(t, fake)

	inst := h.requested(t, fake)
	assert.Equal(t, "bargain", inst.OfferID)
	assert.Equal(t, int64(120), inst.RateCents)
}

func TestRequestCapacityNoCapacity(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha"} // no offers at all
	h := newHarness(t, fake)

	_, err := h.p.RequestCapacity(context.Background(), a100Job("team-ml"))
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestRequestCapacityQuotaFallsToNextProvider(t *testing.T) {
	full := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "cheap", 50)}}
	open := &fakeAdapter{tag: "beta", offers: []types.Offer{a100Offer("beta", "spare", 200)}}
	h := newHarness(t, full, open)

	// Fill alpha's quota of 3 with non-terminal rows.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.CreateInstance(&types.Instance{
			Provider:  "alpha",
			Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1},
			State:     types.InstanceStateRunning,
		}, 0))
	}

	inst, err := h.p.RequestCapacity(context.Background(), a100Job("team-ml"))
	require.NoError(t, err)
	assert.Equal(t, "beta", inst.Provider, "cheapest offer is over quota, next one wins")
}

func TestRequestCapacityHonorsCreateBudget(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)
	h.cfg.Scheduler.MaxPendingCreates = 1

	h.requested(t, fake)
	_, err := h.p.RequestCapacity(context.Background(), a100Job("team-ml"))
	assert.ErrorIs(t, err, ErrNoCapacity, "one create already in flight")
}

func TestRequestCapacitySkipsOpenBreaker(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)

	// Trip the breaker: four straight failures fill the window.
	for i := 0; i < 4; i++ {
		_ = h.reg.Do(context.Background(), "alpha", "observe_instance", func(ctx context.Context, adapter providers.Adapter) error {
			return errors.New("socket reset")
		})
	}
	require.Equal(t, providers.BreakerOpen, h.reg.CircuitState("alpha"))

	_, err := h.p.RequestCapacity(context.Background(), a100Job("team-ml"))
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestAdvanceRequestedCreates(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)
	inst := h.requested(t, fake)

	h.p.advanceRequested("alpha")

	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateStarting, stored.State)
	assert.Equal(t, "remote-"+inst.ID, stored.ProviderID)

	require.Len(t, fake.boots, 1)
	assert.Equal(t, inst.TokenID, fake.boots[0].Token)
	assert.Equal(t, "corral-worker:test", fake.boots[0].Image)
}

func TestAdvanceRequestedFatalCreateFails(t *testing.T) {
	fake := &fakeAdapter{
		tag:       "alpha",
		offers:    []types.Offer{a100Offer("alpha", "offer-1", 180)},
		createErr: providers.AsFatal(errors.New("invalid credentials")),
	}
	h := newHarness(t, fake)
	inst := h.requested(t, fake)

	h.p.advanceRequested("alpha")

	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateError, stored.State)
	assert.Contains(t, stored.Error, "create failed")
	assert.Equal(t, 0, h.p.tokens.Active(), "token revoked on failure")

	// The failed offer is filtered from subsequent listings.
	offers, err := h.reg.Offers(context.Background(), "alpha", inst.Resources)
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestAdvanceRequestedRetryableKeepsRow(t *testing.T) {
	fake := &fakeAdapter{
		tag:       "alpha",
		offers:    []types.Offer{a100Offer("alpha", "offer-1", 180)},
		createErr: providers.AsRetryable(errors.New("capacity unavailable")),
	}
	h := newHarness(t, fake)
	inst := h.requested(t, fake)

	for pass := 1; pass < createPasses; pass++ {
		h.p.advanceRequested("alpha")
		stored, err := h.store.GetInstance(inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStateRequested, stored.State, "pass %d keeps the row", pass)
	}

	h.p.advanceRequested("alpha")
	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateError, stored.State, "passes exhausted")
}

func TestAdvanceStartingToRunning(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)
	inst := h.requested(t, fake)
	h.p.advanceRequested("alpha")

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	fake.setObservation("remote-"+inst.ID, providers.Observation{
		State:   providers.RemoteRunning,
		Address: "203.0.113.5:8844",
	})
	h.p.advanceStarting("alpha")

	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateRunning, stored.State)
	assert.Equal(t, "203.0.113.5:8844", stored.Address)
	require.NotNil(t, stored.StartedAt)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventInstanceReady {
				assert.Equal(t, inst.ID, ev.Metadata[events.MetaInstanceID])
				assert.Equal(t, "alpha", ev.Metadata[events.MetaProvider])
				return
			}
		case <-deadline:
			t.Fatal("no instance.ready event")
		}
	}
}

func TestAdvanceStartingRemoteGone(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)
	inst := h.requested(t, fake)
	h.p.advanceRequested("alpha")

	fake.setObservation("remote-"+inst.ID, providers.Observation{State: providers.RemoteGone})
	h.p.advanceStarting("alpha")

	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateError, stored.State)
}

func TestAdvanceStartingStartDeadline(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)
	h.cfg.Reaper.StartDeadline = config.Duration(time.Millisecond)

	inst := h.requested(t, fake)
	// Get past the deadline check in advanceRequested before it fires.
	h.cfg.Reaper.StartDeadline = config.Duration(time.Hour)
	h.p.advanceRequested("alpha")
	h.cfg.Reaper.StartDeadline = config.Duration(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	h.p.advanceStarting("alpha") // fake still reports pending

	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateError, stored.State)
	assert.Contains(t, fake.terminatedIDs(), "remote-"+inst.ID, "half-built machine torn down")
}

func TestAdvanceDraining(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)
	inst := h.requested(t, fake)
	h.p.advanceRequested("alpha")
	fake.setObservation("remote-"+inst.ID, providers.Observation{State: providers.RemoteRunning, Address: "203.0.113.5:8844"})
	h.p.advanceStarting("alpha")

	// Bind a live assignment so the drain has to wait.
	job, _, err := h.store.SubmitJob(a100Job("team-ml"), 0)
	require.NoError(t, err)
	claimed, _, err := h.store.ClaimQueued(1, time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	asg, err := h.store.BindAssignment(job.ID, inst.ID)
	require.NoError(t, err)

	_, err = h.store.TransitionInstance(inst.ID, types.InstanceStateRunning, types.InstanceStateDraining, storage.TransitionDetails{})
	require.NoError(t, err)

	h.p.advanceDraining("alpha")
	stored, err := h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateDraining, stored.State, "live assignment blocks termination")
	assert.Empty(t, fake.terminatedIDs())

	_, err = h.store.TransitionAssignment(asg.ID, types.AssignmentStateAssigned, types.AssignmentStateAborted)
	require.NoError(t, err)

	h.p.advanceDraining("alpha")
	stored, err = h.store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateStopped, stored.State)
	require.NotNil(t, stored.TerminatedAt)
	assert.Equal(t, []string{"remote-" + inst.ID}, fake.terminatedIDs())
	assert.Equal(t, 0, h.p.tokens.Active())
}

func TestLoopEndToEnd(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	h.p.Start()
	defer h.p.Stop()

	inst := h.requested(t, fake)

	// The loop creates the machine; once it does, flip the fake to running.
	deadline := time.After(5 * time.Second)
	for {
		stored, err := h.store.GetInstance(inst.ID)
		require.NoError(t, err)
		if stored.State == types.InstanceStateStarting {
			fake.setObservation(stored.ProviderID, providers.Observation{
				State:   providers.RemoteRunning,
				Address: "127.0.0.1:39000",
			})
			break
		}
		select {
		case <-deadline:
			t.Fatal("instance never reached starting")
		case <-time.After(5 * time.Millisecond):
		}
	}

	deadline = time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventInstanceReady && ev.Metadata[events.MetaInstanceID] == inst.ID {
				stored, err := h.store.GetInstance(inst.ID)
				require.NoError(t, err)
				assert.Equal(t, types.InstanceStateRunning, stored.State)
				assert.Equal(t, "127.0.0.1:39000", stored.Address)
				return
			}
		case <-deadline:
			t.Fatal("instance never became ready")
		}
	}
}

func TestCountSpares(t *testing.T) {
	fake := &fakeAdapter{tag: "alpha", offers: []types.Offer{a100Offer("alpha", "offer-1", 180)}}
	h := newHarness(t, fake)

	inst := h.requested(t, fake) // requested counts as a spare
	spares, err := h.p.countSpares()
	require.NoError(t, err)
	assert.Equal(t, 1, spares)

	h.p.advanceRequested("alpha")
	fake.setObservation("remote-"+inst.ID, providers.Observation{State: providers.RemoteRunning, Address: "203.0.113.5:8844"})
	h.p.advanceStarting("alpha")

	spares, err = h.p.countSpares()
	require.NoError(t, err)
	assert.Equal(t, 1, spares, "idle running instance is a spare")

	job, _, err := h.store.SubmitJob(a100Job("team-ml"), 0)
	require.NoError(t, err)
	_, _, err = h.store.ClaimQueued(1, time.Minute, nil)
	require.NoError(t, err)
	_, err = h.store.BindAssignment(job.ID, inst.ID)
	require.NoError(t, err)

	spares, err = h.p.countSpares()
	require.NoError(t, err)
	assert.Equal(t, 0, spares, "bound instance is not a spare")
}

func TestWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := withJitter(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/4)
	}
}
