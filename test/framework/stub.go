package framework

import (
	"context"
	"fmt"
	"sync"

	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

// StubProvider is a scripted provider adapter. It hands out a fixed pool of
// machine shapes, boots worker harnesses on loopback like the local provider,
// and can be flipped into an outage where every call fails retryably. Tests
// use it to exercise quota pressure, circuit breaking, and failover without a
// provider account.
type StubProvider struct {
	tag       string
	capacity  int
	profile   types.ResourceProfile
	rateCents int64

	mu        sync.Mutex
	down      bool
	downMsg   string
	behavior  worker.Behavior
	instances map[string]*worker.Harness
	created   int
}

// NewStubProvider creates a stub with capacity machines of the given shape
func NewStubProvider(tag string, capacity int, profile types.ResourceProfile, rateCents int64) *StubProvider {
	return &StubProvider{
		tag:       tag,
		capacity:  capacity,
		profile:   profile,
		rateCents: rateCents,
		instances: make(map[string]*worker.Harness),
	}
}

// FailAll puts the provider into an outage: every call, health probes
// included, fails retryably with msg until Heal.
func (p *StubProvider) FailAll(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = true
	p.downMsg = msg
}

// Heal ends the outage
func (p *StubProvider) Heal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = false
}

// SetWorkerBehavior scripts the behavior of subsequently booted harnesses
func (p *StubProvider) SetWorkerBehavior(b worker.Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behavior = b
}

// CreatedCount reports how many instances were ever created, including
// terminated ones
func (p *StubProvider) CreatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// LiveCount reports how many instances currently exist provider-side
func (p *StubProvider) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

func (p *StubProvider) outage() error {
	if p.down {
		return providers.AsRetryable(fmt.Errorf("%s: %s", p.tag, p.downMsg))
	}
	return nil
}

// Tag implements providers.Adapter
func (p *StubProvider) Tag() string { return p.tag }

// ListOffers returns one offer per free machine in the pool
func (p *StubProvider) ListOffers(_ context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.outage(); err != nil {
		return nil, err
	}
	if !p.profile.Satisfies(want) {
		return nil, nil
	}
	var offers []types.Offer
	for i := len(p.instances); i < p.capacity; i++ {
		offers = append(offers, types.Offer{
			Provider:  p.tag,
			OfferID:   fmt.Sprintf("%s-shape-%d", p.tag, i),
			Region:    "stub",
			Resources: p.profile,
			RateCents: p.rateCents,
			Available: true,
		})
	}
	return offers, nil
}

// CreateInstance boots a worker harness with the bootstrap token
func (p *StubProvider) CreateInstance(_ context.Context, _ types.Offer, boot providers.BootParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.outage(); err != nil {
		return "", err
	}
	if len(p.instances) >= p.capacity {
		return "", providers.AsRetryable(fmt.Errorf("%s: pool exhausted", p.tag))
	}

	h := worker.NewHarness(boot.Token, p.behavior)
	if err := h.Start(); err != nil {
		return "", providers.AsRetryable(fmt.Errorf("failed to start worker harness: %w", err))
	}
	providerID := fmt.Sprintf("%s-%s", p.tag, boot.InstanceID)
	p.instances[providerID] = h
	p.created++
	return providerID, nil
}

// ObserveInstance reports running immediately; stub machines have no boot
// delay
func (p *StubProvider) ObserveInstance(_ context.Context, providerID string) (providers.Observation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.outage(); err != nil {
		return providers.Observation{}, err
	}
	h, ok := p.instances[providerID]
	if !ok {
		return providers.Observation{State: providers.RemoteGone}, nil
	}
	return providers.Observation{State: providers.RemoteRunning, Address: h.Addr()}, nil
}

// TerminateInstance stops the harness and frees the pool seat
func (p *StubProvider) TerminateInstance(_ context.Context, providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.outage(); err != nil {
		return err
	}
	if h, ok := p.instances[providerID]; ok {
		h.Stop()
		delete(p.instances, providerID)
	}
	return nil
}

// ListAllInstances implements providers.Adapter
func (p *StubProvider) ListAllInstances(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.outage(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	return ids, nil
}

// Health implements providers.Adapter
func (p *StubProvider) Health(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outage()
}
