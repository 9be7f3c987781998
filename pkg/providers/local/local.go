// Package local implements the zero-cloud provider: a fixed inventory of
// in-process GPU slots, each backed by a worker harness on loopback. It
// exists for development and for exercising the full orchestration path in
// tests without any provider account.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

// Tag is the provider tag the adapter registers under.
const Tag = "local"

type slot struct {
	id        string
	resources types.ResourceProfile
	rateCents int64

	providerID string // empty when free
	harness    *worker.Harness
}

// Adapter serves offers from a fixed slot inventory and "boots" machines by
// spawning worker harnesses. Slots are the capacity model: one instance per
// slot, freed on terminate.
type Adapter struct {
	mu       sync.Mutex
	slots    []*slot
	behavior worker.Behavior
	logger   zerolog.Logger
}

// New builds the adapter from the provider's configured GPU slots.
func New(cfg config.ProviderConfig) *Adapter {
	a := &Adapter{logger: log.WithProvider(Tag)}
	for i, sc := range cfg.GPUSlots {
		a.slots = append(a.slots, &slot{
			id: fmt.Sprintf("slot-%d", i),
			resources: types.ResourceProfile{
				GPUModel: sc.GPUModel,
				GPUCount: sc.GPUCount,
				MemoryMB: sc.MemoryMB,
				DiskGB:   sc.DiskGB,
			},
			rateCents: sc.RateCents,
		})
	}
	return a
}

// SetWorkerBehavior scripts the behavior of subsequently spawned harnesses.
// Tests use this to reproduce worker failure modes end to end.
func (a *Adapter) SetWorkerBehavior(b worker.Behavior) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.behavior = b
}

// Tag implements providers.Adapter
func (a *Adapter) Tag() string { return Tag }

// ListOffers returns one offer per free slot able to run the profile.
func (a *Adapter) ListOffers(_ context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var offers []types.Offer
	for _, s := range a.slots {
		if s.providerID != "" || !s.resources.Satisfies(want) {
			continue
		}
		offers = append(offers, types.Offer{
			Provider:  Tag,
			OfferID:   s.id,
			Region:    "local",
			Resources: s.resources,
			RateCents: s.rateCents,
			Available: true,
		})
	}
	return offers, nil
}

// CreateInstance claims the offered slot (or any free slot that fits) and
// spawns its worker harness with the bootstrap token.
func (a *Adapter) CreateInstance(_ context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.freeSlotLocked(offer)
	if s == nil {
		return "", providers.AsRetryable(fmt.Errorf("no free slot for %s x%d", offer.Resources.GPUModel, offer.Resources.GPUCount))
	}

	h := worker.NewHarness(boot.Token, a.behavior)
	if err := h.Start(); err != nil {
		return "", providers.AsRetryable(fmt.Errorf("failed to start worker harness: %w", err))
	}

	s.providerID = "local-" + boot.InstanceID
	s.harness = h
	a.logger.Debug().Str("slot", s.id).Str("provider_id", s.providerID).Msg("Slot claimed")
	return s.providerID, nil
}

func (a *Adapter) freeSlotLocked(offer types.Offer) *slot {
	for _, s := range a.slots {
		if s.id == offer.OfferID && s.providerID == "" {
			return s
		}
	}
	// The named slot got taken; any free slot that fits will do.
	for _, s := range a.slots {
		if s.providerID == "" && s.resources.Satisfies(offer.Resources) {
			return s
		}
	}
	return nil
}

// ObserveInstance reports running as soon as the harness is up; local slots
// have no boot delay.
func (a *Adapter) ObserveInstance(_ context.Context, providerID string) (providers.Observation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slots {
		if s.providerID == providerID {
			return providers.Observation{State: providers.RemoteRunning, Address: s.harness.Addr()}, nil
		}
	}
	return providers.Observation{State: providers.RemoteGone}, nil
}

// TerminateInstance stops the harness and frees the slot. Unknown IDs are
// fine; the slot was already reclaimed.
func (a *Adapter) TerminateInstance(_ context.Context, providerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slots {
		if s.providerID == providerID {
			s.harness.Stop()
			s.harness = nil
			s.providerID = ""
			a.logger.Debug().Str("slot", s.id).Msg("Slot freed")
			return nil
		}
	}
	return nil
}

// ListAllInstances implements providers.Adapter
func (a *Adapter) ListAllInstances(_ context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for _, s := range a.slots {
		if s.providerID != "" {
			ids = append(ids, s.providerID)
		}
	}
	return ids, nil
}

// Health implements providers.Adapter; local capacity cannot be unhealthy.
func (a *Adapter) Health(_ context.Context) error { return nil }
