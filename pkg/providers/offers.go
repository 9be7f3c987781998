package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/aima-platform/corral/pkg/types"
)

const (
	// DefaultOfferTTL keeps offer listings fresh enough for pricing while
	// sparing the provider APIs a call on every scheduling tick
	DefaultOfferTTL = 3 * time.Minute

	// UnavailableTTL is how long a shape that just failed to launch stays
	// off the menu
	UnavailableTTL = time.Minute
)

// OfferCache memoizes ListOffers results per provider and profile, and
// remembers offers that recently failed to launch so the scheduler stops
// asking for them for a while.
type OfferCache struct {
	offers      *cache.Cache
	unavailable *cache.Cache
}

// NewOfferCache creates an offer cache with the given listing TTL;
// ttl <= 0 uses DefaultOfferTTL
func NewOfferCache(ttl time.Duration) *OfferCache {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	return &OfferCache{
		offers:      cache.New(ttl, 2*ttl),
		unavailable: cache.New(UnavailableTTL, 2*UnavailableTTL),
	}
}

func offerKey(provider string, want types.ResourceProfile) string {
	return fmt.Sprintf("%s/%s/%d", provider, want.GPUModel, want.GPUCount)
}

func unavailableKey(offer types.Offer) string {
	return fmt.Sprintf("%s/%s/%s", offer.Provider, offer.Region, offer.OfferID)
}

// Get returns the cached listing for the profile, if still fresh
func (c *OfferCache) Get(provider string, want types.ResourceProfile) ([]types.Offer, bool) {
	v, ok := c.offers.Get(offerKey(provider, want))
	if !ok {
		return nil, false
	}
	return v.([]types.Offer), true
}

// Put stores an offer listing
func (c *OfferCache) Put(provider string, want types.ResourceProfile, offers []types.Offer) {
	c.offers.SetDefault(offerKey(provider, want), offers)
}

// MarkUnavailable records that the offer failed to launch
func (c *OfferCache) MarkUnavailable(offer types.Offer) {
	c.unavailable.SetDefault(unavailableKey(offer), struct{}{})
}

// IsUnavailable reports whether the offer recently failed to launch
func (c *OfferCache) IsUnavailable(offer types.Offer) bool {
	_, found := c.unavailable.Get(unavailableKey(offer))
	return found
}

// Invalidate drops every cached listing for the provider
func (c *OfferCache) Invalidate(provider string) {
	for key := range c.offers.Items() {
		if strings.HasPrefix(key, provider+"/") {
			c.offers.Delete(key)
		}
	}
}
