package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/types"
)

// entry pairs an adapter with its breaker, call policy, and last probe result
type entry struct {
	adapter Adapter
	breaker *Breaker
	cfg     config.ProviderConfig

	mu      sync.Mutex
	healthy bool
	latency time.Duration
}

// Registry holds the registered provider adapters and funnels every call
// through the owning provider's breaker, timeout, and retry policy. Nothing
// else in Corral talks to an Adapter directly.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	offers  *OfferCache
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		offers:  NewOfferCache(DefaultOfferTTL),
		logger:  log.WithComponent("providers"),
	}
}

// Register adds an adapter under its tag, replacing any previous registration
func (r *Registry) Register(adapter Adapter, cfg config.ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[adapter.Tag()] = &entry{
		adapter: adapter,
		breaker: NewBreaker(adapter.Tag(), cfg.Breaker),
		cfg:     cfg,
		healthy: true,
	}
	r.logger.Info().Str("provider", adapter.Tag()).Bool("enabled", cfg.Enabled).Msg("Provider registered")
}

func (r *Registry) entry(tag string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[tag]
}

// Tags returns all registered provider tags, sorted
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Enabled returns the tags of providers that may receive work, sorted
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.entries))
	for tag, e := range r.entries {
		if e.cfg.Enabled {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Config returns the provider's configuration
func (r *Registry) Config(tag string) (config.ProviderConfig, bool) {
	e := r.entry(tag)
	if e == nil {
		return config.ProviderConfig{}, false
	}
	return e.cfg, true
}

// CircuitState returns the breaker state for a tag, or empty when the tag is
// not registered
func (r *Registry) CircuitState(tag string) string {
	e := r.entry(tag)
	if e == nil {
		return ""
	}
	return e.breaker.State()
}

// Do runs one provider operation under the provider's breaker, per-call
// timeout, and retry policy. Fatal errors stop the retry loop immediately;
// an open breaker rejects the call before the adapter is touched.
func (r *Registry) Do(ctx context.Context, tag, op string, fn func(ctx context.Context, adapter Adapter) error) error {
	e := r.entry(tag)
	if e == nil {
		return AsFatal(fmt.Errorf("provider %s not registered", tag))
	}
	if !e.breaker.Allow() {
		metrics.ProviderCalls.WithLabelValues(tag, op, "rejected").Inc()
		return AsRetryable(fmt.Errorf("provider %s: %w", tag, ErrCircuitOpen))
	}

	attempts := e.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	callTimeout := e.cfg.ReadTimeout.D()
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	maxDelay := e.cfg.RetryCeiling.D()
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	timer := metrics.NewTimer()
	var lastErr error
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()
			callErr := fn(callCtx, e.adapter)
			lastErr = callErr
			if Classify(callErr) == OutcomeFatal {
				return retry.Unrecoverable(callErr)
			}
			return callErr
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(1*time.Second),
		retry.MaxDelay(maxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	timer.ObserveDurationVec(metrics.ProviderCallDuration, tag, op)

	// retry-go's unrecoverable wrapper hides the classification, so judge
	// the raw adapter error
	if err != nil && lastErr != nil {
		err = lastErr
	}
	outcome := Classify(err)
	metrics.ProviderCalls.WithLabelValues(tag, op, outcome.String()).Inc()
	e.breaker.Record(err == nil)

	if err != nil {
		r.logger.Warn().Str("provider", tag).Str("op", op).Err(err).Msg("Provider call failed")
		return fmt.Errorf("provider %s %s: %w", tag, op, err)
	}
	return nil
}

// Offers lists machine shapes for the profile, served from cache when fresh.
// Offers that recently failed to launch are filtered out until their
// unavailability mark expires.
func (r *Registry) Offers(ctx context.Context, tag string, want types.ResourceProfile) ([]types.Offer, error) {
	if cached, ok := r.offers.Get(tag, want); ok {
		return r.filterUnavailable(cached), nil
	}

	var listed []types.Offer
	err := r.Do(ctx, tag, "list_offers", func(ctx context.Context, adapter Adapter) error {
		var listErr error
		listed, listErr = adapter.ListOffers(ctx, want)
		return listErr
	})
	if err != nil {
		return nil, err
	}
	r.offers.Put(tag, want, listed)
	return r.filterUnavailable(listed), nil
}

// MarkOfferUnavailable records a launch failure so the offer stops being
// proposed for a while
func (r *Registry) MarkOfferUnavailable(offer types.Offer) {
	r.offers.MarkUnavailable(offer)
}

func (r *Registry) filterUnavailable(offers []types.Offer) []types.Offer {
	usable := make([]types.Offer, 0, len(offers))
	for _, offer := range offers {
		if !r.offers.IsUnavailable(offer) {
			usable = append(usable, offer)
		}
	}
	return usable
}

// Probe runs the provider's health check outside the breaker and retry
// machinery, recording the result for snapshots. The breaker learns about
// recovery through its own half-open probes, not through these.
func (r *Registry) Probe(ctx context.Context, tag string) (time.Duration, error) {
	e := r.entry(tag)
	if e == nil {
		return 0, fmt.Errorf("provider %s not registered", tag)
	}

	timeout := e.cfg.ConnectTimeout.D()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := e.adapter.Health(probeCtx)
	latency := time.Since(start)

	e.mu.Lock()
	e.healthy = err == nil
	e.latency = latency
	e.mu.Unlock()

	return latency, err
}

// Snapshot reports every provider's control state. HeldInstances is left
// zero; callers with store access fill it in.
func (r *Registry) Snapshot() []types.ProviderSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]types.ProviderSnapshot, 0, len(r.entries))
	for tag, e := range r.entries {
		e.mu.Lock()
		snap := types.ProviderSnapshot{
			Tag:          tag,
			Enabled:      e.cfg.Enabled,
			CircuitState: e.breaker.State(),
			Healthy:      e.healthy,
			Latency:      e.latency,
			SoftQuota:    e.cfg.SoftQuota,
		}
		e.mu.Unlock()
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Tag < snaps[j].Tag })
	return snaps
}
