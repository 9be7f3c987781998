/*
Package providers defines the provider abstraction and the machinery common
to every GPU capacity backend: circuit breakers, retry policy, offer caching,
and health probing.

An Adapter translates Corral's provisioning verbs (list offers, create,
observe, terminate) into one provider's API. The Registry owns all adapters
and funnels every call through the owning provider's breaker, per-call
timeout, and retry policy, so misbehaving providers are contained without
any caller having to think about it.

# Architecture

	┌────────────────── PROVIDER REGISTRY ─────────────────────┐
	│                                                            │
	│   caller ──► Do(tag, op, fn)                               │
	│                │                                           │
	│                ▼                                           │
	│   ┌─────────────────────┐   open? reject with             │
	│   │   Circuit Breaker   │──────► ErrCircuitOpen           │
	│   │  closed / open /    │                                  │
	│   │  half-open          │                                  │
	│   └─────────┬───────────┘                                  │
	│             ▼                                              │
	│   ┌─────────────────────┐   fatal? stop retrying          │
	│   │   retry.Do          │──────► classify, record         │
	│   │  per-call timeout   │                                  │
	│   └─────────┬───────────┘                                  │
	│             ▼                                              │
	│   ┌─────────────────────┐                                  │
	│   │      Adapter        │  runpod / vast / aws /           │
	│   │  (one per provider) │  gcp / azure / local             │
	│   └─────────────────────┘                                  │
	└────────────────────────────────────────────────────────────┘

# Failure Classification

Adapters mark their errors with AsRetryable or AsFatal. Unmarked errors
default to retryable, since unclassified failures are overwhelmingly network
trouble. The registry stops retrying on fatal errors, counts every completed
call into the breaker window, and surfaces the classification to callers via
Classify.

# Circuit Breakers

Each provider gets its own breaker over a rolling window of call results.
Once half the window has failed, the breaker opens and rejects calls for a
cooldown. After the cooldown a single probe is let through; success closes
the breaker, failure doubles the cooldown up to a cap. Stragglers that were
in flight when the breaker tripped are ignored.

# Offers

ListOffers results are cached for a few minutes per (provider, GPU model,
count). Offers that just failed to launch are marked unavailable for a
minute and filtered from listings, so the scheduler stops proposing shapes
the provider cannot currently deliver.

# Health

Probe runs an adapter's cheap health check outside the breaker and retry
machinery and records the result for provider snapshots. Probes never feed
the breaker: recovery detection belongs to the half-open probe, which is a
real call.
*/
package providers
