// Package health watches the things corral depends on but does not control.
//
// The prober runs each enabled provider's health check on a fixed cadence
// and keeps a streak-damped verdict per provider: several consecutive
// failures demote, a single success restores. The raw per-probe outcome is
// recorded on the provider registry for the control-plane snapshot; the
// damped verdict feeds the orchestrator's own health endpoint, where a
// flapping cloud API should read as degraded, not as a strobe light.
//
// The package also owns the heartbeat staleness rule the reaper applies to
// running workers: silence is measured from the most recent sign of life,
// which includes the start of the current assignment, so freshly reused
// instances get a full grace window.
package health
