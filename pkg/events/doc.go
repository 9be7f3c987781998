/*
Package events provides the in-process event bus the orchestrator's
components use to wake each other.

The bus is lossy by design. Events are notifications, never state: the
broker buffers a bounded number of them, drops on saturation, and drops per
subscriber when a subscriber's channel is full. That is safe because every
consumer treats an event as "something changed, go look" and re-reads the
authoritative rows from the job store on wake; periodic ticks backstop any
drop. Coalescing duplicate wake-ups is therefore free.

# Event flow

	submit ──▶ job.submitted ──────────────▶ scheduler wakes
	store CAS ─▶ job/instance/assignment    ▶ interested loops wake
	            .transitioned
	provision ─▶ instance.ready ───────────▶ scheduler + dispatcher wake
	provision ─▶ instance.failed ──────────▶ scheduler re-plans capacity
	dispatch ──▶ instance.idle ────────────▶ scheduler wakes, reaper arms
	                                          the idle-grace clock
	dispatch ──▶ job.progress ─────────────▶ API consumers
	api ───────▶ job.cancel_requested ─────▶ owning dispatcher acts
	reaper ────▶ compliance.orphan_terminated ▶ audit log

Metadata carries row identifiers only (job_id, instance_id, provider, ...);
payloads live in the store.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		switch event.Type {
		case events.EventInstanceReady:
			// re-read the instance row and act
		}
	}
*/
package events
