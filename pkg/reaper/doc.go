// Package reaper enforces the timeouts and cleans up what crashed.
//
// The healthy path never needs it: the dispatcher resolves its own
// assignments, the provisioner tears down its own drained boxes, the
// scheduler releases its own claims. The reaper exists for the other
// paths. A periodic tick releases claim leases whose scheduler pass died,
// fails assignments that sat in assigned past the dispatch window with
// nobody driving them, condemns and terminates instances whose worker went
// silent mid-run, and drains boxes that have been idle past the grace
// period.
//
// Two slower sweeps run on the reconcile cadence. Provider reconciliation
// lists every machine each provider claims we hold and terminates the ones
// no live store row accounts for; a machine must be unaccounted on two
// consecutive sweeps before it is shot, which keeps an in-flight create
// from losing its instance, and each kill is logged as a compliance event.
// The archive sweep moves terminal jobs past the retention window out of
// the hot bucket.
//
// The budget brake closes the spend loop: owners whose realized cost has
// crossed their ceiling get their newest lowest-priority running job
// cancelled, one per tick, through the same cancel event the API uses.
//
// Every intervention is a CAS transition, so when the reaper races the
// component it backstops exactly one of them wins and the loser logs at
// debug.
package reaper
