/*
Package worker implements the worker side of the control protocol.

A worker serves one websocket endpoint, /control, guarded by the bootstrap
token its instance was born with. The dispatcher dials in and drives the
session with start, cancel, and ping frames; the worker answers with
progress, heartbeat, and a terminal completed or failed frame. All frames
are JSON text messages.

The Harness here is a simulated worker: it executes jobs by waiting out a
scripted duration while emitting the real protocol. The local provider runs
one harness per GPU slot, which makes a full orchestrator — scheduler,
dispatcher, cost ledger — exercisable in-process with no cloud account.
Behavior knobs reproduce the interesting worker pathologies: failure
classes, mid-run silence, cancel refusal.

Cloud worker images implement the same wire contract; this package is the
reference for what they must speak.
*/
package worker
