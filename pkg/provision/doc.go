/*
Package provision turns capacity decisions into machines.

One loop runs per enabled provider. Each loop owns the forward edge of the
instance state machine: requested rows get their create call, starting rows
are polled (with jitter) until the provider reports a running machine with a
reachable address, draining rows are terminated once their last assignment
finishes. running is passive here; the scheduler binds work to it and the
reaper decides when it drains.

Creation starts with RequestCapacity: offers are gathered from every enabled
provider whose breaker allows traffic and whose create budget has room, the
cost engine ranks them, and the first offer the soft quota admits becomes a
durable requested row. The row exists before any provider call is made, so a
crash never leaves an untracked machine, only a request a later pass will
retry or write off. The start deadline is the hard bound on the whole
requested-to-running journey; a row that exceeds it goes to error and
whatever the provider built is torn down.

Every instance gets one bootstrap token for its lifetime, minted here and
revoked at termination. Workers present it on the control channel.

The warm-up policy is optional and disabled by default: it watches queue
depth over a sliding window and keeps a bounded number of spares ahead of
demand. Nothing downstream depends on it.
*/
package provision
