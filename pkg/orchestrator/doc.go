/*
Package orchestrator is the composition root: it builds every component from
one configuration snapshot and owns their start/stop order.

Construction wires the dependency chain leaves-first: store and event broker,
then the provider registry (one adapter per enabled provider), cost engine,
prober, provisioner, dispatcher, scheduler, reaper, and finally the HTTP API.
Start brings the loops up in that order; Stop reverses it, closing the API
first so intake stops before the loops drain.

Shutdown is deliberately gentle with external state: running instances are
never terminated on the way down. Their rows are durable, and the next
process adopts them from the store.
*/
package orchestrator
