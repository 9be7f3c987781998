// Package api exposes the HTTP/JSON control surface for the orchestrator.
//
// The surface is small and owner-scoped: submit, inspect, list, and cancel
// jobs; read-only inventory of instances, providers, and the per-instance
// cost ledger; and the health, readiness, and metrics endpoints the
// platform probes.
//
// Authentication is a bearer token minted by the platform auth service and
// verified locally against its RS256 public key; the token subject is the
// owner principal and every job operation is checked against it. When auth
// is disabled for development, the owner comes from the X-Corral-Owner
// header instead. Each token gets its own token-bucket rate limiter, and
// job submission additionally stops at the queue watermark so a stalled
// scheduler cannot grow the backlog without bound.
//
// Errors use one envelope everywhere:
//
//	{"error": {"code": "quota_exceeded", "message": "..."}}
//
// The code field is stable and safe to branch on; messages are for humans
// and may change.
package api
