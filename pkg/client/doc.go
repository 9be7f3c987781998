// Package client is the Go client for the orchestrator's HTTP API. The CLI
// verbs and the e2e tests are its consumers; it speaks the same JSON shapes
// the api package serves and surfaces the stable error codes as APIError
// values callers can branch on.
package client
