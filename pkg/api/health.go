package api

import (
	"net/http"

	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/providers"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	status := metrics.GetHealth()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// readyHandler gates on the critical components plus capacity: a process
// whose every provider circuit is open can accept jobs but never place
// them, so it reports not ready and the balancer keeps traffic away.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	status := metrics.GetReadiness()
	if status.Status == "ready" && !s.anyProviderUsable() {
		status.Status = "not_ready"
		status.Message = "all provider circuits are open"
	}
	code := http.StatusOK
	if status.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) anyProviderUsable() bool {
	for _, snap := range s.registry.Snapshot() {
		if snap.Enabled && snap.CircuitState != providers.BreakerOpen {
			return true
		}
	}
	return false
}
