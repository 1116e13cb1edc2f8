package handlers

import "net/http"

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	// Ready reports whether the node has finished startup replay and is
	// ready to accept nexus operations. Nil means always ready.
	Ready func() bool
}

// NewHealthHandler constructs a HealthHandler. ready may be nil.
func NewHealthHandler(ready func() bool) *HealthHandler {
	return &HealthHandler{Ready: ready}
}

// Liveness answers GET /health: the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, map[string]string{"status": "ok"})
}

// Readiness answers GET /health/ready: the node has finished any startup
// replay and can serve nexus operations.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil && !h.Ready() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	WriteJSONOK(w, map[string]string{"status": "ready"})
}
