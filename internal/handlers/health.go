package handlers

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

// ReadinessChecker reports whether the broker connection is usable
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// HealthHandler serves the liveness and readiness probes
type HealthHandler struct {
	checker ReadinessChecker
	status  func() interface{}
}

// NewHealthHandler creates a probe handler. status, when set, is echoed in
// the readiness body.
func NewHealthHandler(checker ReadinessChecker, status func() interface{}) *HealthHandler {
	return &HealthHandler{checker: checker, status: status}
}

// Liveness handles GET /healthz
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ts": time.Now().UTC()})
}

// Readiness handles GET /readyz
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if h.checker != nil {
		if err := h.checker.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unready", "error": err.Error()})
			return
		}
	}
	body := map[string]interface{}{"status": "ready", "ts": time.Now().UTC()}
	if h.status != nil {
		body["chime"] = h.status()
	}
	writeJSON(w, http.StatusOK, body)
}
