package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"chimenet/internal/metrics"
)

// RouterConfig wires the control API
type RouterConfig struct {
	Chime  *ChimeHandler
	Health *HealthHandler
	// Auth guards /api/v1 when set; probes and /metrics stay open
	Auth func(http.Handler) http.Handler
	CORS CORSConfig
}

// NewRouter builds the HTTP handler of the control API
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	if cfg.Health != nil {
		r.Handle("/healthz", metrics.Middleware("/healthz", http.HandlerFunc(cfg.Health.Liveness))).Methods(http.MethodGet)
		r.Handle("/readyz", metrics.Middleware("/readyz", http.HandlerFunc(cfg.Health.Readiness))).Methods(http.MethodGet)
	}
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if cfg.Chime != nil {
		api := r.PathPrefix("/api/v1").Subrouter()
		if cfg.Auth != nil {
			api.Use(mux.MiddlewareFunc(cfg.Auth))
		}
		h := cfg.Chime
		routes := []struct {
			method, path string
			fn           http.HandlerFunc
		}{
			{http.MethodGet, "/status", h.GetStatus},
			{http.MethodPut, "/mode", h.SetMode},
			{http.MethodGet, "/states", h.ListStates},
			{http.MethodPut, "/states/{name}", h.PutState},
			{http.MethodDelete, "/states/{name}", h.DeleteState},
			{http.MethodGet, "/conditions", h.ListConditions},
			{http.MethodPut, "/conditions/{key}", h.SetCondition},
			{http.MethodGet, "/pending", h.ListPending},
			{http.MethodPost, "/respond", h.Respond},
			{http.MethodPost, "/ring", h.Ring},
			{http.MethodGet, "/peers", h.ListPeers},
		}
		for _, rt := range routes {
			api.Handle(rt.path, metrics.Middleware("/api/v1"+rt.path, rt.fn)).Methods(rt.method)
		}
	}

	return NewCORS(cfg.CORS)(r)
}
