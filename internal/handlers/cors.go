package handlers

import (
	"net/http"
	"os"
	"strconv"
	"strings"
)

// CORSConfig controls the cross-origin headers of the control API
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig allows any origin without credentials
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}
}

// CORSConfigFromEnv overrides the defaults with CHIMENET_CORS_* variables
func CORSConfigFromEnv() CORSConfig {
	cfg := DefaultCORSConfig()
	if b, err := strconv.ParseBool(os.Getenv("CHIMENET_CORS_ENABLED")); err == nil {
		cfg.Enabled = b
	}
	if v := os.Getenv("CHIMENET_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("CHIMENET_CORS_ALLOWED_METHODS"); v != "" {
		cfg.AllowedMethods = splitList(v)
	}
	if v := os.Getenv("CHIMENET_CORS_ALLOWED_HEADERS"); v != "" {
		cfg.AllowedHeaders = splitList(v)
	}
	if b, err := strconv.ParseBool(os.Getenv("CHIMENET_CORS_ALLOW_CREDENTIALS")); err == nil {
		cfg.AllowCredentials = b
	}
	if n, err := strconv.Atoi(os.Getenv("CHIMENET_CORS_MAX_AGE")); err == nil {
		cfg.MaxAge = n
	}
	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewCORS returns middleware that answers preflights and tags allowed origins.
// Requests from other origins get 403.
func NewCORS(cfg CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	wildcard := len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*"
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			var allowOrigin string
			switch {
			case wildcard && !cfg.AllowCredentials:
				allowOrigin = "*"
			case allowed[origin]:
				allowOrigin = origin
			default:
				w.WriteHeader(http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
