// Package middleware provides HTTP middleware for the competition API.
package middleware

import (
	"net/http"
	"strconv"
	"time"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, X-Participant-ID"
	corsMaxAge  = 10 * time.Minute
)

// CORS returns middleware that answers cross-origin requests from the
// frontend. Credentials (the participant cookie) are only allowed for
// explicitly listed origins, never for a "*" match.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if explicit[origin] || wildcard {
				h.Set("Access-Control-Allow-Origin", origin)
				if explicit[origin] {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			// Preflight.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if h.Get("Access-Control-Allow-Origin") != "" {
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Max-Age", strconv.Itoa(int(corsMaxAge.Seconds())))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
