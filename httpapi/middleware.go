package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ScorpiusDraconis83/realtime/supervisor"
	"github.com/rs/zerolog/log"
)

type ctxKey int

const tenantCtxKey ctxKey = iota

// resolveTenant resolves the request to a tenant via the apikey header
// when present, falling back to the Host header's subdomain, per
// spec.md's "tenant selection" rule, and stores the result in context for
// downstream handlers.
func (s *Server) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		externalID := r.Header.Get("apikey")
		if externalID == "" {
			externalID = subdomain(r.Host)
		}
		if externalID == "" {
			writeError(w, http.StatusBadRequest, "unable to resolve tenant from request")
			return
		}

		sup, err := s.tenants.Get(r.Context(), externalID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), tenantCtxKey, sup)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func supervisorFromContext(r *http.Request) (*supervisor.Supervisor, bool) {
	sup, ok := r.Context().Value(tenantCtxKey).(*supervisor.Supervisor)
	return sup, ok
}

func subdomain(host string) string {
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("httpapi: request")
	})
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
