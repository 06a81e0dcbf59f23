// Package httpapi wires the WebSocket upgrade endpoint, the
// POST /api/broadcast ingestion endpoint, and the operator-visible
// read-only surface (cluster membership, Prometheus metrics) behind a
// single chi router, in the teacher's admin/routes.go idiom.
package httpapi

import (
	"net/http"

	"github.com/ScorpiusDraconis83/realtime/auth"
	"github.com/ScorpiusDraconis83/realtime/channel"
	"github.com/ScorpiusDraconis83/realtime/cfg"
	"github.com/ScorpiusDraconis83/realtime/cluster"
	"github.com/ScorpiusDraconis83/realtime/supervisor"
	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds every dependency the HTTP surface needs to resolve a
// tenant and reach its ChannelHub.
type Server struct {
	tenants  *supervisor.Manager
	jwt      *auth.JWTVerifier
	authz    *auth.AuthorizationStore
	limiter  *channel.RateLimiter
	registry *cluster.Registry
	nodeID   uint64

	router chi.Router
}

// NewServer builds the chi router with every route registered.
func NewServer(tenants *supervisor.Manager, jwt *auth.JWTVerifier, authz *auth.AuthorizationStore, limiter *channel.RateLimiter, registry *cluster.Registry, nodeID uint64) *Server {
	s := &Server{
		tenants:  tenants,
		jwt:      jwt,
		authz:    authz,
		limiter:  limiter,
		registry: registry,
		nodeID:   nodeID,
	}
	s.routes()
	return s
}

// ServeHTTP makes Server itself an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/socket", func(r chi.Router) {
		r.Use(s.resolveTenant)
		r.Get("/websocket", s.handleWebSocket)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.resolveTenant)
		r.Post("/broadcast", s.handleBroadcast)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth)
		r.Get("/cluster/members", s.handleClusterMembers)
	})

	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// adminAuth gates the operator surface behind SECRET_KEY_BASE, presented
// as a bearer token, in the teacher's AuthMiddleware idiom. When the secret
// is empty the surface is left open.
func adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := cfg.Config.SecretKeyBase
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("Authorization")
		if provided != "Bearer "+secret {
			writeError(w, http.StatusUnauthorized, "missing or invalid admin credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}
