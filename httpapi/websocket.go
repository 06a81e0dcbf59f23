package httpapi

import (
	"net/http"

	"github.com/ScorpiusDraconis83/realtime/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers connect from the customer's own origin, not this server's;
	// per-tenant authorization happens at join time via AuthorizationStore,
	// not at the WebSocket handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and hands it to a new
// ClientSession once the connect-time JWT has been verified.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sup, ok := supervisorFromContext(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant not resolved")
		return
	}
	t := sup.Tenant()

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.URL.Query().Get("apikey")
	}

	claims, err := s.jwt.Verify(t.ID, t.JWTSecret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("httpapi: websocket upgrade failed")
		return
	}

	sess := session.New(conn, sup.Hub(), s.limiter, s.jwt, s.authz, t, sup.Pool(), claims)
	sess.Run(r.Context())
}
