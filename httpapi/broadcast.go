package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ScorpiusDraconis83/realtime/auth"
	"github.com/ScorpiusDraconis83/realtime/channel"
)

// httpPublisherClaims are the claims applied when checking can_write for
// messages sent through the HTTP ingestion API, the service-role-keyed
// publisher path rather than a JWT-authenticated WebSocket client.
var httpPublisherClaims = auth.Claims{Role: "service_role"}

// broadcastRequest is the body of POST /api/broadcast.
type broadcastRequest struct {
	Messages []broadcastMessage `json:"messages"`
}

type broadcastMessage struct {
	Topic   string                 `json:"topic"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
	Private bool                   `json:"private"`
}

// handleBroadcast enqueues each message into the tenant's ChannelHub as if
// an anonymous publisher had sent it, per spec.md's HTTP ingestion rule.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	sup, ok := supervisorFromContext(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "tenant not resolved")
		return
	}
	t := sup.Tenant()

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.limiter.Allow(t, channel.ResourceEvents, float64(len(req.Messages))) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	for _, m := range req.Messages {
		if m.Topic == "" || m.Event == "" {
			writeError(w, http.StatusBadRequest, "messages require topic and event")
			return
		}

		if m.Private {
			allowed, err := s.authz.CanWrite(r.Context(), sup.Pool(), t.ID, m.Topic, httpPublisherClaims)
			if err != nil || !allowed {
				writeError(w, http.StatusForbidden, fmt.Sprintf("You do not have permissions to write to this Channel topic: %s", m.Topic))
				return
			}
		}

		body, err := json.Marshal(m.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if !s.limiter.Allow(t, channel.ResourceBytesIn, float64(len(body))) {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}

		sup.Hub().Broadcast(m.Topic, m.Event, body)
	}

	writeJSON(w, http.StatusOK, map[string]int{"messages": len(req.Messages)})
}
