package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ScorpiusDraconis83/realtime/auth"
	"github.com/ScorpiusDraconis83/realtime/channel"
	"github.com/ScorpiusDraconis83/realtime/hlc"
	"github.com/ScorpiusDraconis83/realtime/id"
	"github.com/ScorpiusDraconis83/realtime/tenant"
	"github.com/gorilla/websocket"
)

// wsPair spins up a real WebSocket connection over an httptest server so
// ClientSession can be exercised against an actual *websocket.Conn without
// a live network socket outside of loopback.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { _ = serverConn.Close() })
	return serverConn, clientConn
}

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:                   "tenant-a",
		JWTSecret:            "secret",
		MaxJoinsPerSecond:    100,
		MaxEventsPerSecond:   100,
		MaxBytesPerSecond:    1 << 20,
		MaxChannelsPerClient: 100,
	}
}

func newTestSession(t *testing.T) *ClientSession {
	t.Helper()
	serverConn, _ := wsPair(t)
	hub := channel.NewChannelHub("tenant-a", id.NewHLCGenerator(hlc.NewClock(1)), nil)
	limiter := channel.NewRateLimiter()
	jwtv := auth.NewJWTVerifier(nil)
	authz := auth.NewAuthorizationStore()
	return New(serverConn, hub, limiter, jwtv, authz, testTenant(), nil, auth.Claims{Role: "authenticated", Subject: "user-1"})
}

func drainOne(t *testing.T, s *ClientSession) Frame {
	t.Helper()
	select {
	case f := <-s.send:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return Frame{}
	}
}

func TestClientSession_JoinPublicTopic(t *testing.T) {
	s := newTestSession(t)

	s.handleJoin(Frame{Topic: "room:lobby", Event: EventPhxJoin, Ref: "1", Payload: json.RawMessage(`{}`)})

	state := drainOne(t, s)
	if state.Event != EventPresenceState {
		t.Fatalf("expected presence_state first, got %s", state.Event)
	}
	reply := drainOne(t, s)
	if reply.Event != EventPhxReply {
		t.Fatalf("expected phx_reply, got %s", reply.Event)
	}
	sys := drainOne(t, s)
	if sys.Event != EventSystem {
		t.Fatalf("expected system frame, got %s", sys.Event)
	}

	if s.State() != StateJoined {
		t.Fatalf("expected joined state, got %s", s.State())
	}
}

func TestClientSession_JoinThenLeaveRemovesSubscription(t *testing.T) {
	s := newTestSession(t)
	s.handleJoin(Frame{Topic: "room:lobby", Event: EventPhxJoin, Ref: "1", Payload: json.RawMessage(`{}`)})
	drainOne(t, s)
	drainOne(t, s)
	drainOne(t, s)

	s.handleLeave(Frame{Topic: "room:lobby", Event: EventPhxLeave, Ref: "2"})
	reply := drainOne(t, s)
	if reply.Event != EventPhxReply {
		t.Fatalf("expected phx_reply for leave, got %s", reply.Event)
	}

	s.subsMu.Lock()
	_, exists := s.subs["room:lobby"]
	s.subsMu.Unlock()
	if exists {
		t.Fatal("expected subscription to be removed after leave")
	}
}

func TestClientSession_BroadcastFansBackToSelfWhenConfigured(t *testing.T) {
	s := newTestSession(t)
	s.handleJoin(Frame{Topic: "room:lobby", Event: EventPhxJoin, Ref: "1", Payload: json.RawMessage(`{"config":{"broadcast":{"self":true}}}`)})
	drainOne(t, s) // presence_state
	drainOne(t, s) // phx_reply
	drainOne(t, s) // system

	payload, _ := json.Marshal(BroadcastPayload{Event: "cursor_move", Payload: map[string]interface{}{"x": 1.0}})
	s.handleBroadcast(Frame{Topic: "room:lobby", Event: EventBroadcast, Ref: "3", Payload: payload})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := drainOne(t, s)
		seen[f.Event] = true
	}
	if !seen[EventPhxReply] {
		t.Fatalf("expected a phx_reply among frames, got %v", seen)
	}
	if !seen[EventBroadcast] {
		t.Fatalf("expected the broadcast relayed back to self, got %v", seen)
	}
}

func TestClientSession_BroadcastDoesNotFanBackToSelfByDefault(t *testing.T) {
	s := newTestSession(t)
	s.handleJoin(Frame{Topic: "room:lobby", Event: EventPhxJoin, Ref: "1", Payload: json.RawMessage(`{}`)})
	drainOne(t, s) // presence_state
	drainOne(t, s) // phx_reply
	drainOne(t, s) // system

	payload, _ := json.Marshal(BroadcastPayload{Event: "cursor_move", Payload: map[string]interface{}{"x": 1.0}})
	s.handleBroadcast(Frame{Topic: "room:lobby", Event: EventBroadcast, Ref: "3", Payload: payload})

	reply := drainOne(t, s)
	if reply.Event != EventPhxReply {
		t.Fatalf("expected phx_reply, got %s", reply.Event)
	}

	select {
	case f := <-s.send:
		t.Fatalf("expected no broadcast relayed back to self, got %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientSession_HeartbeatUpdatesLastSeen(t *testing.T) {
	s := newTestSession(t)
	before := s.lastHeartbeat.Load()

	time.Sleep(time.Millisecond)
	s.handleHeartbeat(Frame{Ref: "hb-1"})

	reply := drainOne(t, s)
	if reply.Event != EventPhxReply {
		t.Fatalf("expected phx_reply for heartbeat, got %s", reply.Event)
	}
	if s.lastHeartbeat.Load() <= before {
		t.Fatal("expected lastHeartbeat to advance")
	}
}

func TestClientSession_AccessTokenRejectsBadToken(t *testing.T) {
	s := newTestSession(t)
	payload, _ := json.Marshal(AccessTokenPayload{AccessToken: "not-a-jwt"})

	s.handleAccessToken(Frame{Event: EventAccessToken, Ref: "4", Payload: payload})

	reply := drainOne(t, s)
	var rp ReplyPayload
	if err := json.Unmarshal(reply.Payload, &rp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rp.Status != StatusError {
		t.Fatalf("expected error status for bad token, got %s", rp.Status)
	}
}

func TestClientSession_CloseIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	s.Close(websocket.CloseNormalClosure)
	s.Close(websocket.CloseNormalClosure)

	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}
