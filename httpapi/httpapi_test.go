package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ScorpiusDraconis83/realtime/channel"
	"github.com/ScorpiusDraconis83/realtime/cluster"
	"github.com/ScorpiusDraconis83/realtime/hlc"
	"github.com/ScorpiusDraconis83/realtime/id"
	"github.com/ScorpiusDraconis83/realtime/supervisor"
	"github.com/ScorpiusDraconis83/realtime/tenant"
)

func TestSubdomain(t *testing.T) {
	cases := map[string]string{
		"acme.realtime.example.com": "acme",
		"acme.localhost:4000":       "acme",
		"localhost:4000":            "",
		"localhost":                 "",
	}
	for host, want := range cases {
		if got := subdomain(host); got != want {
			t.Errorf("subdomain(%q) = %q, want %q", host, got, want)
		}
	}
}

func testSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	tn := &tenant.Tenant{
		ID:                   "tenant-a",
		ExternalID:           "acme",
		JWTSecret:            "secret",
		MaxJoinsPerSecond:    100,
		MaxEventsPerSecond:   100,
		MaxBytesPerSecond:    1 << 20,
		MaxChannelsPerClient: 100,
	}
	hub := channel.NewChannelHub(tn.ID, id.NewHLCGenerator(hlc.NewClock(1)), nil)
	sup := supervisor.NewSupervisor(tn, nil, hub)
	if err := sup.Start(false, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sup
}

func withSupervisor(r *http.Request, sup *supervisor.Supervisor) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tenantCtxKey, sup))
}

func TestHandleBroadcast_DispatchesEachMessage(t *testing.T) {
	sup := testSupervisor(t)
	s := &Server{limiter: channel.NewRateLimiter()}

	subscriber, cancel := sup.Hub().Subscribe("room:lobby", 0, 0, false)
	defer cancel()

	body, _ := json.Marshal(broadcastRequest{Messages: []broadcastMessage{
		{Topic: "room:lobby", Event: "chat", Payload: map[string]interface{}{"m": "hi"}},
	}})

	req := httptest.NewRequest(http.MethodPost, "/api/broadcast", bytes.NewReader(body))
	req = withSupervisor(req, sup)
	w := httptest.NewRecorder()

	s.handleBroadcast(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case msg := <-subscriber.C():
		if msg.Topic != "room:lobby" || msg.Event != "chat" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("expected broadcast to reach subscriber")
	}
}

func TestHandleBroadcast_RejectsMissingTopic(t *testing.T) {
	sup := testSupervisor(t)
	s := &Server{limiter: channel.NewRateLimiter()}

	body, _ := json.Marshal(broadcastRequest{Messages: []broadcastMessage{{Event: "chat"}}})
	req := httptest.NewRequest(http.MethodPost, "/api/broadcast", bytes.NewReader(body))
	req = withSupervisor(req, sup)
	w := httptest.NewRecorder()

	s.handleBroadcast(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleClusterMembers_ReportsRegistry(t *testing.T) {
	registry := cluster.NewRegistry(1, "node-1:4000")
	s := &Server{registry: registry, nodeID: 1}

	req := httptest.NewRequest(http.MethodGet, "/admin/cluster/members", nil)
	w := httptest.NewRecorder()

	s.handleClusterMembers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		LocalNodeID uint64                   `json:"local_node_id"`
		Members     []map[string]interface{} `json:"members"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.LocalNodeID != 1 || len(resp.Members) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleClusterMembers_NilRegistry(t *testing.T) {
	s := &Server{nodeID: 7}
	req := httptest.NewRequest(http.MethodGet, "/admin/cluster/members", nil)
	w := httptest.NewRecorder()

	s.handleClusterMembers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
