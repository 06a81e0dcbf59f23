package session

import (
	"encoding/json"
	"testing"
)

func TestOkReply_MarshalsStatusOK(t *testing.T) {
	f := okReply("ref-1", "room:lobby", map[string]string{"phx_ref": "abc"})
	if f.Event != EventPhxReply || f.Topic != "room:lobby" || f.Ref != "ref-1" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	var p ReplyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Status != StatusOK {
		t.Fatalf("expected status ok, got %s", p.Status)
	}
}

func TestErrorReply_CarriesReason(t *testing.T) {
	f := errorReply("ref-2", "room:lobby", "boom")

	var p ReplyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Status != StatusError {
		t.Fatalf("expected status error, got %s", p.Status)
	}

	resp, ok := p.Response.(map[string]interface{})
	if !ok || resp["reason"] != "boom" {
		t.Fatalf("expected reason boom, got %+v", p.Response)
	}
}

func TestSystemFrame_CarriesStatusAndMessage(t *testing.T) {
	f := systemFrame("room:lobby", "SUBSCRIBED", "")

	var p SystemPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Status != "SUBSCRIBED" {
		t.Fatalf("expected SUBSCRIBED, got %s", p.Status)
	}
	if f.Event != EventSystem {
		t.Fatalf("expected system event, got %s", f.Event)
	}
}

func TestFrame_RoundTripsThroughJSON(t *testing.T) {
	original := Frame{Topic: "room:lobby", Event: EventBroadcast, Ref: "42", Payload: json.RawMessage(`{"event":"ping","payload":{}}`)}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Topic != original.Topic || decoded.Event != original.Event || decoded.Ref != original.Ref {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, original)
	}
}
