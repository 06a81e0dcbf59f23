// Package session implements ClientSession: the per-connection WebSocket
// state machine that turns a tenant's join/leave/broadcast/presence frames
// into ChannelHub subscriptions and dispatches outbound events back onto
// the wire.
package session

import "encoding/json"

// Frame is the wire shape for both inbound and outbound messages: a Phoenix-
// channel-style envelope carrying a topic, an event, an opaque payload, and
// an optional ref used to correlate a reply with the request that caused it.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Inbound event names a client may send.
const (
	EventPhxJoin         = "phx_join"
	EventPhxLeave        = "phx_leave"
	EventHeartbeat       = "heartbeat"
	EventAccessToken     = "access_token"
	EventBroadcast       = "broadcast"
	EventPresenceTrack   = "presence_track"
	EventPresenceUntrack = "presence_untrack"
)

// Outbound event names the server may send.
const (
	EventPhxReply        = "phx_reply"
	EventPhxError        = "phx_error"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
	EventPostgresChanges = "postgres_changes"
	EventSystem          = "system"
)

// ReplyStatus is the status field of a phx_reply payload.
type ReplyStatus string

const (
	StatusOK    ReplyStatus = "ok"
	StatusError ReplyStatus = "error"
)

// ReplyPayload is the payload shape of a phx_reply frame.
type ReplyPayload struct {
	Status   ReplyStatus `json:"status"`
	Response interface{} `json:"response,omitempty"`
}

// SystemPayload is the payload shape of a system lifecycle frame.
type SystemPayload struct {
	Status  string `json:"status"` // SUBSCRIBED, CHANNEL_ERROR, CLOSED
	Message string `json:"message,omitempty"`
}

// BroadcastConfig is config.broadcast of a phx_join frame.
type BroadcastConfig struct {
	Self bool `json:"self,omitempty"`
	Ack  bool `json:"ack,omitempty"`
}

// PresenceConfig is config.presence of a phx_join frame.
type PresenceConfig struct {
	Key string `json:"key,omitempty"`
}

// PostgresChangesConfig is one entry of config.postgres_changes, a single
// schema/table/event subscription with an optional column filter.
type PostgresChangesConfig struct {
	Event  string `json:"event,omitempty"`
	Schema string `json:"schema,omitempty"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// JoinConfig is the config object of a phx_join frame.
type JoinConfig struct {
	Broadcast       BroadcastConfig         `json:"broadcast,omitempty"`
	Presence        PresenceConfig          `json:"presence,omitempty"`
	Private         bool                    `json:"private,omitempty"`
	PostgresChanges []PostgresChangesConfig `json:"postgres_changes,omitempty"`
}

// JoinPayload is the payload shape of a phx_join frame.
type JoinPayload struct {
	AccessToken string     `json:"access_token,omitempty"`
	Config      JoinConfig `json:"config,omitempty"`
}

// AccessTokenPayload is the payload shape of an access_token frame.
type AccessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

// BroadcastPayload is the payload shape of an inbound broadcast frame.
type BroadcastPayload struct {
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

// PresenceTrackPayload is the payload shape of a presence_track frame.
type PresenceTrackPayload struct {
	Key  string                 `json:"key"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func okReply(ref, topic string, response interface{}) Frame {
	body, _ := json.Marshal(ReplyPayload{Status: StatusOK, Response: response})
	return Frame{Topic: topic, Event: EventPhxReply, Payload: body, Ref: ref}
}

func errorReply(ref, topic, reason string) Frame {
	body, _ := json.Marshal(ReplyPayload{Status: StatusError, Response: map[string]string{"reason": reason}})
	return Frame{Topic: topic, Event: EventPhxReply, Payload: body, Ref: ref}
}

func systemFrame(topic, status, message string) Frame {
	body, _ := json.Marshal(SystemPayload{Status: status, Message: message})
	return Frame{Topic: topic, Event: EventSystem, Payload: body}
}
