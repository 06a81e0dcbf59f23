package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ScorpiusDraconis83/realtime/auth"
	"github.com/ScorpiusDraconis83/realtime/channel"
	"github.com/ScorpiusDraconis83/realtime/tenant"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// State is the ClientSession lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close codes, sent as the reason in the WebSocket close frame.
const (
	CloseHeartbeatTimeout = 4000
	CloseTokenExpired     = 4001
	CloseSlowConsumer     = 4002
	CloseRateLimited      = 4003
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	writeTimeout             = 10 * time.Second
	outboundQueueLen         = 256
)

// subscription tracks one joined topic: the ChannelHub subscriber, its
// fan-in goroutine's cancel, and whether it required authorization.
type subscription struct {
	topic   string
	private bool
	sub     *channel.Subscriber
	cancel  func()
	stop    chan struct{}
}

// ClientSession is one connection's read-pump/write-pump state machine,
// generalizing the teacher's hub.Client pattern (buffered send channel,
// context-cancelled goroutine pair, non-blocking enqueue with forced close
// on overflow) from a single address-routed channel to many joined topics.
type ClientSession struct {
	ID     string
	ws     *websocket.Conn
	hub    *channel.ChannelHub
	limit  *channel.RateLimiter
	jwt    *auth.JWTVerifier
	authz  *auth.AuthorizationStore
	tenant *tenant.Tenant
	pool   *pgxpool.Pool

	state atomic.Int32

	claimsMu sync.RWMutex
	claims   auth.Claims

	subsMu sync.Mutex
	subs   map[string]*subscription

	send      chan Frame
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	heartbeatInterval time.Duration
	lastHeartbeat     atomic.Int64 // unix nanos
}

// New creates a session bound to an already-upgraded WebSocket connection
// and an already-verified initial claims set (from the connect-time JWT).
func New(ws *websocket.Conn, hub *channel.ChannelHub, limit *channel.RateLimiter, jwt *auth.JWTVerifier, authz *auth.AuthorizationStore, t *tenant.Tenant, pool *pgxpool.Pool, claims auth.Claims) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ClientSession{
		ID:                randomID(),
		ws:                ws,
		hub:               hub,
		limit:             limit,
		jwt:               jwt,
		authz:             authz,
		tenant:            t,
		pool:              pool,
		claims:            claims,
		subs:              make(map[string]*subscription),
		send:              make(chan Frame, outboundQueueLen),
		ctx:               ctx,
		cancel:            cancel,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	s.state.Store(int32(StateAuthenticated))
	s.lastHeartbeat.Store(time.Now().UnixNano())
	return s
}

func randomID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// State returns the current lifecycle state.
func (s *ClientSession) State() State { return State(s.state.Load()) }

// Run drives the session until the connection closes or ctx is cancelled,
// running the read pump inline and the write pump and heartbeat monitor in
// background goroutines, mirroring the teacher's Client.Run/Handle split.
func (s *ClientSession) Run(ctx context.Context) {
	go s.writePump()
	go s.heartbeatMonitor()

	go func() {
		select {
		case <-ctx.Done():
			s.Close(websocket.CloseNormalClosure)
		case <-s.ctx.Done():
		}
	}()

	s.readPump()
	s.Close(websocket.CloseNormalClosure)
}

func (s *ClientSession) readPump() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug().Err(err).Str("session", s.ID).Msg("session: malformed frame")
			continue
		}

		s.handleFrame(f)

		if s.State() == StateClosed {
			return
		}
	}
}

func (s *ClientSession) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			if err := s.writeFrame(frame); err != nil {
				return
			}
		}
	}
}

func (s *ClientSession) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// enqueue attempts a non-blocking send to the outbound queue; callers that
// can't keep up are disconnected exactly like a slow ChannelHub subscriber.
func (s *ClientSession) enqueue(f Frame) {
	select {
	case s.send <- f:
	default:
		log.Warn().Str("session", s.ID).Msg("session: outbound queue full, disconnecting")
		s.Close(CloseSlowConsumer)
	}
}

func (s *ClientSession) handleFrame(f Frame) {
	switch f.Event {
	case EventPhxJoin:
		s.handleJoin(f)
	case EventPhxLeave:
		s.handleLeave(f)
	case EventHeartbeat:
		s.handleHeartbeat(f)
	case EventAccessToken:
		s.handleAccessToken(f)
	case EventBroadcast:
		s.handleBroadcast(f)
	case EventPresenceTrack:
		s.handlePresenceTrack(f)
	case EventPresenceUntrack:
		s.handlePresenceUntrack(f)
	default:
		s.enqueue(errorReply(f.Ref, f.Topic, fmt.Sprintf("unknown event %q", f.Event)))
	}
}

func (s *ClientSession) handleHeartbeat(f Frame) {
	s.lastHeartbeat.Store(time.Now().UnixNano())
	s.enqueue(okReply(f.Ref, f.Topic, nil))
}

// handleAccessToken rotates the session's claims in place. In-flight
// subscriptions are not immediately re-verified; a private subscription
// re-authorizes on its next broadcast, which gets an error reply if that
// fails, and the subscription itself stays joined.
func (s *ClientSession) handleAccessToken(f Frame) {
	var payload AccessTokenPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.enqueue(errorReply(f.Ref, f.Topic, "invalid access_token payload"))
		return
	}

	claims, err := s.jwt.Verify(s.tenant.ID, s.tenant.JWTSecret, payload.AccessToken)
	if err != nil {
		s.enqueue(errorReply(f.Ref, f.Topic, "invalid access token"))
		return
	}

	s.claimsMu.Lock()
	s.claims = claims
	s.claimsMu.Unlock()

	s.enqueue(okReply(f.Ref, f.Topic, nil))
}

func (s *ClientSession) currentClaims() auth.Claims {
	s.claimsMu.RLock()
	defer s.claimsMu.RUnlock()
	return s.claims
}

func (s *ClientSession) handleJoin(f Frame) {
	var payload JoinPayload
	_ = json.Unmarshal(f.Payload, &payload)

	s.subsMu.Lock()
	if _, exists := s.subs[f.Topic]; exists {
		s.subsMu.Unlock()
		s.enqueue(okReply(f.Ref, f.Topic, nil))
		return
	}
	s.subsMu.Unlock()

	if payload.Config.Private {
		allowed, err := s.authz.CanRead(s.ctx, s.pool, s.tenant.ID, f.Topic, s.currentClaims())
		if err != nil || !allowed {
			s.enqueue(errorReply(f.Ref, f.Topic, fmt.Sprintf("You do not have permissions to read from this Channel topic: %s", f.Topic)))
			return
		}
	}

	if !s.allowRate(channel.ResourceJoins, 1) {
		s.enqueue(errorReply(f.Ref, f.Topic, "rate limited"))
		return
	}

	cdcFilters, err := parsePostgresChangeFilters(payload.Config.PostgresChanges)
	if err != nil {
		s.enqueue(errorReply(f.Ref, f.Topic, err.Error()))
		return
	}

	chSub, cancel := s.hub.Subscribe(f.Topic, channel.DefaultOutboundQueueLen, channel.DefaultOutboundQueueBytes, payload.Config.Broadcast.Self, cdcFilters...)
	stop := make(chan struct{})
	sub := &subscription{topic: f.Topic, private: payload.Config.Private, sub: chSub, cancel: cancel, stop: stop}

	s.subsMu.Lock()
	s.subs[f.Topic] = sub
	s.subsMu.Unlock()

	s.state.Store(int32(StateJoined))
	go s.fanIn(sub)

	state := s.hub.PresenceState(f.Topic)
	body, _ := json.Marshal(state)
	s.enqueue(Frame{Topic: f.Topic, Event: EventPresenceState, Payload: body})
	s.enqueue(okReply(f.Ref, f.Topic, nil))
	s.enqueue(systemFrame(f.Topic, "SUBSCRIBED", ""))
}

// parsePostgresChangeFilters builds one channel.PostgresChangeFilter per
// config.postgres_changes entry in a phx_join payload.
func parsePostgresChangeFilters(cfgs []PostgresChangesConfig) ([]channel.PostgresChangeFilter, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	filters := make([]channel.PostgresChangeFilter, 0, len(cfgs))
	for _, c := range cfgs {
		f, err := channel.NewPostgresChangeFilter(c.Event, c.Schema, c.Table, c.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid postgres_changes filter: %w", err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// fanIn relays messages from a joined topic's ChannelHub subscriber onto
// this session's single outbound queue, so writePump remains the only
// goroutine that ever calls WriteMessage.
func (s *ClientSession) fanIn(sub *subscription) {
	for {
		select {
		case <-sub.stop:
			return
		case msg, ok := <-sub.sub.C():
			if !ok {
				return
			}
			sub.sub.Ack(msg)
			s.enqueue(Frame{Topic: msg.Topic, Event: msg.Event, Payload: msg.Payload})
		}
	}
}

func (s *ClientSession) handleLeave(f Frame) {
	s.subsMu.Lock()
	sub, ok := s.subs[f.Topic]
	if ok {
		delete(s.subs, f.Topic)
	}
	s.subsMu.Unlock()

	if !ok {
		s.enqueue(okReply(f.Ref, f.Topic, nil))
		return
	}

	close(sub.stop)
	sub.cancel()
	s.enqueue(okReply(f.Ref, f.Topic, nil))
}

func (s *ClientSession) handleBroadcast(f Frame) {
	var payload BroadcastPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.enqueue(errorReply(f.Ref, f.Topic, "invalid broadcast payload"))
		return
	}

	s.subsMu.Lock()
	sub, joined := s.subs[f.Topic]
	s.subsMu.Unlock()

	if joined && sub.private {
		allowed, err := s.authz.CanWrite(s.ctx, s.pool, s.tenant.ID, f.Topic, s.currentClaims())
		if err != nil || !allowed {
			s.enqueue(errorReply(f.Ref, f.Topic, fmt.Sprintf("You do not have permissions to write to this Channel topic: %s", f.Topic)))
			return
		}
	}

	if !s.allowRate(channel.ResourceEvents, 1) {
		s.enqueue(errorReply(f.Ref, f.Topic, "rate limited"))
		return
	}

	body, err := json.Marshal(payload.Payload)
	if err != nil {
		s.enqueue(errorReply(f.Ref, f.Topic, "invalid broadcast payload"))
		return
	}

	if !s.allowRate(channel.ResourceBytesIn, float64(len(body))) {
		s.enqueue(errorReply(f.Ref, f.Topic, "rate limited"))
		return
	}

	var originID uint64
	if joined {
		originID = sub.sub.ID
	}
	s.hub.BroadcastFrom(f.Topic, payload.Event, body, originID)
	s.enqueue(okReply(f.Ref, f.Topic, nil))
}

// allowRate draws from the tenant's resource bucket. A tenant that tips
// into a persistent-overage cooldown as a result of this draw is
// force-closed rather than left to keep retrying against a closed gate.
func (s *ClientSession) allowRate(resource channel.Resource, amount float64) bool {
	if s.limit.Allow(s.tenant, resource, amount) {
		return true
	}
	if s.limit.InCooldown(s.tenant) {
		s.Close(CloseRateLimited)
	}
	return false
}

func (s *ClientSession) handlePresenceTrack(f Frame) {
	var payload PresenceTrackPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.enqueue(errorReply(f.Ref, f.Topic, "invalid presence_track payload"))
		return
	}

	ref := randomID()
	diff := s.hub.Track(f.Topic, channel.PresenceEntry{Key: payload.Key, Ref: ref, Meta: payload.Meta})
	s.broadcastPresenceDiff(f.Topic, diff)
	s.enqueue(okReply(f.Ref, f.Topic, map[string]string{"phx_ref": ref}))
}

func (s *ClientSession) handlePresenceUntrack(f Frame) {
	var payload struct {
		Ref string `json:"phx_ref"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.enqueue(errorReply(f.Ref, f.Topic, "invalid presence_untrack payload"))
		return
	}

	diff := s.hub.Untrack(f.Topic, payload.Ref)
	s.broadcastPresenceDiff(f.Topic, diff)
	s.enqueue(okReply(f.Ref, f.Topic, nil))
}

func (s *ClientSession) broadcastPresenceDiff(topic string, diff channel.PresenceDiff) {
	if len(diff.Joins) == 0 && len(diff.Leaves) == 0 {
		return
	}
	body, _ := json.Marshal(diff)
	s.hub.Broadcast(topic, EventPresenceDiff, body)
}

// heartbeatMonitor closes the connection if no heartbeat has been seen for
// 2x the configured interval, matching spec's HEARTBEAT_TIMEOUT close code.
func (s *ClientSession) heartbeatMonitor() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	timeout := 2 * s.heartbeatInterval
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastHeartbeat.Load())
			if time.Since(last) > timeout {
				s.Close(CloseHeartbeatTimeout)
				return
			}
		}
	}
}

// Close tears down every joined subscription and the WebSocket connection
// exactly once, regardless of which goroutine triggers it.
func (s *ClientSession) Close(code int) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		s.subsMu.Lock()
		for _, sub := range s.subs {
			close(sub.stop)
			sub.cancel()
		}
		s.subs = nil
		s.subsMu.Unlock()

		msg := websocket.FormatCloseMessage(code, "")
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = s.ws.Close()

		s.cancel()
		s.state.Store(int32(StateClosed))
	})
}
