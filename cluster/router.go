package cluster

import (
	"github.com/ScorpiusDraconis83/realtime/encoding"
	"github.com/ScorpiusDraconis83/realtime/id"
	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const subjectForwardPrefix = "realtime.cluster.forward."

// ForwardedMessage is a broadcast or presence event relayed from the node
// that owns a tenant's websocket connections to every other node that also
// holds connections for that tenant.
type ForwardedMessage struct {
	TenantID   string `msgpack:"tenant_id"`
	Topic      string `msgpack:"topic"`
	Event      string `msgpack:"event"`
	Payload    []byte `msgpack:"payload"`
	OriginNode uint64 `msgpack:"origin_node"`
	OriginSeq  uint64 `msgpack:"origin_seq"`
}

// Router resolves tenant ownership against the consistent-hash Ring and
// relays messages to every other live node over NATS, deduplicating
// deliveries that arrive more than once during a rebalance.
type Router struct {
	nodeID  uint64
	ring    *Ring
	gen     *id.HLCGenerator
	nc      *nats.Conn
	dedup   *Dedup
	handler func(ForwardedMessage)
	sub     *nats.Subscription
}

// NewRouter creates a router bound to the given membership's NATS
// connection and the cluster's consistent-hash ring.
func NewRouter(nodeID uint64, ring *Ring, gen *id.HLCGenerator, nc *nats.Conn) *Router {
	return &Router{
		nodeID: nodeID,
		ring:   ring,
		gen:    gen,
		nc:     nc,
		dedup:  NewDedup(),
	}
}

// OnForward registers the callback invoked for each forwarded message
// accepted as non-duplicate. Typically wired to the local ChannelHub's
// remote-dispatch path.
func (r *Router) OnForward(fn func(ForwardedMessage)) { r.handler = fn }

// Start subscribes to this node's forwarding subject.
func (r *Router) Start() error {
	subject := subjectForwardPrefix + nodeSubject(r.nodeID)
	sub, err := r.nc.Subscribe(subject, r.onMessage)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop unsubscribes from the forwarding subject.
func (r *Router) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

// Owner returns the node currently responsible for a tenant's CDC
// replication and cross-node fan-in.
func (r *Router) Owner(tenantID string) (uint64, error) {
	return r.ring.Owner(tenantID)
}

// Peers returns every node currently in the ring, including this one;
// Forward already skips the local node when sending.
func (r *Router) Peers() []uint64 {
	return r.ring.Nodes()
}

// IsLocalOwner reports whether this node owns the given tenant.
func (r *Router) IsLocalOwner(tenantID string) bool {
	owner, err := r.ring.Owner(tenantID)
	return err == nil && owner == r.nodeID
}

// Forward publishes a message to every other node's forwarding subject so
// that tenant subscribers connected elsewhere in the cluster receive it.
// Core NATS pub/sub has no per-subject node addressing, so every node
// subscribes to its own node-scoped subject and this publishes to all of
// them individually rather than broadcasting once and filtering locally.
func (r *Router) Forward(tenantID, topic, event string, payload []byte, peers []uint64) {
	msg := ForwardedMessage{
		TenantID:   tenantID,
		Topic:      topic,
		Event:      event,
		Payload:    payload,
		OriginNode: r.nodeID,
		OriginSeq:  r.gen.NextID(),
	}

	data, err := encoding.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("cluster: failed to marshal forwarded message")
		return
	}

	for _, peer := range peers {
		if peer == r.nodeID {
			continue
		}
		subject := subjectForwardPrefix + nodeSubject(peer)
		if err := r.nc.Publish(subject, data); err != nil {
			telemetry.ForwardedMessagesTotal.With("send_error").Inc()
			continue
		}
		telemetry.ForwardedMessagesTotal.With("sent").Inc()
	}
}

func (r *Router) onMessage(msg *nats.Msg) {
	var decoded ForwardedMessage
	if err := encoding.Unmarshal(msg.Data, &decoded); err != nil {
		log.Debug().Err(err).Msg("cluster: failed to decode forwarded message")
		return
	}

	if r.dedup.Seen(decoded.OriginNode, decoded.OriginSeq) {
		telemetry.ForwardedDuplicatesDropped.Inc()
		return
	}

	telemetry.ForwardedMessagesTotal.With("received").Inc()
	if r.handler != nil {
		r.handler(decoded)
	}
}

func nodeSubject(nodeID uint64) string {
	return uitoa(nodeID)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
