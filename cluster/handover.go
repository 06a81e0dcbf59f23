package cluster

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const subjectHandoverPrefix = "realtime.cluster.handover."

// DefaultRebalanceGrace bounds how long the previous owner of a tenant
// keeps its CDC replication connection and local fan-in open after a ring
// change names a new owner, waiting for that owner's replicator_ready.
const DefaultRebalanceGrace = 10 * time.Second

// Handover coordinates tenant-ownership transfer: the node that just
// became a tenant's owner announces readiness on that tenant's handover
// subject; the node that just lost ownership subscribes to it so its
// drain loop can stop waiting as soon as the new owner is actually
// replicating instead of always sitting out the full grace period.
type Handover struct {
	nc   *nats.Conn
	subs map[string]*nats.Subscription
}

// NewHandover creates a handover coordinator bound to the cluster's NATS
// connection.
func NewHandover(nc *nats.Conn) *Handover {
	return &Handover{nc: nc, subs: make(map[string]*nats.Subscription)}
}

// AwaitReady subscribes to a tenant's handover subject and returns a
// channel that receives once when the new owner announces readiness, or
// is simply never sent to if grace elapses first — callers select against
// it with a timer of their own bound to rebalance_grace.
func (h *Handover) AwaitReady(tenantID string) (<-chan struct{}, func()) {
	ready := make(chan struct{}, 1)
	subject := subjectHandoverPrefix + tenantID

	sub, err := h.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.Error().Err(err).Str("tenant", tenantID).Msg("cluster: failed to subscribe to handover subject")
		close(ready)
		return ready, func() {}
	}

	cancel := func() { _ = sub.Unsubscribe() }
	return ready, cancel
}

// AnnounceReady publishes replicator_ready for a tenant once the new owner
// has its replication connection established and is dispatching locally.
func (h *Handover) AnnounceReady(tenantID string) {
	subject := subjectHandoverPrefix + tenantID
	if err := h.nc.Publish(subject, []byte("ready")); err != nil {
		log.Debug().Err(err).Str("tenant", tenantID).Msg("cluster: failed to announce replicator_ready")
	}
}
