package cluster

import (
	"context"
	"time"

	"github.com/ScorpiusDraconis83/realtime/cfg"
	"github.com/ScorpiusDraconis83/realtime/id"
)

// Cluster bundles the pieces main needs to hold for the life of the
// process: the SWIM membership registry, the consistent-hash ring used for
// tenant ownership, the NATS gossip transport, the cross-node broadcast
// forwarding router, and the handover coordinator that lets a draining
// owner cut its grace period short. The ring is kept in sync with the
// registry's ALIVE/DEAD transitions so Router.Owner always reflects live
// membership.
type Cluster struct {
	NodeID     uint64
	Registry   *Registry
	Ring       *Ring
	Membership *Membership
	Router     *Router
	Handover   *Handover

	discovery     *DNSDiscovery
	stopDiscovery context.CancelFunc
}

// New wires a Registry seeded with the local node, a Ring that tracks the
// registry's membership callbacks, NATS gossip, the forwarding Router, and
// the Handover coordinator. It does not yet join the cluster or start any
// loop; call Start for that.
func New(nodeID uint64, gen *id.HLCGenerator, c cfg.ClusterConfiguration) (*Cluster, error) {
	registry := NewRegistry(nodeID, c.AdvertiseAddress)

	ring := NewRing(c.VirtualNodes)
	ring.AddNode(nodeID)

	registry.OnAlive(func(n *NodeState) { ring.AddNode(n.NodeID) })
	registry.OnDead(func(n *NodeState) { ring.RemoveNode(n.NodeID) })

	membership, err := NewMembership(nodeID, registry, c.NATSUrl)
	if err != nil {
		return nil, err
	}

	router := NewRouter(nodeID, ring, gen, membership.Conn())
	handover := NewHandover(membership.Conn())

	clst := &Cluster{
		NodeID:     nodeID,
		Registry:   registry,
		Ring:       ring,
		Membership: membership,
		Router:     router,
		Handover:   handover,
	}

	if c.DNSNodes != "" {
		clst.discovery = NewDNSDiscovery(c.DNSNodes, func(addr string) {
			// Called for every resolved pod IP on every poll; re-announcing
			// ourselves nudges the DNS-backed peer set toward a faster
			// converge than waiting for the next scheduled gossip round.
			membership.Join(5 * time.Second)
		})
	}

	return clst, nil
}

// Start joins the cluster, begins gossiping, starts DNS-based peer
// discovery when configured, and starts accepting forwarded broadcasts.
// Call Router.OnForward before Start so no forwarded message is dropped on
// the floor during the join window.
func (c *Cluster) Start(ctx context.Context, cfgCluster cfg.ClusterConfiguration, joinTimeout time.Duration) error {
	c.Membership.Start(cfgCluster)
	c.Membership.Join(joinTimeout)

	// Nodes learned from the join response arrive through Registry.Add,
	// which seeds membership directly without running the OnAlive
	// callback; sync the ring once against the post-join view.
	for _, nodeID := range c.Registry.AliveNodeIDs() {
		c.Ring.AddNode(nodeID)
	}

	if c.discovery != nil {
		discoveryCtx, cancel := context.WithCancel(ctx)
		c.stopDiscovery = cancel
		interval := time.Duration(cfgCluster.PollIntervalMS) * time.Millisecond
		go c.discovery.Start(discoveryCtx, interval)
	}

	return c.Router.Start()
}

// Stop tears down DNS discovery, the forwarding router, and gossip loops.
func (c *Cluster) Stop() {
	if c.stopDiscovery != nil {
		c.stopDiscovery()
	}
	c.Router.Stop()
	c.Membership.Stop()
}
