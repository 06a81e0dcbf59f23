package cluster

import (
	"math/rand"
	"time"

	"github.com/ScorpiusDraconis83/realtime/cfg"
	"github.com/ScorpiusDraconis83/realtime/encoding"
	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	subjectGossipState = "realtime.cluster.gossip.state"
	subjectGossipJoin  = "realtime.cluster.gossip.join"
)

// Membership runs SWIM-style gossip over core NATS pub/sub instead of a
// point-to-point RPC transport: every node publishes its view of the
// cluster on a shared subject and merges whatever views it receives.
// Joining a running cluster is a NATS request/reply round-trip against
// whichever member answers first.
type Membership struct {
	nodeID   uint64
	nc       *nats.Conn
	registry *Registry
	fanout   int
	subs     []*nats.Subscription
	stopCh   chan struct{}
}

type gossipMessage struct {
	Nodes []*NodeState `msgpack:"nodes"`
}

type joinRequest struct {
	NodeID  uint64 `msgpack:"node_id"`
	Address string `msgpack:"address"`
}

type joinResponse struct {
	Nodes []*NodeState `msgpack:"nodes"`
}

// NewMembership connects to NATS and wires up gossip subscriptions. It does
// not start the gossip/timeout loops; call Start for that.
func NewMembership(nodeID uint64, registry *Registry, natsURL string) (*Membership, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("realtime-cluster"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	m := &Membership{
		nodeID:   nodeID,
		nc:       nc,
		registry: registry,
		fanout:   3,
		stopCh:   make(chan struct{}),
	}

	sub, err := nc.Subscribe(subjectGossipState, m.onGossip)
	if err != nil {
		nc.Close()
		return nil, err
	}
	m.subs = append(m.subs, sub)

	joinSub, err := nc.Subscribe(subjectGossipJoin, m.onJoinRequest)
	if err != nil {
		nc.Close()
		return nil, err
	}
	m.subs = append(m.subs, joinSub)

	return m, nil
}

// Start launches the periodic gossip and timeout-detection loops.
func (m *Membership) Start(cluster cfg.ClusterConfiguration) {
	interval := time.Duration(cluster.GossipIntervalMS) * time.Millisecond
	suspectTimeout := time.Duration(cluster.SuspectTimeoutMS) * time.Millisecond
	deadTimeout := time.Duration(cluster.DeadTimeoutMS) * time.Millisecond

	go m.gossipLoop(interval)
	go m.timeoutLoop(suspectTimeout, deadTimeout)
}

// Stop tears down the gossip loops and the NATS connection.
func (m *Membership) Stop() {
	close(m.stopCh)
	for _, s := range m.subs {
		_ = s.Unsubscribe()
	}
	m.nc.Close()
}

func (m *Membership) gossipLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.publishGossip()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Membership) timeoutLoop(suspectTimeout, deadTimeout time.Duration) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.registry.CheckTimeouts(suspectTimeout, deadTimeout)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Membership) publishGossip() {
	telemetry.GossipRoundsTotal.Inc()
	start := time.Now()
	defer func() { telemetry.GossipRoundDurationSeconds.Observe(time.Since(start).Seconds()) }()

	msg := gossipMessage{Nodes: m.registry.GetAll()}
	data, err := encoding.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("cluster: failed to marshal gossip message")
		return
	}

	if err := m.nc.Publish(subjectGossipState, data); err != nil {
		telemetry.GossipMessagesTotal.With("send_error").Inc()
		log.Debug().Err(err).Msg("cluster: gossip publish failed")
		return
	}
	telemetry.GossipMessagesTotal.With("sent").Inc()
}

func (m *Membership) onGossip(msg *nats.Msg) {
	var decoded gossipMessage
	if err := encoding.Unmarshal(msg.Data, &decoded); err != nil {
		log.Debug().Err(err).Msg("cluster: failed to decode gossip message")
		return
	}
	telemetry.GossipMessagesTotal.With("received").Inc()

	for _, node := range decoded.Nodes {
		m.registry.Update(node)
	}
}

func (m *Membership) onJoinRequest(msg *nats.Msg) {
	var req joinRequest
	if err := encoding.Unmarshal(msg.Data, &req); err != nil {
		log.Debug().Err(err).Msg("cluster: failed to decode join request")
		return
	}

	m.registry.Add(&NodeState{NodeID: req.NodeID, Address: req.Address, Status: NodeAlive})

	resp := joinResponse{Nodes: m.registry.GetAll()}
	data, err := encoding.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("cluster: failed to marshal join response")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Debug().Err(err).Msg("cluster: failed to respond to join request")
	}
}

// Join announces the local node to the cluster and seeds the registry with
// whatever view the responder sends back. Succeeds trivially on a
// single-node cluster where no one answers the request.
func (m *Membership) Join(timeout time.Duration) {
	self := m.registry.Self()
	req := joinRequest{NodeID: self.NodeID, Address: self.Address}
	data, err := encoding.Marshal(req)
	if err != nil {
		log.Error().Err(err).Msg("cluster: failed to marshal join request")
		return
	}

	reply, err := m.nc.Request(subjectGossipJoin, data, timeout)
	if err != nil {
		telemetry.ClusterJoinTotal.With("single_node").Inc()
		log.Info().Msg("cluster: no peers answered join request, starting as sole member")
		return
	}

	var resp joinResponse
	if err := encoding.Unmarshal(reply.Data, &resp); err != nil {
		telemetry.ClusterJoinTotal.With("failed").Inc()
		log.Error().Err(err).Msg("cluster: failed to decode join response")
		return
	}

	for _, node := range resp.Nodes {
		if node.NodeID == m.nodeID {
			continue
		}
		m.registry.Add(node)
	}

	telemetry.ClusterJoinTotal.With("success").Inc()
	log.Info().Int("peers", len(resp.Nodes)).Msg("cluster: joined, merged peer view")
}

// randomPeer is kept for callers that want to sample a single live peer
// (e.g. to target a direct forwarding request) rather than broadcast.
func (m *Membership) randomPeer() (uint64, bool) {
	alive := m.registry.AliveNodeIDs()
	candidates := make([]uint64, 0, len(alive))
	for _, id := range alive {
		if id != m.nodeID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// Conn exposes the underlying NATS connection for the forwarding router.
func (m *Membership) Conn() *nats.Conn { return m.nc }

// Registry exposes the membership registry for ownership routing.
func (m *Membership) Registry() *Registry { return m.registry }
