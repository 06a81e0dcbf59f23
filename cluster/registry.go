package cluster

import (
	"sync"
	"time"

	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/rs/zerolog/log"
)

// NodeStatus is a SWIM-style membership state.
type NodeStatus int

const (
	NodeJoining NodeStatus = iota
	NodeAlive
	NodeSuspect
	NodeDead
	NodeRemoved
)

func (s NodeStatus) String() string {
	switch s {
	case NodeJoining:
		return "joining"
	case NodeAlive:
		return "alive"
	case NodeSuspect:
		return "suspect"
	case NodeDead:
		return "dead"
	case NodeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// NodeState is one member's view of itself, gossiped to the rest of the
// cluster over NATS. Incarnation is bumped by the owning node whenever it
// needs to refute a stale SUSPECT/DEAD claim about itself.
type NodeState struct {
	NodeID      uint64     `msgpack:"node_id"`
	Address     string     `msgpack:"address"`
	Status      NodeStatus `msgpack:"status"`
	Incarnation uint64     `msgpack:"incarnation"`
}

func copyNodeState(n *NodeState) *NodeState {
	c := *n
	return &c
}

// Registry tracks cluster membership using SWIM-style state merge rules:
// higher incarnation wins, and a node's own ALIVE refutes any SUSPECT/DEAD
// claim gossiped about it by a peer.
type Registry struct {
	localNodeID uint64
	nodes       map[uint64]*NodeState
	lastSeen    map[uint64]time.Time
	mu          sync.RWMutex

	onAlive func(*NodeState)
	onDead  func(*NodeState)
}

// NewRegistry creates a registry seeded with the local node as ALIVE.
func NewRegistry(localNodeID uint64, advertiseAddress string) *Registry {
	r := &Registry{
		localNodeID: localNodeID,
		nodes:       make(map[uint64]*NodeState),
		lastSeen:    make(map[uint64]time.Time),
	}

	now := time.Now()
	r.nodes[localNodeID] = &NodeState{
		NodeID:  localNodeID,
		Address: advertiseAddress,
		Status:  NodeAlive,
	}
	r.lastSeen[localNodeID] = now

	return r
}

// OnAlive registers a callback fired when a peer transitions to ALIVE.
func (r *Registry) OnAlive(fn func(*NodeState)) { r.onAlive = fn }

// OnDead registers a callback fired when a peer transitions to DEAD.
func (r *Registry) OnDead(fn func(*NodeState)) { r.onDead = fn }

// Add inserts or overwrites a node's entry unconditionally. Used when
// bootstrapping from a join response.
func (r *Registry) Add(node *NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[node.NodeID] = copyNodeState(node)
	r.lastSeen[node.NodeID] = time.Now()
}

// Update merges a gossiped NodeState into the registry per SWIM rules.
func (r *Registry) Update(node *NodeState) {
	r.mu.Lock()

	if node.NodeID == r.localNodeID {
		r.handleSelfUpdateLocked(node)
		r.mu.Unlock()
		return
	}

	existing, exists := r.nodes[node.NodeID]
	if !exists {
		r.nodes[node.NodeID] = copyNodeState(node)
		r.lastSeen[node.NodeID] = time.Now()
		r.mu.Unlock()
		telemetry.NodeStateTransitionsTotal.With("none", node.Status.String()).Inc()
		if node.Status == NodeAlive && r.onAlive != nil {
			r.onAlive(node)
		}
		return
	}

	r.lastSeen[node.NodeID] = time.Now()

	becameAlive := false
	becameDead := false

	switch {
	case node.Incarnation > existing.Incarnation:
		if existing.Status != NodeAlive && node.Status == NodeAlive {
			becameAlive = true
		}
		if existing.Status != NodeDead && node.Status == NodeDead {
			becameDead = true
		}
		telemetry.NodeStateTransitionsTotal.With(existing.Status.String(), node.Status.String()).Inc()
		r.nodes[node.NodeID] = copyNodeState(node)
	case node.Incarnation == existing.Incarnation && rank(node.Status) > rank(existing.Status):
		if existing.Status != NodeDead && node.Status == NodeDead {
			becameDead = true
		}
		telemetry.NodeStateTransitionsTotal.With(existing.Status.String(), node.Status.String()).Inc()
		r.nodes[node.NodeID] = copyNodeState(node)
	default:
		// Stale update, ignore.
	}

	r.mu.Unlock()

	if becameAlive && r.onAlive != nil {
		r.onAlive(node)
	}
	if becameDead && r.onDead != nil {
		r.onDead(node)
	}
}

// handleSelfUpdateLocked implements SWIM refutation: a peer's claim that we
// are SUSPECT/DEAD is answered by bumping our own incarnation and staying
// ALIVE, rather than accepting the gossiped state.
func (r *Registry) handleSelfUpdateLocked(node *NodeState) {
	self := r.nodes[r.localNodeID]
	if node.Status != NodeAlive && node.Incarnation >= self.Incarnation {
		self.Incarnation = node.Incarnation + 1
		log.Warn().
			Uint64("node_id", r.localNodeID).
			Str("claimed_status", node.Status.String()).
			Msg("cluster: refuting suspicion, bumping incarnation")
	}
}

// rank orders statuses for same-incarnation tie-breaking:
// dead/removed > suspect > alive > joining.
func rank(s NodeStatus) int {
	switch s {
	case NodeRemoved:
		return 4
	case NodeDead:
		return 3
	case NodeSuspect:
		return 2
	case NodeAlive:
		return 1
	default:
		return 0
	}
}

// GetAll returns a snapshot of every known node.
func (r *Registry) GetAll() []*NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*NodeState, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, copyNodeState(n))
	}
	return out
}

// Get returns a single node's state, if known.
func (r *Registry) Get(nodeID uint64) (*NodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return copyNodeState(n), true
}

// IncrementSelfIncarnation bumps the local node's incarnation, used before
// re-announcing ALIVE after a reconnect.
func (r *Registry) IncrementSelfIncarnation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := r.nodes[r.localNodeID]
	self.Incarnation++
	return self.Incarnation
}

// Self returns the local node's current state for gossiping.
func (r *Registry) Self() *NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyNodeState(r.nodes[r.localNodeID])
}

// CheckTimeouts demotes nodes that haven't been heard from: ALIVE -> SUSPECT
// after suspectTimeout, SUSPECT -> DEAD after an additional deadTimeout.
func (r *Registry) CheckTimeouts(suspectTimeout, deadTimeout time.Duration) {
	r.mu.Lock()

	now := time.Now()
	var becameDead []*NodeState

	for id, node := range r.nodes {
		if id == r.localNodeID {
			continue
		}

		elapsed := now.Sub(r.lastSeen[id])

		switch node.Status {
		case NodeAlive, NodeJoining:
			if elapsed > suspectTimeout {
				node.Status = NodeSuspect
				telemetry.NodeStateTransitionsTotal.With("alive", "suspect").Inc()
				log.Warn().Uint64("node_id", id).Dur("elapsed", elapsed).Msg("cluster: marking node SUSPECT")
			}
		case NodeSuspect:
			if elapsed > suspectTimeout+deadTimeout {
				node.Status = NodeDead
				telemetry.NodeStateTransitionsTotal.With("suspect", "dead").Inc()
				log.Warn().Uint64("node_id", id).Dur("elapsed", elapsed).Msg("cluster: marking node DEAD")
				becameDead = append(becameDead, copyNodeState(node))
			}
		}
	}

	r.mu.Unlock()

	if r.onDead != nil {
		for _, n := range becameDead {
			r.onDead(n)
		}
	}
}

// AliveNodeIDs returns the node IDs currently considered ALIVE, including self.
func (r *Registry) AliveNodeIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uint64, 0, len(r.nodes))
	for id, n := range r.nodes {
		if n.Status == NodeAlive {
			out = append(out, id)
		}
	}
	return out
}
