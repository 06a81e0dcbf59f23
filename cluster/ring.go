package cluster

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Ring implements consistent hashing with virtual nodes over the cluster
// membership. It answers "which node owns this tenant's CDC replication and
// presence state" and is consulted on every tenant lookup and on every
// membership change.
type Ring struct {
	vnodes  int
	ring    []uint64
	ringMap map[uint64]uint64 // vnode hash -> nodeID
	nodes   map[uint64]bool
	mu      sync.RWMutex
}

// NewRing creates a ring with vnodes virtual nodes per physical node.
func NewRing(vnodes int) *Ring {
	return &Ring{
		vnodes:  vnodes,
		ring:    make([]uint64, 0),
		ringMap: make(map[uint64]uint64),
		nodes:   make(map[uint64]bool),
	}
}

// AddNode adds a physical node to the hash ring.
func (r *Ring) AddNode(nodeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nodes[nodeID] {
		return
	}
	r.nodes[nodeID] = true

	for i := 0; i < r.vnodes; i++ {
		vnode := hashVNode(nodeID, i)
		r.ring = append(r.ring, vnode)
		r.ringMap[vnode] = nodeID
	}

	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveNode removes a physical node and its virtual nodes from the ring.
func (r *Ring) RemoveNode(nodeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.nodes[nodeID] {
		return
	}
	delete(r.nodes, nodeID)

	newRing := make([]uint64, 0, len(r.ring))
	for _, vnode := range r.ring {
		if r.ringMap[vnode] != nodeID {
			newRing = append(newRing, vnode)
		} else {
			delete(r.ringMap, vnode)
		}
	}
	r.ring = newRing
}

// Owner returns the node responsible for a tenant ID under the current
// membership view.
func (r *Ring) Owner(tenantID string) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return 0, fmt.Errorf("cluster: empty ring, no owner for tenant %q", tenantID)
	}

	hash := hashKey(tenantID)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= hash })
	if idx >= len(r.ring) {
		idx = 0
	}

	return r.ringMap[r.ring[idx]], nil
}

// Successors returns up to n distinct physical nodes starting from the
// tenant's primary owner, walking the ring clockwise. Used when a handover
// needs a fallback candidate during a rebalance.
func (r *Ring) Successors(tenantID string, n int) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil
	}

	hash := hashKey(tenantID)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= hash })
	if idx >= len(r.ring) {
		idx = 0
	}

	out := make([]uint64, 0, n)
	seen := make(map[uint64]bool)
	for len(out) < n && len(out) < len(r.nodes) {
		nodeID := r.ringMap[r.ring[idx]]
		if !seen[nodeID] {
			out = append(out, nodeID)
			seen[nodeID] = true
		}
		idx = (idx + 1) % len(r.ring)
	}

	return out
}

// Nodes returns all physical nodes currently in the ring.
func (r *Ring) Nodes() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uint64, 0, len(r.nodes))
	for nodeID := range r.nodes {
		out = append(out, nodeID)
	}
	return out
}

// Count returns the number of physical nodes in the ring.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func hashVNode(nodeID uint64, vnodeIndex int) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], nodeID)
	binary.BigEndian.PutUint64(buf[8:], uint64(vnodeIndex))
	return xxhash.Sum64(buf[:])
}
