package channel

import (
	"sync"
	"sync/atomic"

	"github.com/ScorpiusDraconis83/realtime/telemetry"
)

// Topic holds every live subscriber and the presence set for one
// tenant-scoped channel name, generalizing notify.Hub's flat subscriber
// map ("CDC signal fan-out") to "arbitrary event fan-out, with presence".
type Topic struct {
	Name     string
	presence *Presence

	mu            sync.RWMutex
	subscriptions map[uint64]*Subscriber
	nextID        atomic.Uint64
	lastSeq       atomic.Uint64
}

func newTopic(name string) *Topic {
	return &Topic{
		Name:          name,
		presence:      newPresence(),
		subscriptions: make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a new subscriber and returns it along with an
// unsubscribe function, in notify.Hub's Subscribe/cancel idiom. self
// controls whether the subscriber receives broadcasts it itself
// originated; cdcFilters are the subscriber's postgres_changes
// subscriptions, if any.
func (t *Topic) Subscribe(maxLen, maxBytes int, self bool, cdcFilters ...PostgresChangeFilter) (*Subscriber, func()) {
	sub := newSubscriber(t.nextID.Add(1), maxLen, maxBytes, self, cdcFilters)

	t.mu.Lock()
	t.subscriptions[sub.ID] = sub
	t.mu.Unlock()

	telemetry.SubscriptionsActive.Inc()

	cancel := func() { t.unsubscribe(sub.ID) }
	return sub, cancel
}

func (t *Topic) unsubscribe(id uint64) {
	t.mu.Lock()
	sub, ok := t.subscriptions[id]
	if ok {
		delete(t.subscriptions, id)
	}
	t.mu.Unlock()

	if ok {
		sub.Close()
		telemetry.SubscriptionsActive.Dec()
	}
}

// Broadcast fans msg out to every subscriber, never suppressing delivery
// back to an originating subscriber (HTTP-originated and presence-diff
// broadcasts have no session-local origin to suppress).
func (t *Topic) Broadcast(msg Message) {
	t.BroadcastFrom(msg, 0)
}

// BroadcastFrom fans msg out to every subscriber via a non-blocking
// enqueue; subscribers that can't keep up (either bound exceeded) are
// force-closed and unsubscribed, matching SLOW_CONSUMER semantics.
// originID, if nonzero, identifies the subscriber that sent msg; it is
// skipped unless its own Self flag opts back in to receiving it.
func (t *Topic) BroadcastFrom(msg Message, originID uint64) {
	t.mu.RLock()
	targets := make([]*Subscriber, 0, len(t.subscriptions))
	for _, sub := range t.subscriptions {
		targets = append(targets, sub)
	}
	t.mu.RUnlock()

	var slow []uint64
	for _, sub := range targets {
		if sub.ID == originID && !sub.Self {
			continue
		}
		if !sub.enqueue(msg) {
			slow = append(slow, sub.ID)
		}
	}

	for _, id := range slow {
		t.unsubscribe(id)
		telemetry.SlowConsumerDisconnectsTotal.Inc()
	}
}

// EmitCDC fans a replicated Postgres change out to every subscriber whose
// own postgres_changes filter matches it, the per-subscriber counterpart
// to Broadcast's blind fan-out.
func (t *Topic) EmitCDC(schema, table, operation string, record map[string]interface{}, msg Message) {
	t.mu.RLock()
	targets := make([]*Subscriber, 0, len(t.subscriptions))
	for _, sub := range t.subscriptions {
		if sub.matchesCDC(schema, table, operation, record) {
			targets = append(targets, sub)
		}
	}
	t.mu.RUnlock()

	var slow []uint64
	for _, sub := range targets {
		if !sub.enqueue(msg) {
			slow = append(slow, sub.ID)
		}
	}

	for _, id := range slow {
		t.unsubscribe(id)
		telemetry.SlowConsumerDisconnectsTotal.Inc()
	}
}

// SubscriberCount returns the number of live subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscriptions)
}

// Presence returns the topic's presence set.
func (t *Topic) Presence() *Presence { return t.presence }

// NextSeq returns the next per-topic, HLC-backed monotonic sequence
// number. Authority comparisons stay per-node; the HLC-derived value just
// makes cross-node debugging/audit comparisons meaningful.
func (t *Topic) NextSeq(hlcID uint64) uint64 {
	t.lastSeq.Store(hlcID)
	return hlcID
}

// LastSeq returns the most recently assigned sequence number.
func (t *Topic) LastSeq() uint64 { return t.lastSeq.Load() }

// IsEmpty reports whether the topic has no subscribers and no tracked
// presence, meaning it's safe to garbage-collect from the hub.
func (t *Topic) IsEmpty() bool {
	t.mu.RLock()
	empty := len(t.subscriptions) == 0
	t.mu.RUnlock()
	return empty && t.presence.Count() == 0
}
