package channel

import (
	"sync/atomic"

	"github.com/ScorpiusDraconis83/realtime/telemetry"
)

const (
	// DefaultOutboundQueueLen bounds per-subscriber pending message count.
	DefaultOutboundQueueLen = 1000
	// DefaultOutboundQueueBytes bounds per-subscriber pending payload bytes.
	DefaultOutboundQueueBytes = 1 << 20 // 1 MiB
)

// Message is one dispatched frame, carrying enough to compute both
// backpressure bounds (count and cumulative bytes).
type Message struct {
	Topic   string
	Event   string
	Payload []byte
}

func (m Message) size() int { return len(m.Payload) }

// Subscriber is a single topic subscription's outbound path: a buffered
// channel plus byte-accounting so SLOW_CONSUMER triggers on either bound,
// generalizing notify.Hub's single-channel, count-only buffering.
type Subscriber struct {
	ID     uint64
	ch     chan Message
	closed atomic.Bool

	// Self reports whether this subscriber should also receive broadcasts
	// it itself originated, config.broadcast.self from the join payload.
	Self bool

	cdcFilters []PostgresChangeFilter

	maxLen   int
	maxBytes int
	curBytes atomic.Int64
}

func newSubscriber(id uint64, maxLen, maxBytes int, self bool, cdcFilters []PostgresChangeFilter) *Subscriber {
	if maxLen <= 0 {
		maxLen = DefaultOutboundQueueLen
	}
	if maxBytes <= 0 {
		maxBytes = DefaultOutboundQueueBytes
	}
	return &Subscriber{
		ID:         id,
		ch:         make(chan Message, maxLen),
		Self:       self,
		cdcFilters: cdcFilters,
		maxLen:     maxLen,
		maxBytes:   maxBytes,
	}
}

// matchesCDC reports whether a replicated change passes at least one of
// the subscriber's postgres_changes filters. A subscriber with no
// registered filters never receives CDC events, matching the spec's
// opt-in postgres_changes subscription model.
func (s *Subscriber) matchesCDC(schema, table, operation string, record map[string]interface{}) bool {
	for _, f := range s.cdcFilters {
		if f.matches(schema, table, operation, record) {
			return true
		}
	}
	return false
}

// C returns the channel callers should range over to receive dispatched
// messages.
func (s *Subscriber) C() <-chan Message { return s.ch }

// enqueue attempts a non-blocking send, reporting whether it was accepted.
// A false return means the caller must disconnect the subscriber for
// SLOW_CONSUMER: count or byte backlog exceeded.
func (s *Subscriber) enqueue(msg Message) bool {
	if s.closed.Load() {
		return false
	}

	if s.curBytes.Load()+int64(msg.size()) > int64(s.maxBytes) {
		return false
	}

	select {
	case s.ch <- msg:
		s.curBytes.Add(int64(msg.size()))
		telemetry.OutboundQueueDepth.Observe(float64(len(s.ch)))
		return true
	default:
		return false
	}
}

// Ack releases msg's byte accounting once it has left the subscriber's
// queue for delivery, so a healthy long-lived consumer's curBytes doesn't
// monotonically grow toward maxBytes and trip SLOW_CONSUMER on its own.
func (s *Subscriber) Ack(msg Message) {
	s.curBytes.Add(-int64(msg.size()))
}

// Close marks the subscriber closed and closes its channel exactly once.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
