package channel

import "sync"

// PresenceEntry is one key's tracked metadata within a topic's presence
// state, keyed by a client-chosen key (e.g. user ID) and disambiguated by
// phx_ref when the same key joins from multiple connections.
type PresenceEntry struct {
	Key  string
	Ref  string
	Meta map[string]interface{}
}

// PresenceDiff is the result of merging a new presence snapshot against
// the prior one: joins are entries new to the set, leaves are entries
// removed from it, compared by ref so two connections sharing a key don't
// shadow each other.
type PresenceDiff struct {
	Joins  []PresenceEntry
	Leaves []PresenceEntry
}

// Presence is a per-topic OR-set of presence entries. The merge is plain
// map arithmetic (joins = new \ old, leaves = old \ new, compared by
// ref) rather than a CRDT library: no library in the pack implements an
// OR-set, and the merge is small enough that adding a dependency for it
// would not pay for itself.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry // keyed by ref
}

func newPresence() *Presence {
	return &Presence{entries: make(map[string]PresenceEntry)}
}

// Track adds or replaces a presence entry for ref, returning the diff to
// broadcast to existing subscribers.
func (p *Presence) Track(entry PresenceEntry) PresenceDiff {
	p.mu.Lock()
	defer p.mu.Unlock()

	diff := PresenceDiff{}
	if _, existed := p.entries[entry.Ref]; !existed {
		diff.Joins = append(diff.Joins, entry)
	}
	p.entries[entry.Ref] = entry
	return diff
}

// Untrack removes a presence entry for ref, returning the diff to
// broadcast.
func (p *Presence) Untrack(ref string) PresenceDiff {
	p.mu.Lock()
	defer p.mu.Unlock()

	diff := PresenceDiff{}
	if entry, ok := p.entries[ref]; ok {
		diff.Leaves = append(diff.Leaves, entry)
		delete(p.entries, ref)
	}
	return diff
}

// Snapshot returns every tracked entry, for presence_state sync sent to a
// newly joined subscriber.
func (p *Presence) Snapshot() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of tracked entries.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
