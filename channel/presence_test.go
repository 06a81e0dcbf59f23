package channel

import "testing"

func TestPresence_TrackJoinLeave(t *testing.T) {
	p := newPresence()

	diff := p.Track(PresenceEntry{Key: "user-1", Ref: "ref-1"})
	if len(diff.Joins) != 1 || len(diff.Leaves) != 0 {
		t.Fatalf("expected a join, got %+v", diff)
	}

	// Re-tracking the same ref with updated meta is an update, not a join.
	diff = p.Track(PresenceEntry{Key: "user-1", Ref: "ref-1", Meta: map[string]interface{}{"status": "away"}})
	if len(diff.Joins) != 0 {
		t.Fatalf("expected no join on re-track, got %+v", diff)
	}

	diff = p.Untrack("ref-1")
	if len(diff.Leaves) != 1 {
		t.Fatalf("expected a leave, got %+v", diff)
	}

	if p.Count() != 0 {
		t.Fatalf("expected empty presence set, got %d", p.Count())
	}
}

func TestPresence_MultipleConnectionsSameKey(t *testing.T) {
	p := newPresence()

	p.Track(PresenceEntry{Key: "user-1", Ref: "ref-1"})
	p.Track(PresenceEntry{Key: "user-1", Ref: "ref-2"})

	if p.Count() != 2 {
		t.Fatalf("expected two distinct refs for the same key, got %d", p.Count())
	}

	p.Untrack("ref-1")
	if p.Count() != 1 {
		t.Fatalf("expected one ref left after untracking one connection, got %d", p.Count())
	}
}

func TestPresence_UntrackUnknownRefIsNoop(t *testing.T) {
	p := newPresence()
	diff := p.Untrack("nonexistent")
	if len(diff.Leaves) != 0 {
		t.Fatalf("expected no-op diff, got %+v", diff)
	}
}
