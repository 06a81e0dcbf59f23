package cluster

import "testing"

func TestRing_OwnerRequiresAtLeastOneNode(t *testing.T) {
	r := NewRing(8)
	if _, err := r.Owner("tenant-a"); err == nil {
		t.Fatal("expected error on empty ring")
	}
}

func TestRing_OwnerIsStableAcrossCalls(t *testing.T) {
	r := NewRing(16)
	r.AddNode(1)
	r.AddNode(2)
	r.AddNode(3)

	owner, err := r.Owner("tenant-a")
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := r.Owner("tenant-a")
		if err != nil {
			t.Fatalf("Owner: %v", err)
		}
		if got != owner {
			t.Fatalf("owner changed across calls: %d != %d", got, owner)
		}
	}
}

func TestRing_RemoveNodeReassignsOwnedTenants(t *testing.T) {
	r := NewRing(32)
	r.AddNode(1)
	r.AddNode(2)

	owner, err := r.Owner("tenant-a")
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}

	r.RemoveNode(owner)

	newOwner, err := r.Owner("tenant-a")
	if err != nil {
		t.Fatalf("Owner after remove: %v", err)
	}
	if newOwner == owner {
		t.Fatalf("expected ownership to move off removed node %d", owner)
	}
}

func TestRing_AddNodeIsIdempotent(t *testing.T) {
	r := NewRing(8)
	r.AddNode(1)
	r.AddNode(1)
	if r.Count() != 1 {
		t.Fatalf("expected 1 node, got %d", r.Count())
	}
}

func TestRing_SuccessorsReturnsDistinctNodes(t *testing.T) {
	r := NewRing(32)
	r.AddNode(1)
	r.AddNode(2)
	r.AddNode(3)

	succ := r.Successors("tenant-a", 2)
	if len(succ) != 2 {
		t.Fatalf("expected 2 successors, got %d", len(succ))
	}
	if succ[0] == succ[1] {
		t.Fatalf("expected distinct successors, got %v", succ)
	}
}

func TestRing_NodesReflectsMembership(t *testing.T) {
	r := NewRing(4)
	r.AddNode(1)
	r.AddNode(2)
	r.RemoveNode(1)

	nodes := r.Nodes()
	if len(nodes) != 1 || nodes[0] != 2 {
		t.Fatalf("expected [2], got %v", nodes)
	}
}
