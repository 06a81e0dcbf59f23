package auth

import (
	"testing"
	"time"
)

func TestCacheKey_DeterministicAndClaimSensitive(t *testing.T) {
	a := cacheKey("tenant-a", "room:1", Claims{Role: "authenticated", Subject: "user-1"}, "read")
	b := cacheKey("tenant-a", "room:1", Claims{Role: "authenticated", Subject: "user-1"}, "read")
	if a != b {
		t.Fatal("expected cacheKey to be deterministic for identical inputs")
	}

	c := cacheKey("tenant-a", "room:1", Claims{Role: "anon", Subject: "user-1"}, "read")
	if a == c {
		t.Fatal("expected cacheKey to differ when role differs")
	}

	d := cacheKey("tenant-b", "room:1", Claims{Role: "authenticated", Subject: "user-1"}, "read")
	if a == d {
		t.Fatal("expected cacheKey to differ across tenants")
	}

	e := cacheKey("tenant-a", "room:1", Claims{Role: "authenticated", Subject: "user-1"}, "write")
	if a == e {
		t.Fatal("expected cacheKey to differ between read and write checks")
	}
}

func TestResultLabel(t *testing.T) {
	if resultLabel(true) != "allow" {
		t.Fatal("expected allow")
	}
	if resultLabel(false) != "deny" {
		t.Fatal("expected deny")
	}
}

func TestAuthorizationStore_ShardForIsStable(t *testing.T) {
	s := NewAuthorizationStore()
	key := cacheKey("tenant-a", "room:1", Claims{Role: "authenticated"}, "read")

	first := s.shardFor(key)
	for i := 0; i < 10; i++ {
		if got := s.shardFor(key); got != first {
			t.Fatal("expected shardFor to return the same shard for the same key")
		}
	}
}

func TestAuthorizationStore_InvalidateTenantOnlyClearsMatchingPrefix(t *testing.T) {
	s := NewAuthorizationStore()

	keyA := cacheKey("tenant-a", "room:1", Claims{Role: "authenticated"}, "read")
	keyB := cacheKey("tenant-b", "room:1", Claims{Role: "authenticated"}, "read")

	shardA := s.shardFor(keyA)
	shardA.mu.Lock()
	shardA.cache[keyA] = authzCacheEntry{allow: true, expiry: time.Now().Add(time.Minute)}
	shardA.mu.Unlock()

	shardB := s.shardFor(keyB)
	shardB.mu.Lock()
	shardB.cache[keyB] = authzCacheEntry{allow: true, expiry: time.Now().Add(time.Minute)}
	shardB.mu.Unlock()

	s.InvalidateTenant("tenant-a")

	shardA.mu.RLock()
	_, stillThereA := shardA.cache[keyA]
	shardA.mu.RUnlock()
	if stillThereA {
		t.Fatal("expected tenant-a entry evicted")
	}

	shardB.mu.RLock()
	_, stillThereB := shardB.cache[keyB]
	shardB.mu.RUnlock()
	if !stillThereB {
		t.Fatal("expected tenant-b entry untouched by tenant-a invalidation")
	}
}
