package channel

import (
	"testing"

	"github.com/ScorpiusDraconis83/realtime/tenant"
)

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:                   "tenant-a",
		MaxJoinsPerSecond:    2,
		MaxEventsPerSecond:   2,
		MaxBytesPerSecond:    100,
		MaxChannelsPerClient: 2,
	}
}

func TestRateLimiter_AllowsWithinBudget(t *testing.T) {
	l := NewRateLimiter()
	tn := testTenant()

	if !l.Allow(tn, ResourceJoins, 1) {
		t.Fatal("expected first join within burst to be allowed")
	}
}

func TestRateLimiter_RejectsOverBudget(t *testing.T) {
	l := NewRateLimiter()
	tn := testTenant()

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow(tn, ResourceEvents, 1) {
			allowed++
		}
	}
	if allowed >= 10 {
		t.Fatalf("expected some requests to be rejected once burst is exhausted, got %d/10 allowed", allowed)
	}
}

func TestRateLimiter_CooldownBlocksAllResources(t *testing.T) {
	l := NewRateLimiter()
	tn := testTenant()

	l.Cooldown(tn)

	if l.Allow(tn, ResourceJoins, 1) {
		t.Fatal("expected cooldown to block joins")
	}
	if l.Allow(tn, ResourceEvents, 1) {
		t.Fatal("expected cooldown to block events")
	}
}

func TestRateLimiter_PersistentOverageTripsCooldown(t *testing.T) {
	l := NewRateLimiter()
	tn := testTenant()

	for l.Allow(tn, ResourceEvents, 1) {
		// drain the burst
	}

	for i := 0; i < persistentOverageStrikes; i++ {
		l.Allow(tn, ResourceEvents, 1)
	}

	if !l.InCooldown(tn) {
		t.Fatal("expected persistent overage to trip an automatic cooldown")
	}
}

func TestRateLimiter_InvalidateTenantResetsBuckets(t *testing.T) {
	l := NewRateLimiter()
	tn := testTenant()

	l.Cooldown(tn)
	l.InvalidateTenant(tn.ID)

	if !l.Allow(tn, ResourceJoins, 1) {
		t.Fatal("expected invalidation to clear cooldown by rebuilding buckets")
	}
}
