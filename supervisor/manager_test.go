package supervisor

import (
	"context"
	"testing"

	"github.com/ScorpiusDraconis83/realtime/hlc"
	"github.com/ScorpiusDraconis83/realtime/id"
	"github.com/ScorpiusDraconis83/realtime/tenant"
)

type fakeStore struct {
	byExternalID map[string]*tenant.Tenant
}

func (f *fakeStore) FetchByExternalID(ctx context.Context, externalID string) (*tenant.Tenant, error) {
	t, ok := f.byExternalID[externalID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return t, nil
}

func (f *fakeStore) FetchAll(ctx context.Context) ([]*tenant.Tenant, error) {
	out := make([]*tenant.Tenant, 0, len(f.byExternalID))
	for _, t := range f.byExternalID {
		out = append(out, t)
	}
	return out, nil
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	store := &fakeStore{byExternalID: map[string]*tenant.Tenant{
		"acme": {
			ID: "tenant-a", ExternalID: "acme",
			DBHost: "127.0.0.1", DBPort: 5432, DBName: "acme", DBUser: "acme", DBPassword: "secret",
		},
	}}
	registry := tenant.NewRegistry(store)
	gen := id.NewHLCGenerator(hlc.NewClock(1))
	return NewManager(registry, nil, nil, gen, t.TempDir())
}

func TestManager_GetActivatesAndCachesSupervisor(t *testing.T) {
	m := testManager(t)

	s1, err := m.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s1.State() != StateReady {
		t.Fatalf("expected StateReady, got %s", s1.State())
	}

	s2, err := m.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected second Get to return the cached supervisor")
	}
}

func TestManager_ListTenantsReflectsActivation(t *testing.T) {
	m := testManager(t)
	if _, err := m.Get(context.Background(), "acme"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	tenants := m.ListTenants()
	if len(tenants) != 1 || tenants[0] != "tenant-a" {
		t.Fatalf("expected [tenant-a], got %v", tenants)
	}
}

func TestManager_GetTenantReturnsNilForUnknown(t *testing.T) {
	m := testManager(t)
	if sp := m.GetTenant("does-not-exist"); sp != nil {
		t.Fatalf("expected nil, got %+v", sp)
	}
}

func TestManager_EvictStopsAndForgetsSupervisor(t *testing.T) {
	m := testManager(t)
	s, err := m.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	m.Evict(s.Tenant().ID)

	if sp := m.GetTenant(s.Tenant().ID); sp != nil {
		t.Fatal("expected supervisor forgotten after Evict")
	}
	if s.State() != StateStopped {
		t.Fatalf("expected StateStopped after Evict, got %s", s.State())
	}
}

func TestManager_RebalanceIsNoOpWithoutRouter(t *testing.T) {
	m := testManager(t)
	if _, err := m.Get(context.Background(), "acme"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// router is nil; Rebalance must not panic and must leave the
	// supervisor untouched since ownership can't be evaluated.
	m.Rebalance(0)
}
