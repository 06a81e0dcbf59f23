package tenant

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	fetches int32
	tenants map[string]*Tenant
}

func newFakeStore() *fakeStore {
	return &fakeStore{tenants: make(map[string]*Tenant)}
}

func (f *fakeStore) FetchByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	atomic.AddInt32(&f.fetches, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[externalID]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	copy := *t
	return &copy, nil
}

func (f *fakeStore) FetchAll(ctx context.Context) ([]*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*Tenant, 0, len(f.tenants))
	for _, t := range f.tenants {
		copy := *t
		out = append(out, &copy)
	}
	return out, nil
}

func TestRegistry_ResolveMiss(t *testing.T) {
	store := newFakeStore()
	store.tenants["acme"] = &Tenant{ExternalID: "acme"}

	r := NewRegistry(store)
	got, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, "acme", got.ExternalID)
	require.EqualValues(t, 1, store.fetches)
}

func TestRegistry_ResolveHitsCache(t *testing.T) {
	store := newFakeStore()
	store.tenants["acme"] = &Tenant{ExternalID: "acme"}

	r := NewRegistry(store)
	_, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	require.EqualValues(t, 1, store.fetches, "second resolve should be served from cache")
}

func TestRegistry_ResolveNotFound(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store)

	_, err := r.Resolve(context.Background(), "missing")
	require.Error(t, err)
}

func TestRegistry_ResolveSuspended(t *testing.T) {
	store := newFakeStore()
	store.tenants["acme"] = &Tenant{ExternalID: "acme", Suspended: true}

	r := NewRegistry(store)
	_, err := r.Resolve(context.Background(), "acme")
	require.Error(t, err)
}

func TestRegistry_Invalidate(t *testing.T) {
	store := newFakeStore()
	store.tenants["acme"] = &Tenant{ExternalID: "acme"}

	r := NewRegistry(store)
	_, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	r.Invalidate("acme")
	_, err = r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	require.EqualValues(t, 2, store.fetches)
}

func TestRegistry_ResolveCoalescesConcurrentMisses(t *testing.T) {
	store := newFakeStore()
	store.tenants["acme"] = &Tenant{ExternalID: "acme"}

	r := NewRegistry(store)

	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "acme")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, store.fetches, int32(n), "singleflight should collapse concurrent misses")
}
