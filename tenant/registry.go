package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 5 * time.Minute
)

// Store fetches tenant rows from the control database. Implemented by
// pgxStore; an interface keeps Registry's cache/coalescing logic testable
// without a live Postgres connection.
type Store interface {
	FetchByExternalID(ctx context.Context, externalID string) (*Tenant, error)
	FetchAll(ctx context.Context) ([]*Tenant, error)
}

// Registry is the fetch-through cache every other component consults to
// resolve a tenant. Misses are coalesced with singleflight so a thundering
// herd of connections for a newly-seen tenant issues exactly one control-DB
// query.
type Registry struct {
	store   Store
	cache   *expirable.LRU[string, *Tenant]
	group   singleflight.Group
	stopCh  chan struct{}
}

// NewRegistry creates a registry backed by store, with an LRU+TTL cache.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:  store,
		cache:  expirable.NewLRU[string, *Tenant](defaultCacheSize, nil, defaultCacheTTL),
		stopCh: make(chan struct{}),
	}
}

// NewRegistryFromPool creates a registry backed by a pgx control-DB pool.
func NewRegistryFromPool(pool *pgxpool.Pool) *Registry {
	return NewRegistry(&pgxStore{pool: pool})
}

// Resolve returns the tenant for externalID, serving from cache when
// possible and coalescing concurrent misses into a single control-DB
// fetch.
func (r *Registry) Resolve(ctx context.Context, externalID string) (*Tenant, error) {
	if t, ok := r.cache.Get(externalID); ok {
		telemetry.TenantRegistryLookupsTotal.With("hit").Inc()
		if t.Suspended {
			return nil, fmt.Errorf("tenant: %q is suspended", externalID)
		}
		return t, nil
	}

	v, err, shared := r.group.Do(externalID, func() (interface{}, error) {
		return r.store.FetchByExternalID(ctx, externalID)
	})
	if shared {
		telemetry.TenantRegistrySingleflightCollapsed.Inc()
	}
	if err != nil {
		telemetry.TenantRegistryLookupsTotal.With("not_found").Inc()
		return nil, fmt.Errorf("tenant: resolve %q: %w", externalID, err)
	}

	t := v.(*Tenant)
	t.FetchedAt = time.Now()
	r.cache.Add(externalID, t)

	if t.Suspended {
		telemetry.TenantRegistryLookupsTotal.With("suspended").Inc()
		return nil, fmt.Errorf("tenant: %q is suspended", externalID)
	}

	telemetry.TenantRegistryLookupsTotal.With("miss").Inc()
	return t, nil
}

// Invalidate drops a tenant's cache entry so the next Resolve re-fetches
// from the control database. Called on tenant config-change notifications.
func (r *Registry) Invalidate(externalID string) {
	r.cache.Remove(externalID)
}

// StartRefresh runs a periodic full refresh of every known tenant, in the
// idiom of telemetry.MetricsCollector's ticker-driven poll loop: it keeps
// caches warm for active tenants and catches out-of-band control-DB edits
// without waiting for a TTL expiry.
func (r *Registry) StartRefresh(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.refreshAll()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic refresh loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) refreshAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tenants, err := r.store.FetchAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("tenant: refresh_all failed")
		return
	}

	for _, t := range tenants {
		t.FetchedAt = time.Now()
		r.cache.Add(t.ExternalID, t)
	}
}
