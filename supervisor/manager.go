package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ScorpiusDraconis83/realtime/cdc"
	"github.com/ScorpiusDraconis83/realtime/channel"
	"github.com/ScorpiusDraconis83/realtime/cluster"
	"github.com/ScorpiusDraconis83/realtime/id"
	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/ScorpiusDraconis83/realtime/tenant"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Manager lazily activates a Supervisor (pool, ChannelHub, CDC replicator
// when owned) for each tenant on first use and caches it for the lifetime
// of the process, generalizing the teacher's db.DatabaseManager from
// "open a SQLite file on first access" to "stand up a tenant's full
// runtime on first connection".
type Manager struct {
	registry *tenant.Registry
	router   *cluster.Router
	handover *cluster.Handover
	gen      *id.HLCGenerator
	dataDir  string

	mu   sync.Mutex
	byID map[string]*Supervisor
}

// NewManager creates a tenant runtime manager. router and handover may be
// nil when clustering is disabled. Router.OnForward is process-wide rather
// than per-tenant, so Manager registers a single handler here and routes
// each forwarded message to the owning tenant's hub by ID.
func NewManager(registry *tenant.Registry, router *cluster.Router, handover *cluster.Handover, gen *id.HLCGenerator, dataDir string) *Manager {
	m := &Manager{
		registry: registry,
		router:   router,
		handover: handover,
		gen:      gen,
		dataDir:  dataDir,
		byID:     make(map[string]*Supervisor),
	}
	if router != nil {
		router.OnForward(m.dispatchForwarded)
	}
	return m
}

func (m *Manager) dispatchForwarded(msg cluster.ForwardedMessage) {
	m.mu.Lock()
	s, ok := m.byID[msg.TenantID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Hub().DispatchForwarded(msg)
}

// Get resolves externalID to a tenant and returns its (possibly freshly
// activated) Supervisor.
func (m *Manager) Get(ctx context.Context, externalID string) (*Supervisor, error) {
	t, err := m.registry.Resolve(ctx, externalID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s, ok := m.byID[t.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.activate(ctx, t)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.byID[t.ID]; ok {
		m.mu.Unlock()
		s.Stop()
		return existing, nil
	}
	m.byID[t.ID] = s
	m.mu.Unlock()

	return s, nil
}

func (m *Manager) activate(ctx context.Context, t *tenant.Tenant) (*Supervisor, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", t.DBUser, t.DBPassword, t.DBHost, t.DBPort, t.DBName)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open pool for tenant %q: %w", t.ExternalID, err)
	}

	hub := channel.NewChannelHub(t.ID, m.gen, m.router)
	s := NewSupervisor(t, pool, hub)
	s.SetHandover(m.handover)

	owns := m.router == nil || m.router.IsLocalOwner(t.ID)

	var repl Replicator
	if owns && t.Extensions["postgres_cdc_rls"] {
		replDSN := dsn + "?replication=database"
		r, err := cdc.NewReplicator(cdc.Config{
			TenantID:        t.ID,
			ConnString:      replDSN,
			SlotName:        "realtime_" + t.ID,
			PublicationName: "realtime_pub_" + t.ID,
			DataDir:         m.dataDir,
			Dispatcher:      hub,
		})
		if err != nil {
			log.Warn().Err(err).Str("tenant", t.ExternalID).Msg("supervisor: failed to create CDC replicator, continuing without it")
		} else {
			repl = r
		}
	}

	if err := s.Start(owns, repl); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// ListTenants implements telemetry.TenantLister.
func (m *Manager) ListTenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.byID))
	for id := range m.byID {
		out = append(out, id)
	}
	return out
}

// GetTenant implements telemetry.TenantLister.
func (m *Manager) GetTenant(tenantID string) telemetry.TenantStatsProvider {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[tenantID]
	if !ok {
		return nil
	}
	return s
}

// Rebalance re-checks ownership for every activated tenant against the
// current ring and drains any tenant this node no longer owns, letting
// Drain's handover-aware wait hand the CDC replicator off to the new owner.
// Called periodically by main after every membership change settles.
func (m *Manager) Rebalance(grace time.Duration) {
	if m.router == nil {
		return
	}

	m.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(m.byID))
	for _, s := range m.byID {
		supervisors = append(supervisors, s)
	}
	m.mu.Unlock()

	for _, s := range supervisors {
		if s.State() != StateReady {
			continue
		}
		if !m.router.IsLocalOwner(s.Tenant().ID) {
			log.Info().Str("tenant", s.Tenant().ExternalID).Msg("supervisor: lost ownership, draining")
			s.Drain(grace)
		}
	}
}

// StopAll drains and stops every activated tenant, called during process
// shutdown after the HTTP listener has stopped accepting new connections.
func (m *Manager) StopAll() {
	m.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(m.byID))
	for _, s := range m.byID {
		supervisors = append(supervisors, s)
	}
	m.byID = make(map[string]*Supervisor)
	m.mu.Unlock()

	for _, s := range supervisors {
		s.Stop()
		s.Pool().Close()
	}
}

// Evict stops and forgets the supervisor for a tenant, called when a
// control-DB update suspends the tenant or this node loses ownership.
func (m *Manager) Evict(tenantID string) {
	m.mu.Lock()
	s, ok := m.byID[tenantID]
	if ok {
		delete(m.byID, tenantID)
	}
	m.mu.Unlock()

	if ok {
		s.Stop()
		s.Pool().Close()
	}
}
