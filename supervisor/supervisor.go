// Package supervisor owns the per-tenant lifecycle: its Postgres pool, its
// CDCReplicator (only on the node that owns the tenant), and the
// ChannelHub state warmed for its most recently active topics.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ScorpiusDraconis83/realtime/channel"
	"github.com/ScorpiusDraconis83/realtime/cluster"
	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/ScorpiusDraconis83/realtime/tenant"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// State is the TenantSupervisor lifecycle state, in the idiom of the
// teacher's replica.ReplicaState: an atomic int32 read without a lock and
// written only under transitionMu so observers never see a torn update.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Replicator is satisfied by cdc.Replicator; kept as a narrow interface so
// supervisor doesn't import the cdc package directly and tests can supply
// a stub.
type Replicator interface {
	Start(ctx context.Context) error
	Stop()
}

// Supervisor owns one tenant's resources for as long as this node is
// responsible for them.
type Supervisor struct {
	tenant *tenant.Tenant
	pool   *pgxpool.Pool
	hub    *channel.ChannelHub

	state        atomic.Int32
	transitionMu sync.Mutex

	replicator Replicator
	owns       bool
	handover   *cluster.Handover

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates an idle supervisor for t. Call Start to bring it
// up once a pgx pool has been opened for the tenant's database. hub is the
// tenant's ChannelHub, already wired to the cluster router so subscribers
// joined on other nodes still receive this node's broadcasts.
func NewSupervisor(t *tenant.Tenant, pool *pgxpool.Pool, hub *channel.ChannelHub) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{tenant: t, pool: pool, hub: hub, ctx: ctx, cancel: cancel}
	s.state.Store(int32(StateIdle))
	return s
}

// SetHandover installs the cluster handover coordinator used to announce
// readiness and to shorten Drain's wait when the new owner is already
// serving. nil disables the optimization and Drain falls back to a plain
// timer for the full grace period.
func (s *Supervisor) SetHandover(h *cluster.Handover) { s.handover = h }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(next State) {
	old := State(s.state.Swap(int32(next)))
	if old != next {
		telemetry.TenantSupervisorStateTotal.With(old.String(), next.String()).Inc()
		log.Info().Str("tenant", s.tenant.ExternalID).Str("from", old.String()).Str("to", next.String()).Msg("supervisor: state transition")
		if next == StateReady {
			telemetry.TenantsReady.Inc()
		}
		if old == StateReady && next != StateReady {
			telemetry.TenantsReady.Dec()
		}
	}
}

// Start transitions Idle -> Starting -> Ready, launching the CDC
// replicator only when owns is true (this node is this tenant's owner
// under the current consistent-hash ring).
func (s *Supervisor) Start(owns bool, replicator Replicator) error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	if s.State() != StateIdle {
		return fmt.Errorf("supervisor: tenant %q not idle, cannot start", s.tenant.ExternalID)
	}

	s.setState(StateStarting)
	s.owns = owns
	s.replicator = replicator

	if owns && replicator != nil {
		if err := replicator.Start(s.ctx); err != nil {
			s.setState(StateIdle)
			return fmt.Errorf("supervisor: start CDC replicator for %q: %w", s.tenant.ExternalID, err)
		}
	}

	s.setState(StateReady)
	if owns && s.handover != nil {
		s.handover.AnnounceReady(s.tenant.ID)
	}
	return nil
}

// Drain transitions Ready -> Draining, stopping the replicator (if owned)
// but leaving the pool open for in-flight ChannelHub dispatch to finish.
// It waits up to grace for the new owner's handover.AnnounceReady before
// forcing Stopped, so a healthy handoff doesn't sit out the full timeout.
func (s *Supervisor) Drain(grace time.Duration) {
	s.transitionMu.Lock()
	if s.State() != StateReady {
		s.transitionMu.Unlock()
		return
	}
	s.setState(StateDraining)
	if s.owns && s.replicator != nil {
		s.replicator.Stop()
	}
	s.transitionMu.Unlock()

	go func() {
		if s.handover != nil {
			ready, cancel := s.handover.AwaitReady(s.tenant.ID)
			defer cancel()
			select {
			case <-ready:
			case <-time.After(grace):
			}
		} else {
			time.Sleep(grace)
		}

		s.transitionMu.Lock()
		defer s.transitionMu.Unlock()
		if s.State() == StateDraining {
			s.setState(StateStopped)
		}
	}()
}

// Stop forces an immediate transition to Stopped, releasing all resources.
func (s *Supervisor) Stop() {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	if s.State() == StateStopped {
		return
	}

	if s.owns && s.replicator != nil {
		s.replicator.Stop()
	}
	s.cancel()
	s.setState(StateStopped)
}

// Tenant returns the tenant this supervisor is responsible for.
func (s *Supervisor) Tenant() *tenant.Tenant { return s.tenant }

// Pool returns the tenant's Postgres connection pool.
func (s *Supervisor) Pool() *pgxpool.Pool { return s.pool }

// Hub returns the tenant's ChannelHub.
func (s *Supervisor) Hub() *channel.ChannelHub { return s.hub }

// GetChannelStats implements telemetry.TenantStatsProvider by delegating
// to the tenant's ChannelHub.
func (s *Supervisor) GetChannelStats() (topics, subscriptions, presenceEntries int) {
	return s.hub.GetChannelStats()
}
