package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const authzCacheTTL = 120 * time.Second

type authzCacheEntry struct {
	allow  bool
	expiry time.Time
}

// AuthorizationStore evaluates whether a tenant's JWT-authenticated client
// may join a topic by running a read-only transaction against the
// tenant's own Postgres pool with the JWT's role applied via SET LOCAL
// ROLE, letting the tenant's own row-level-security policies decide.
// Results are cached process-wide, sharded the same way as ChannelHub.
type AuthorizationStore struct {
	shards []authzShard
	dialect goqu.DialectWrapper
}

type authzShard struct {
	mu    sync.RWMutex
	cache map[string]authzCacheEntry
}

const authzShardCount = 32

// NewAuthorizationStore creates a sharded authorization cache.
func NewAuthorizationStore() *AuthorizationStore {
	s := &AuthorizationStore{
		shards:  make([]authzShard, authzShardCount),
		dialect: goqu.Dialect("postgres"),
	}
	for i := range s.shards {
		s.shards[i].cache = make(map[string]authzCacheEntry)
	}
	return s
}

// CanRead checks whether claims may join topic on the tenant's pool,
// consulting the cache before issuing a query.
func (s *AuthorizationStore) CanRead(ctx context.Context, pool *pgxpool.Pool, tenantID, topic string, claims Claims) (bool, error) {
	return s.authorize(ctx, pool, tenantID, topic, claims, "read")
}

// CanWrite checks whether claims may broadcast to a private topic on the
// tenant's pool, consulting the cache before issuing a query.
func (s *AuthorizationStore) CanWrite(ctx context.Context, pool *pgxpool.Pool, tenantID, topic string, claims Claims) (bool, error) {
	return s.authorize(ctx, pool, tenantID, topic, claims, "write")
}

func (s *AuthorizationStore) authorize(ctx context.Context, pool *pgxpool.Pool, tenantID, topic string, claims Claims, op string) (bool, error) {
	key := cacheKey(tenantID, topic, claims, op)
	shard := s.shardFor(key)

	start := time.Now()
	defer func() { telemetry.AuthzQueryDurationSeconds.Observe(time.Since(start).Seconds()) }()

	shard.mu.RLock()
	entry, ok := shard.cache[key]
	shard.mu.RUnlock()
	if ok && time.Now().Before(entry.expiry) {
		telemetry.AuthzQueriesTotal.With(resultLabel(entry.allow), "hit").Inc()
		return entry.allow, nil
	}

	allow, err := s.query(ctx, pool, topic, claims, op)
	if err != nil {
		telemetry.AuthzQueriesTotal.With("error", "miss").Inc()
		return false, err
	}

	shard.mu.Lock()
	shard.cache[key] = authzCacheEntry{allow: allow, expiry: time.Now().Add(authzCacheTTL)}
	shard.mu.Unlock()

	telemetry.AuthzQueriesTotal.With(resultLabel(allow), "miss").Inc()
	return allow, nil
}

func (s *AuthorizationStore) query(ctx context.Context, pool *pgxpool.Pool, topic string, claims Claims, op string) (bool, error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return false, fmt.Errorf("authz: begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	role := claims.Role
	if role == "" {
		role = "anon"
	}
	// SET LOCAL ROLE cannot be parameterized; role comes from JWT claims
	// validated against claim_validators at verification time, not from
	// unescaped client input.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ROLE %s", pgx.Identifier{role}.Sanitize())); err != nil {
		return false, fmt.Errorf("authz: set local role: %w", err)
	}

	where := goqu.Ex{"name": topic}
	if op == "write" {
		sel, _, err := s.dialect.From("realtime.channels").
			Select(goqu.COUNT("*")).
			Where(where, goqu.L("has_table_privilege(current_user, 'realtime.messages', 'INSERT')")).
			ToSQL()
		if err != nil {
			return false, fmt.Errorf("authz: build query: %w", err)
		}
		return s.evalVisibility(ctx, tx, sel)
	}

	sel, _, err := s.dialect.From("realtime.channels").
		Select(goqu.COUNT("*")).
		Where(where).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("authz: build query: %w", err)
	}
	return s.evalVisibility(ctx, tx, sel)
}

func (s *AuthorizationStore) evalVisibility(ctx context.Context, tx pgx.Tx, sel string) (bool, error) {
	var count int
	if err := tx.QueryRow(ctx, sel).Scan(&count); err != nil {
		return false, fmt.Errorf("authz: evaluate RLS visibility: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("authz: commit read-only tx: %w", err)
	}

	return count > 0, nil
}

// InvalidateTenant drops every cached decision for a tenant across all
// shards. There is no per-tenant index, so this is a full sweep; tenant
// policy changes are rare relative to lookup volume.
func (s *AuthorizationStore) InvalidateTenant(tenantID string) {
	prefix := tenantID + ":"
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for k := range shard.cache {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(shard.cache, k)
			}
		}
		shard.mu.Unlock()
	}
}

func (s *AuthorizationStore) shardFor(key string) *authzShard {
	sum := sha256.Sum256([]byte(key))
	idx := int(sum[0]) % len(s.shards)
	return &s.shards[idx]
}

func cacheKey(tenantID, topic string, claims Claims, op string) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte(claims.Role))
	h.Write([]byte(claims.Subject))
	h.Write([]byte(op))
	return tenantID + ":" + hex.EncodeToString(h.Sum(nil))
}

func resultLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
