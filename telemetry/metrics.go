package telemetry

// Histogram bucket definitions for different latency profiles.
var (
	// DispatchBuckets covers in-process ChannelHub fan-out latency.
	DispatchBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// CrossNodeBuckets covers cluster forwarding round-trip latency.
	CrossNodeBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// CDCLagBuckets covers commit-to-dispatch latency for replicated changes.
	CDCLagBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// AuthBuckets covers JWT verification and authorization query latency.
	AuthBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// GossipBuckets covers cluster membership round latency.
	GossipBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Cluster Health Metrics
var (
	// ClusterNodes tracks node count by status (ALIVE, SUSPECT, DEAD, JOINING, REMOVED)
	ClusterNodes GaugeVec = noopGaugeVec{}

	// GossipRoundsTotal counts total gossip rounds executed
	GossipRoundsTotal Counter = NoopStat{}

	// GossipMessagesTotal counts gossip messages by direction (sent, received)
	GossipMessagesTotal CounterVec = noopCounterVec{}

	// GossipRoundDurationSeconds measures one membership gossip round
	GossipRoundDurationSeconds Histogram = NoopStat{}

	// NodeStateTransitionsTotal counts state transitions (from -> to)
	NodeStateTransitionsTotal CounterVec = noopCounterVec{}

	// TenantOwnershipChangesTotal counts tenant ownership handovers
	TenantOwnershipChangesTotal Counter = NoopStat{}

	// TenantsOwnedLocal tracks how many tenants this node currently owns for CDC
	TenantsOwnedLocal Gauge = NoopStat{}

	// ForwardedMessagesTotal counts cross-node forwarded messages by direction
	ForwardedMessagesTotal CounterVec = noopCounterVec{}

	// ForwardedDuplicatesDropped counts cross-node messages dropped as duplicates
	ForwardedDuplicatesDropped Counter = NoopStat{}

	// ClusterJoinTotal counts Join() attempts by outcome (single_node, failed, success)
	ClusterJoinTotal CounterVec = noopCounterVec{}
)

// Tenant Lifecycle Metrics
var (
	// TenantSupervisorStateTotal counts supervisor state transitions
	TenantSupervisorStateTotal CounterVec = noopCounterVec{}

	// TenantsReady tracks currently Ready tenant supervisors on this node
	TenantsReady Gauge = NoopStat{}

	// TenantRegistryLookupsTotal counts registry lookups by result (hit, miss, suspended, not_found)
	TenantRegistryLookupsTotal CounterVec = noopCounterVec{}

	// TenantRegistrySingleflightCollapsed counts concurrent misses collapsed into one fetch
	TenantRegistrySingleflightCollapsed Counter = NoopStat{}
)

// Auth Metrics
var (
	// JWTVerificationsTotal counts verify() calls by result
	JWTVerificationsTotal CounterVec = noopCounterVec{}

	// JWTVerifyDurationSeconds measures verify() latency
	JWTVerifyDurationSeconds Histogram = NoopStat{}

	// AuthzQueriesTotal counts AuthorizationStore queries by result (allow, deny, error) and cache state (hit, miss)
	AuthzQueriesTotal CounterVec = noopCounterVec{}

	// AuthzQueryDurationSeconds measures the tenant-DB authorization query latency
	AuthzQueryDurationSeconds Histogram = NoopStat{}
)

// ChannelHub Metrics
var (
	// TopicsActive tracks live topic count across all tenants on this node
	TopicsActive Gauge = NoopStat{}

	// SubscriptionsActive tracks live subscription count
	SubscriptionsActive Gauge = NoopStat{}

	// BroadcastsTotal counts broadcast() calls by result (ok, unauthorized, rate_limited)
	BroadcastsTotal CounterVec = noopCounterVec{}

	// BroadcastDispatchDurationSeconds measures per-topic fan-out latency
	BroadcastDispatchDurationSeconds Histogram = NoopStat{}

	// SlowConsumerDisconnectsTotal counts subscribers force-closed for backpressure overflow
	SlowConsumerDisconnectsTotal Counter = NoopStat{}

	// OutboundQueueDepth tracks per-subscriber queue depth distribution
	OutboundQueueDepth Histogram = NoopStat{}

	// PresenceEntriesActive tracks live presence keys across all topics
	PresenceEntriesActive Gauge = NoopStat{}
)

// CDC Metrics
var (
	// CDCEventsTotal counts decoded WAL changes by operation (insert, update, delete)
	CDCEventsTotal CounterVec = noopCounterVec{}

	// CDCDispatchedTotal counts changes matched and dispatched to at least one subscriber
	CDCDispatchedTotal Counter = NoopStat{}

	// CDCCommitToDispatchSeconds measures commit_timestamp -> dispatch latency
	CDCCommitToDispatchSeconds Histogram = NoopStat{}

	// CDCReplicationLagBytes tracks WAL bytes behind the server's current LSN
	CDCReplicationLagBytes GaugeVec = noopGaugeVec{}

	// CDCReconnectsTotal counts replication connection reconnect attempts by result
	CDCReconnectsTotal CounterVec = noopCounterVec{}

	// CDCReplicationLaggedTotal counts ReplicationLagged events (slot/WAL gone)
	CDCReplicationLaggedTotal Counter = NoopStat{}
)

// RateLimiter Metrics
var (
	// RateLimitRejectionsTotal counts RateLimited rejections by tenant resource class
	RateLimitRejectionsTotal CounterVec = noopCounterVec{}

	// RateLimitCooldownsTotal counts tenants entering cooldown after persistent overage
	RateLimitCooldownsTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ClusterNodes = NewGaugeVec("cluster_nodes", "Number of nodes in cluster by status", []string{"status"})
	GossipRoundsTotal = NewCounter("gossip_rounds_total", "Total number of gossip rounds executed")
	GossipMessagesTotal = NewCounterVec("gossip_messages_total", "Total gossip messages by direction", []string{"direction"})
	GossipRoundDurationSeconds = NewHistogramWithBuckets("gossip_round_duration_seconds", "Membership gossip round duration", GossipBuckets)
	NodeStateTransitionsTotal = NewCounterVec("node_state_transitions_total", "Node state transitions", []string{"from", "to"})
	TenantOwnershipChangesTotal = NewCounter("tenant_ownership_changes_total", "Tenant CDC ownership handovers")
	TenantsOwnedLocal = NewGauge("tenants_owned_local", "Tenants this node currently owns CDC replication for")
	ForwardedMessagesTotal = NewCounterVec("forwarded_messages_total", "Cross-node forwarded messages by direction", []string{"direction"})
	ForwardedDuplicatesDropped = NewCounter("forwarded_duplicates_dropped_total", "Cross-node messages dropped as duplicates")
	ClusterJoinTotal = NewCounterVec("cluster_join_total", "Join() attempts by outcome", []string{"result"})

	TenantSupervisorStateTotal = NewCounterVec("tenant_supervisor_state_total", "Tenant supervisor state transitions", []string{"from", "to"})
	TenantsReady = NewGauge("tenants_ready", "Tenant supervisors currently Ready on this node")
	TenantRegistryLookupsTotal = NewCounterVec("tenant_registry_lookups_total", "TenantRegistry lookups by result", []string{"result"})
	TenantRegistrySingleflightCollapsed = NewCounter("tenant_registry_singleflight_collapsed_total", "Concurrent misses collapsed into one control-DB fetch")

	JWTVerificationsTotal = NewCounterVec("jwt_verifications_total", "JWT verify() calls by result", []string{"result"})
	JWTVerifyDurationSeconds = NewHistogramWithBuckets("jwt_verify_duration_seconds", "JWT verify() latency", AuthBuckets)
	AuthzQueriesTotal = NewCounterVec("authz_queries_total", "AuthorizationStore queries by result and cache state", []string{"result", "cache"})
	AuthzQueryDurationSeconds = NewHistogramWithBuckets("authz_query_duration_seconds", "Tenant-DB authorization query latency", AuthBuckets)

	TopicsActive = NewGauge("topics_active", "Live topic count across all tenants on this node")
	SubscriptionsActive = NewGauge("subscriptions_active", "Live subscription count on this node")
	BroadcastsTotal = NewCounterVec("broadcasts_total", "broadcast() calls by result", []string{"result"})
	BroadcastDispatchDurationSeconds = NewHistogramWithBuckets("broadcast_dispatch_duration_seconds", "Per-topic fan-out latency", DispatchBuckets)
	SlowConsumerDisconnectsTotal = NewCounter("slow_consumer_disconnects_total", "Subscribers force-closed for backpressure overflow")
	OutboundQueueDepth = NewHistogramWithBuckets("outbound_queue_depth", "Per-subscriber outbound queue depth", QuorumBuckets())
	PresenceEntriesActive = NewGauge("presence_entries_active", "Live presence keys across all topics")

	CDCEventsTotal = NewCounterVec("cdc_events_total", "Decoded WAL changes by operation", []string{"operation"})
	CDCDispatchedTotal = NewCounter("cdc_dispatched_total", "Changes matched and dispatched to at least one subscriber")
	CDCCommitToDispatchSeconds = NewHistogramWithBuckets("cdc_commit_to_dispatch_seconds", "commit_timestamp to dispatch latency", CDCLagBuckets)
	CDCReplicationLagBytes = NewGaugeVec("cdc_replication_lag_bytes", "WAL bytes behind current LSN", []string{"tenant"})
	CDCReconnectsTotal = NewCounterVec("cdc_reconnects_total", "Replication connection reconnect attempts by result", []string{"result"})
	CDCReplicationLaggedTotal = NewCounter("cdc_replication_lagged_total", "ReplicationLagged events (slot/WAL gone)")

	RateLimitRejectionsTotal = NewCounterVec("rate_limit_rejections_total", "RateLimited rejections by resource class", []string{"resource"})
	RateLimitCooldownsTotal = NewCounter("rate_limit_cooldowns_total", "Tenants entering cooldown after persistent overage")
}

// QuorumBuckets returns a small-integer histogram suitable for queue-depth
// style counts; named distinctly from the latency bucket sets above.
func QuorumBuckets() []float64 {
	return []float64{1, 5, 10, 50, 100, 250, 500, 1000}
}
