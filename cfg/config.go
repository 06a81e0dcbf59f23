// Package cfg loads and validates process-wide configuration for the
// realtime server: control-database connectivity, cluster membership,
// per-tenant defaults, and the ambient logging/metrics knobs.
//
// Configuration layers, lowest to highest precedence:
//  1. Defaults (below)
//  2. config.toml (optional, -config flag)
//  3. Process environment variables
//  4. Command-line flags
package cfg

import (
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ControlDBConfiguration describes the control-plane Postgres that holds
// tenants and extensions rows.
type ControlDBConfiguration struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	PoolSize int    `toml:"pool_size"`
}

func (c ControlDBConfiguration) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Name)
}

// ClusterConfiguration controls peer discovery and cross-node transport.
type ClusterConfiguration struct {
	AppName          string   `toml:"app_name"`           // node basename for discovery
	DNSNodes         string   `toml:"dns_nodes"`           // DNS query resolved for peer discovery
	AdvertiseAddress string   `toml:"advertise_address"`  // address other nodes reach this one at
	SeedNodes        []string `toml:"seed_nodes"`          // static peers, used when DNSNodes is empty
	PollIntervalMS   int      `toml:"poll_interval_ms"`    // DNS re-resolve cadence, default 5000
	GossipIntervalMS int      `toml:"gossip_interval_ms"`  // membership broadcast cadence
	SuspectTimeoutMS int      `toml:"suspect_timeout_ms"`  // ALIVE -> SUSPECT
	DeadTimeoutMS    int      `toml:"dead_timeout_ms"`     // SUSPECT -> DEAD
	RebalanceGraceMS int      `toml:"rebalance_grace_ms"`  // §4.7 rebalance_grace, default 10000
	VirtualNodes     int      `toml:"virtual_nodes"`       // consistent-hash vnodes per physical node
	DedupWindowMS    int      `toml:"dedup_window_ms"`     // cross-node dedup window, default 10000
	NATSUrl          string   `toml:"nats_url"`            // cross-node forwarding transport
}

// TenantDefaultsConfiguration seeds per-tenant quota/behavior defaults;
// individual tenants may override any of these via their control-DB row.
type TenantDefaultsConfiguration struct {
	MaxConcurrentClients int    `toml:"max_concurrent_clients"`
	MaxEventsPerSec      int    `toml:"max_events_per_sec"`
	MaxJoinsPerSec       int    `toml:"max_joins_per_sec"`
	IdleShutdownAfterS   int    `toml:"idle_shutdown_after_seconds"`
	DrainTimeoutS        int    `toml:"drain_timeout_seconds"`
	DBPoolSize           int    `toml:"db_pool_size"`
	PollIntervalMS       int    `toml:"cdc_poll_interval_ms"`
	PollMaxRecordBytes   int    `toml:"cdc_poll_max_record_bytes"`
	AuthzCacheTTLS       int    `toml:"authz_cache_ttl_seconds"`
	ClaimValidatorsJSON  string `toml:"-"` // populated from JWT_CLAIM_VALIDATORS at boot
}

// ChannelConfiguration controls ChannelHub sharding and backpressure.
type ChannelConfiguration struct {
	Shards               int `toml:"shards"` // default runtime.NumCPU()*2, 0 = auto
	OutboundQueueLen     int `toml:"outbound_queue_len"`
	OutboundQueueBytes   int `toml:"outbound_queue_bytes"`
	HeartbeatIntervalS   int `toml:"heartbeat_interval_seconds"`
}

// HTTPConfiguration controls the websocket/admin listener.
type HTTPConfiguration struct {
	BindAddress    string `toml:"bind_address"`
	Port           int    `toml:"port"`
	SecureChannels bool   `toml:"secure_channels"` // forces private=true auth on all joins
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	NodeID         uint64 `toml:"node_id"`
	DataDir        string `toml:"data_dir"`
	SecretKeyBase  string `toml:"secret_key_base"`

	ControlDB  ControlDBConfiguration       `toml:"control_db"`
	Cluster    ClusterConfiguration         `toml:"cluster"`
	Tenant     TenantDefaultsConfiguration  `toml:"tenant_defaults"`
	Channel    ChannelConfiguration         `toml:"channel"`
	HTTP       HTTPConfiguration            `toml:"http"`
	Logging    LoggingConfiguration         `toml:"logging"`
	Prometheus PrometheusConfiguration      `toml:"prometheus"`

	// JWTClaimValidators is the parsed form of JWT_CLAIM_VALIDATORS: a flat
	// map of claim name to the literal value it must equal. Populated by
	// Load, never read from TOML directly (env-only per spec).
	JWTClaimValidators map[string]string `toml:"-"`
}

// Command line flags.
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP/WebSocket port (overrides config)")
)

// Default configuration.
var Config = &Configuration{
	NodeID:  0, // auto-generate
	DataDir: "./realtime-data",

	ControlDB: ControlDBConfiguration{
		Host:     "localhost",
		Port:     5432,
		PoolSize: 10,
	},

	Cluster: ClusterConfiguration{
		PollIntervalMS:   5000,
		GossipIntervalMS: 1000,
		SuspectTimeoutMS: 5000,
		DeadTimeoutMS:    10000,
		RebalanceGraceMS: 10000,
		VirtualNodes:     150,
		DedupWindowMS:    10000,
		NATSUrl:          "nats://127.0.0.1:4222",
	},

	Tenant: TenantDefaultsConfiguration{
		MaxConcurrentClients: 1000,
		MaxEventsPerSec:      100,
		MaxJoinsPerSec:       50,
		IdleShutdownAfterS:   300,
		DrainTimeoutS:        5,
		DBPoolSize:           3,
		PollIntervalMS:       100,
		PollMaxRecordBytes:   1 << 20,
		AuthzCacheTTLS:       120,
	},

	Channel: ChannelConfiguration{
		Shards:             0,
		OutboundQueueLen:   1000,
		OutboundQueueBytes: 1 << 20,
		HeartbeatIntervalS: 30,
	},

	HTTP: HTTPConfiguration{
		BindAddress: "0.0.0.0",
		Port:        4000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file, then applies environment variable
// and CLI overrides in that order. Env vars named in spec §6 are
// process-wide and always take precedence over config.toml.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("config file not found, using defaults")
		}
	}

	applyEnvOverrides()

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// applyEnvOverrides implements the process-wide environment variables
// named in spec §6. JWT_CLAIM_VALIDATORS is parsed eagerly here; malformed
// JSON is a fatal config error: it is logged and the process exits.
func applyEnvOverrides() {
	Config.ControlDB.Host = envOr("DB_HOST", Config.ControlDB.Host)
	if v := os.Getenv("DB_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &Config.ControlDB.Port)
	}
	Config.ControlDB.User = envOr("DB_USER", Config.ControlDB.User)
	Config.ControlDB.Password = envOr("DB_PASSWORD", Config.ControlDB.Password)
	Config.ControlDB.Name = envOr("DB_NAME", Config.ControlDB.Name)

	Config.SecretKeyBase = envOr("SECRET_KEY_BASE", Config.SecretKeyBase)
	Config.Cluster.AppName = envOr("APP_NAME", Config.Cluster.AppName)
	Config.Cluster.DNSNodes = envOr("DNS_NODES", Config.Cluster.DNSNodes)

	if v := os.Getenv("SECURE_CHANNELS"); v != "" {
		Config.HTTP.SecureChannels = v == "1" || v == "true"
	}

	if v := os.Getenv("JWT_CLAIM_VALIDATORS"); v != "" {
		validators := map[string]string{}
		if err := json.Unmarshal([]byte(v), &validators); err != nil {
			log.Fatal().Err(err).Msg("JWT_CLAIM_VALIDATORS is not valid JSON")
		}
		Config.JWTClaimValidators = validators
	}
}

// generateNodeID creates a unique node ID based on machine identity,
// matching the teacher's fnv64a-over-protected-machine-id scheme.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("realtime")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors. Returns a non-nil error on any
// misconfiguration, which the caller treats as a fatal boot error (exit
// code 1 per spec §6).
func Validate() error {
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.ControlDB.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if Config.ControlDB.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if Config.Cluster.AdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Cluster.AdvertiseAddress = fmt.Sprintf("%s:%d", hostname, Config.HTTP.Port)
		log.Info().
			Str("advertise_address", Config.Cluster.AdvertiseAddress).
			Msg("auto-configured cluster advertise address")
	}

	if Config.Cluster.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be >= 1")
	}

	if Config.Tenant.DBPoolSize < 1 {
		return fmt.Errorf("tenant db pool size must be >= 1")
	}

	if Config.Tenant.MaxConcurrentClients < 1 {
		return fmt.Errorf("tenant max_concurrent_clients must be >= 1")
	}

	if Config.Channel.OutboundQueueLen < 1 {
		return fmt.Errorf("channel outbound queue length must be >= 1")
	}

	return nil
}
