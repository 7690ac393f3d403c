package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// NodeConfig is the configuration for one mesh node: its identity, the
// transports it runs, the thresholds its semantic/fast routers use, and
// the tables/caches it sizes at startup.
type NodeConfig struct {
	Version    int              `yaml:"version,omitempty"`
	Identity   IdentityConfig   `yaml:"identity"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Transport  TransportConfig  `yaml:"transport"`
	Gossip     GossipConfig     `yaml:"gossip,omitempty"`
	Routing    RoutingConfig    `yaml:"routing,omitempty"`
	Embedding  EmbeddingConfig  `yaml:"embedding,omitempty"`
	Router     RouterConfig     `yaml:"router,omitempty"`
	StateDir   string           `yaml:"state_dir,omitempty"` // default: ~/.atmosphere
	Telemetry  TelemetryConfig  `yaml:"telemetry,omitempty"`
}

// RelayServerConfig is the configuration for the standalone rendezvous
// relay server (cmd/relay-server): a pure message-forwarding broker with
// no routing, embedding, or capability-matching logic of its own.
type RelayServerConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Network   RelayNetworkConfig `yaml:"network"`
	Security  RelaySecurityConfig `yaml:"security,omitempty"`
	Health    HealthConfig    `yaml:"health,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// AuditConfig controls structured audit logging of federation/membership
// decisions (link creation, token issuance/verification failures).
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HealthConfig holds HTTP health check endpoint configuration.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"` // default: <state_dir>/identity.json
	Name    string `yaml:"name,omitempty"`
}

// MeshConfig holds mesh-membership configuration.
type MeshConfig struct {
	MeshFile   string `yaml:"mesh_file,omitempty"`   // default: <state_dir>/mesh.json
	ShareFile  string `yaml:"share_file,omitempty"`  // default: <state_dir>/mesh.secrets
	TokenFile  string `yaml:"token_file,omitempty"`  // default: <state_dir>/membership.token
}

// TransportConfig controls which transports a node runs and their
// tuning parameters.
type TransportConfig struct {
	ListenPort  int         `yaml:"listen_port"` // default: 11451
	LAN         LANConfig   `yaml:"lan,omitempty"`
	Relay       RelayConfig `yaml:"relay,omitempty"`
	LibP2P      LibP2PConfig `yaml:"libp2p,omitempty"` // experimental, disabled by default
}

// LANConfig controls the mDNS-advertised direct-WebSocket transport.
type LANConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"` // default: true
}

// IsEnabled returns whether LAN discovery is enabled, defaulting to true.
func (l *LANConfig) IsEnabled() bool {
	if l.Enabled == nil {
		return true
	}
	return *l.Enabled
}

// RelayConfig holds the rendezvous relay transport configuration.
type RelayConfig struct {
	URL              string        `yaml:"url,omitempty"` // e.g. wss://relay.example.com/ws
	KeepaliveInterval time.Duration `yaml:"keepalive_interval,omitempty"` // default: 20s
	FECEnabled       bool          `yaml:"fec_enabled,omitempty"`        // wrap broadcasts in reed-solomon FEC
}

// LibP2PConfig controls the experimental libp2p transport, disabled by
// default per spec.md's MVP scope.
type LibP2PConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// GossipConfig tunes the announcement loop and nonce cache.
type GossipConfig struct {
	AnnounceInterval time.Duration `yaml:"announce_interval,omitempty"` // default: 30s
	NonceCacheTTL    time.Duration `yaml:"nonce_cache_ttl,omitempty"`   // default: 300s
	MaxCapabilities  int           `yaml:"max_capabilities,omitempty"`  // default: 50
}

// RoutingConfig tunes the transport-level routing table.
type RoutingConfig struct {
	Staleness time.Duration `yaml:"staleness,omitempty"` // default: 5m
}

// EmbeddingConfig tunes the embedding engine's cache and backend choice.
type EmbeddingConfig struct {
	CacheCapacity int    `yaml:"cache_capacity,omitempty"` // default: 1000
	Backend       string `yaml:"backend,omitempty"`        // "hash" (default) or a configured remote backend name
	Dimension     int    `yaml:"dimension,omitempty"`       // default: 768
}

// RouterConfig tunes the semantic/capability router thresholds.
type RouterConfig struct {
	MatchThreshold    float64 `yaml:"match_threshold,omitempty"`     // default: 0.75
	MinRouteThreshold float64 `yaml:"min_route_threshold,omitempty"` // default: 0.50
	FastRouterCache   string  `yaml:"fast_router_cache,omitempty"`   // binary vector cache path
}

// RelayNetworkConfig holds relay server network configuration.
type RelayNetworkConfig struct {
	ListenAddress string `yaml:"listen_address"` // e.g. "0.0.0.0:8787"
}

// RelaySecurityConfig holds relay server security configuration: meshes
// not in AllowedMeshIDs (when non-empty) are rejected at register_mesh.
type RelaySecurityConfig struct {
	AllowedMeshIDs []string `yaml:"allowed_mesh_ids,omitempty"`
}
