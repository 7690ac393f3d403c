package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultStateDirName is the directory atmosphere uses for identity,
// mesh, and cache state when StateDir is not set.
const defaultStateDirName = ".atmosphere"

// checkConfigFilePermissions returns an error if a config file has overly
// permissive permissions (any group/world bits set). Config files may reference key
// file paths and relay URLs.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadNodeConfig loads node configuration from a YAML file and applies
// defaults for every zero-valued tunable.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade atmosphere", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyNodeDefaults(&cfg)
	return &cfg, nil
}

// applyNodeDefaults fills zero-valued fields with the spec's stated
// defaults (listen port 11451, 30s announce interval, 0.75/0.50 router
// thresholds, and so on).
func applyNodeDefaults(cfg *NodeConfig) {
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, defaultStateDirName)
		}
	}
	if cfg.Identity.KeyFile == "" {
		cfg.Identity.KeyFile = filepath.Join(cfg.StateDir, "identity.json")
	}
	if cfg.Mesh.MeshFile == "" {
		cfg.Mesh.MeshFile = filepath.Join(cfg.StateDir, "mesh.json")
	}
	if cfg.Mesh.ShareFile == "" {
		cfg.Mesh.ShareFile = filepath.Join(cfg.StateDir, "mesh.secrets")
	}
	if cfg.Mesh.TokenFile == "" {
		cfg.Mesh.TokenFile = filepath.Join(cfg.StateDir, "membership.token")
	}
	if cfg.Transport.ListenPort == 0 {
		cfg.Transport.ListenPort = 11451
	}
	if cfg.Transport.Relay.KeepaliveInterval == 0 {
		cfg.Transport.Relay.KeepaliveInterval = 20 * time.Second
	}
	if cfg.Gossip.AnnounceInterval == 0 {
		cfg.Gossip.AnnounceInterval = 30 * time.Second
	}
	if cfg.Gossip.NonceCacheTTL == 0 {
		cfg.Gossip.NonceCacheTTL = 300 * time.Second
	}
	if cfg.Gossip.MaxCapabilities == 0 {
		cfg.Gossip.MaxCapabilities = 50
	}
	if cfg.Routing.Staleness == 0 {
		cfg.Routing.Staleness = 5 * time.Minute
	}
	if cfg.Embedding.CacheCapacity == 0 {
		cfg.Embedding.CacheCapacity = 1000
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 768
	}
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "hash"
	}
	if cfg.Router.MatchThreshold == 0 {
		cfg.Router.MatchThreshold = 0.75
	}
	if cfg.Router.MinRouteThreshold == 0 {
		cfg.Router.MinRouteThreshold = 0.50
	}
}

// ValidateNodeConfig validates node configuration.
func ValidateNodeConfig(cfg *NodeConfig) error {
	if cfg.Transport.ListenPort <= 0 || cfg.Transport.ListenPort > 65535 {
		return fmt.Errorf("transport.listen_port must be between 1 and 65535")
	}
	if cfg.Router.MatchThreshold < cfg.Router.MinRouteThreshold {
		return fmt.Errorf("router.match_threshold must be >= router.min_route_threshold")
	}
	return nil
}

// LoadRelayServerConfig loads relay server configuration from a YAML file.
func LoadRelayServerConfig(path string) (*RelayServerConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg RelayServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade relay-server", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}
	if cfg.Network.ListenAddress == "" {
		cfg.Network.ListenAddress = "0.0.0.0:8787"
	}
	if cfg.Health.Enabled && cfg.Health.ListenAddress == "" {
		cfg.Health.ListenAddress = "127.0.0.1:9090"
	}
	return &cfg, nil
}

// ValidateRelayServerConfig validates relay server configuration.
func ValidateRelayServerConfig(cfg *RelayServerConfig) error {
	if cfg.Network.ListenAddress == "" {
		return fmt.Errorf("network.listen_address is required")
	}
	return nil
}

// FindConfigFile searches for an atmosphere config file in standard
// locations. Search order: explicitPath (if given), ./atmosphere.yaml,
// ~/.config/atmosphere/config.yaml, /etc/atmosphere/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"atmosphere.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "atmosphere", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "atmosphere", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun with --init to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default atmosphere config directory
// (~/.config/atmosphere).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "atmosphere"), nil
}
