package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "atmosphere.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestLoadNodeConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
identity:
  name: test-node
`)
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Transport.ListenPort != 11451 {
		t.Fatalf("expected default listen port 11451, got %d", cfg.Transport.ListenPort)
	}
	if cfg.Gossip.AnnounceInterval.Seconds() != 30 {
		t.Fatalf("expected default announce interval 30s, got %v", cfg.Gossip.AnnounceInterval)
	}
	if cfg.Router.MatchThreshold != 0.75 || cfg.Router.MinRouteThreshold != 0.50 {
		t.Fatalf("unexpected router defaults: %+v", cfg.Router)
	}
	if cfg.Embedding.Dimension != 768 || cfg.Embedding.Backend != "hash" {
		t.Fatalf("unexpected embedding defaults: %+v", cfg.Embedding)
	}
	if cfg.Identity.KeyFile == "" || cfg.Mesh.MeshFile == "" {
		t.Fatalf("expected state-dir-derived default paths, got %+v / %+v", cfg.Identity, cfg.Mesh)
	}
}

func TestLoadNodeConfigRejectsFutureVersion(t *testing.T) {
	path := writeConfigFile(t, "version: 99\n")
	if _, err := LoadNodeConfig(path); err == nil {
		t.Fatalf("expected error for unsupported config version")
	}
}

func TestLoadNodeConfigRejectsLoosePermissions(t *testing.T) {
	path := writeConfigFile(t, "identity:\n  name: test\n")
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := LoadNodeConfig(path); err == nil {
		t.Fatalf("expected error for world-readable config file")
	}
}

func TestLoadNodeConfigExplicitOverrides(t *testing.T) {
	path := writeConfigFile(t, `
transport:
  listen_port: 9000
router:
  match_threshold: 0.9
  min_route_threshold: 0.6
`)
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Transport.ListenPort != 9000 {
		t.Fatalf("expected overridden listen port 9000, got %d", cfg.Transport.ListenPort)
	}
	if cfg.Router.MatchThreshold != 0.9 || cfg.Router.MinRouteThreshold != 0.6 {
		t.Fatalf("unexpected router overrides: %+v", cfg.Router)
	}
}

func TestValidateNodeConfigRejectsBadPort(t *testing.T) {
	cfg := &NodeConfig{Transport: TransportConfig{ListenPort: 99999}}
	if err := ValidateNodeConfig(cfg); err == nil {
		t.Fatalf("expected error for out-of-range listen port")
	}
}

func TestValidateNodeConfigRejectsInvertedThresholds(t *testing.T) {
	cfg := &NodeConfig{
		Transport: TransportConfig{ListenPort: 11451},
		Router:    RouterConfig{MatchThreshold: 0.3, MinRouteThreshold: 0.5},
	}
	if err := ValidateNodeConfig(cfg); err == nil {
		t.Fatalf("expected error when match threshold is below min route threshold")
	}
}

func TestLoadRelayServerConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, "version: 1\n")
	cfg, err := LoadRelayServerConfig(path)
	if err != nil {
		t.Fatalf("LoadRelayServerConfig: %v", err)
	}
	if cfg.Network.ListenAddress != "0.0.0.0:8787" {
		t.Fatalf("expected default listen address, got %s", cfg.Network.ListenAddress)
	}
}

func TestLoadRelayServerConfigRejectsFutureVersion(t *testing.T) {
	path := writeConfigFile(t, "version: 42\n")
	if _, err := LoadRelayServerConfig(path); err == nil {
		t.Fatalf("expected error for unsupported relay config version")
	}
}

func TestValidateRelayServerConfigRequiresListenAddress(t *testing.T) {
	if err := ValidateRelayServerConfig(&RelayServerConfig{}); err == nil {
		t.Fatalf("expected error for empty listen address")
	}
}

func TestFindConfigFileExplicitPath(t *testing.T) {
	path := writeConfigFile(t, "version: 1\n")
	got, err := FindConfigFile(path)
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if got != path {
		t.Fatalf("expected %s, got %s", path, got)
	}
}

func TestFindConfigFileMissingExplicitPath(t *testing.T) {
	if _, err := FindConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config path")
	}
}
