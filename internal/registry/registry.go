// Package registry implements the persistent device registry
// (devices.json): every peer this node has ever seen, independent of
// whether it is currently reachable. Unlike the routing table and
// gradient table -- which hold only live, staleness-bounded state --
// the registry is an append-and-update log kept across restarts.
//
// Grounded on the teacher's internal/reputation.PeerHistory
// (load-mutate-atomic-save-on-a-JSON-map shape), generalized from pure
// interaction statistics to the spec's device-identity fields (name,
// type, capabilities, trust level) and given an explicit version field
// for forward migration.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// registryVersion is bumped when the on-disk schema changes shape.
const registryVersion = 1

// TrustLevel is a coarse, locally-assigned trust tier for a known
// device; it is never gossiped and never computed from others' input.
type TrustLevel string

const (
	TrustUnknown TrustLevel = "unknown"
	TrustSeen    TrustLevel = "seen"
	TrustTrusted TrustLevel = "trusted"
	TrustBlocked TrustLevel = "blocked"
)

// Device is one devices.json entry: a peer this node has ever seen.
type Device struct {
	NodeID       string     `json:"node_id"`
	Name         string     `json:"name"`
	DeviceType   string     `json:"device_type,omitempty"`
	Capabilities []string   `json:"capabilities"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	Trust        TrustLevel `json:"trust"`
}

type onDisk struct {
	Version int                `json:"version"`
	Devices map[string]*Device `json:"devices"`
}

// Registry is the concurrent-safe, file-backed device registry.
type Registry struct {
	mu      sync.RWMutex
	path    string
	devices map[string]*Device
}

// Open loads path if it exists, or starts an empty registry that Save
// will create on first write.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, devices: make(map[string]*Device)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var doc onDisk
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path, err)
	}
	if doc.Version > registryVersion {
		return fmt.Errorf("registry: %s was written by a newer version (got %d, support up to %d)", r.path, doc.Version, registryVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.Devices != nil {
		r.devices = doc.Devices
	}
	return nil
}

// Save writes the registry to disk atomically via a temp-file rename.
func (r *Registry) Save() error {
	r.mu.RLock()
	doc := onDisk{Version: registryVersion, Devices: r.devices}
	data, err := json.MarshalIndent(doc, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("registry: rename temp file: %w", err)
	}
	return nil
}

// Observe records (or refreshes) a sighting of a peer: first-seen is set
// only the first time, last-seen and capabilities always refresh, and
// trust starts at TrustSeen for a brand-new device.
func (r *Registry) Observe(nodeID, name, deviceType string, capabilities []string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[nodeID]
	if !ok {
		d = &Device{NodeID: nodeID, FirstSeen: now, Trust: TrustSeen}
		r.devices[nodeID] = d
	}
	d.Name = name
	if deviceType != "" {
		d.DeviceType = deviceType
	}
	d.Capabilities = capabilities
	d.LastSeen = now
}

// SetTrust assigns a trust tier to a known device. It is a no-op if the
// device has never been observed.
func (r *Registry) SetTrust(nodeID string, trust TrustLevel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[nodeID]
	if !ok {
		return false
	}
	d.Trust = trust
	return true
}

// Get returns a copy of the device record for nodeID, if known.
func (r *Registry) Get(nodeID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[nodeID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// IsBlocked reports whether nodeID has been explicitly blocked.
func (r *Registry) IsBlocked(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[nodeID]
	return ok && d.Trust == TrustBlocked
}

// All returns a snapshot of every known device.
func (r *Registry) All() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// Count returns the number of devices ever seen.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
