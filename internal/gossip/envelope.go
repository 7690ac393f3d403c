// Package gossip builds and processes announcement envelopes: the
// distance-vector propagation mechanism by which capability and routing
// information spreads across the mesh.
package gossip

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MaxTTL bounds an envelope's hop budget.
const MaxTTL = 10

// DefaultAnnounceInterval is how often the announcement loop fires.
const DefaultAnnounceInterval = 30 * time.Second

// DefaultNonceCacheTTL is the replay-window / clock-skew tolerance.
const DefaultNonceCacheTTL = 300 * time.Second

// DefaultMaxCapabilities caps how many capability entries one envelope
// carries.
const DefaultMaxCapabilities = 50

// EnvelopeCapability is one capability entry carried in an envelope.
type EnvelopeCapability struct {
	ID                 string            `json:"id"`
	Label              string            `json:"label"`
	Description        string            `json:"description"`
	Vector             []float32         `json:"vector"`
	Local              bool              `json:"local"`
	Hops               int               `json:"hops"`
	Via                *string           `json:"via"`
	Models             []string          `json:"models"`
	Constraints        map[string]string `json:"constraints"`
	EstimatedLatencyMs float64           `json:"estimated_latency_ms"`
}

// Resources is an optional resource snapshot carried on an envelope.
type Resources struct {
	CPUAvailable      float64 `json:"cpu_available"`
	MemoryAvailableMB float64 `json:"memory_available_mb"`
	GPUAvailable      bool    `json:"gpu_available"`
	BatteryPercent    *float64 `json:"battery_percent,omitempty"`
}

// Endpoints is an optional endpoint snapshot carried on an envelope.
type Endpoints struct {
	NodeID      string   `json:"node_id"`
	LocalIPs    []string `json:"local_ips"`
	LocalPort   int      `json:"local_port"`
	RelayURL    string   `json:"relay_url,omitempty"`
	LastUpdated float64  `json:"last_updated"`
}

// Envelope is the wire shape of a gossip announcement.
type Envelope struct {
	Type         string                `json:"type"` // always "announce"
	From         string                `json:"from"`
	Capabilities []EnvelopeCapability  `json:"capabilities"`
	Timestamp    float64               `json:"timestamp"`
	TTL          int                   `json:"ttl"`
	Nonce        string                `json:"nonce"` // 32 hex chars
	Resources    *Resources            `json:"resources,omitempty"`
	Endpoints    *Endpoints            `json:"endpoints,omitempty"`
}

// NewNonce generates a fresh 32-hex-character nonce (16 random bytes).
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("gossip: generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Marshal encodes an envelope to its wire JSON form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire envelope, validating the required fields and
// bounds the spec places on them.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("gossip: malformed envelope: %w", err)
	}
	if e.Type != "announce" {
		return nil, fmt.Errorf("gossip: unexpected envelope type %q", e.Type)
	}
	if e.From == "" {
		return nil, fmt.Errorf("gossip: envelope missing from_node")
	}
	if e.TTL < 1 || e.TTL > MaxTTL {
		return nil, fmt.Errorf("gossip: envelope TTL %d out of range [1,%d]", e.TTL, MaxTTL)
	}
	if len(e.Nonce) != 32 {
		return nil, fmt.Errorf("gossip: envelope nonce must be 32 hex chars, got %d", len(e.Nonce))
	}
	return &e, nil
}
