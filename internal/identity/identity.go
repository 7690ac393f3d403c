// Package identity manages a node's Ed25519 key pair and the derived
// node ID. A node identity is created once per install and persisted to
// disk with owner-only permissions; it is rotated only by explicit user
// action (see Rotate).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"
)

// CheckKeyFilePermissions verifies that a key file is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Identity is a node's persistent Ed25519 identity plus the metadata
// recorded in identity.json per the spec's persisted state layout.
type Identity struct {
	PrivateKey   ed25519.PrivateKey `json:"-"`
	Name         string             `json:"name"`
	HardwareHash string             `json:"hardware_hash"`
	CreatedAt    time.Time          `json:"created_at"`
}

// onDisk mirrors identity.json's wire shape:
// {"private_key" (hex), "name", "hardware_hash", "created_at"}.
type onDisk struct {
	PrivateKeyHex string    `json:"private_key"`
	Name          string    `json:"name"`
	HardwareHash  string    `json:"hardware_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// NodeID returns the first 16 hex characters of SHA-256 over the public key.
func (id *Identity) NodeID() string {
	return NodeIDFromPublicKey(id.PrivateKey.Public().(ed25519.PublicKey))
}

// PublicKey returns the Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.PrivateKey.Public().(ed25519.PublicKey)
}

// Sign signs msg with the node's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// NodeIDFromPublicKey derives a node ID from a raw Ed25519 public key,
// independent of any loaded Identity (used to verify remote nodes).
func NodeIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8]) // 8 bytes -> 16 hex chars
}

// Generate creates a fresh Ed25519 key pair and hardware fingerprint.
func Generate(name string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	hw, err := HardwareFingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to compute hardware fingerprint: %w", err)
	}
	return &Identity{
		PrivateKey:   priv,
		Name:         name,
		HardwareHash: hw,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Save persists the identity to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	disk := onDisk{
		PrivateKeyHex: hex.EncodeToString(id.PrivateKey),
		Name:          id.Name,
		HardwareHash:  id.HardwareHash,
		CreatedAt:     id.CreatedAt,
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to save identity to %s: %w", path, err)
	}
	return nil
}

// Load reads an identity previously written by Save, refusing to proceed
// if the file's permissions have been loosened since it was written.
func Load(path string) (*Identity, error) {
	if err := CheckKeyFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity from %s: %w", path, err)
	}
	var disk onDisk
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity from %s: %w", path, err)
	}
	raw, err := hex.DecodeString(disk.PrivateKeyHex)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file %s contains a malformed private key", path)
	}
	return &Identity{
		PrivateKey:   ed25519.PrivateKey(raw),
		Name:         disk.Name,
		HardwareHash: disk.HardwareHash,
		CreatedAt:    disk.CreatedAt,
	}, nil
}

// LoadOrGenerate loads an existing identity from path or creates and
// persists a new one.
func LoadOrGenerate(path, name string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	id, err := Generate(name)
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Rotate replaces the identity's key material in place and persists the
// result. Rotation is never performed implicitly — callers must invoke
// this only in response to an explicit user action, per the spec's
// identity lifecycle rule.
func (id *Identity) Rotate(path string) error {
	fresh, err := Generate(id.Name)
	if err != nil {
		return err
	}
	fresh.HardwareHash = id.HardwareHash
	*id = *fresh
	return id.Save(path)
}
