package meshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Founder is a founding member recorded on a MeshIdentity: node ID,
// public key, the Shamir share index assigned to them, their claimed
// capabilities, hardware hash, and join time.
type Founder struct {
	NodeID       string    `json:"node_id"`
	PublicKey    string    `json:"public_key"` // base64 Ed25519 node public key
	ShareIndex   int       `json:"share_index"`
	Capabilities []string  `json:"capabilities"`
	HardwareHash string    `json:"hardware_hash"`
	JoinedAt     time.Time `json:"join_time"`
}

// MeshIdentity is the public metadata of a mesh, persisted as mesh.json.
// The master private key itself is never held in memory longer than the
// call to CreateMesh; only Shamir shares of it exist afterward.
type MeshIdentity struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	MasterPublicKey ed25519.PublicKey  `json:"-"`
	Threshold       int                `json:"threshold"`
	TotalShares     int                `json:"total_shares"`
	Founders        []Founder          `json:"founders"`
}

type onDiskMesh struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	MasterPublicKey string    `json:"master_public_key"`
	Threshold       int       `json:"threshold"`
	TotalShares     int       `json:"total_shares"`
	Founders        []Founder `json:"founders"`
}

// MeshIDFromPublicKey derives a mesh ID from a raw master public key: the
// first 16 hex characters of SHA-256 over it.
func MeshIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// CreateMesh generates a fresh master Ed25519 key pair, splits its seed
// into n Shamir shares (threshold t), and records the creating founder
// with share index 1. It returns the mesh, the creator's own share (index
// 1, to be persisted locally alongside mesh.json), and the remaining n-1
// shares for out-of-band distribution to the other founders.
func CreateMesh(name string, threshold, shares int, founderNodeID string, founderPublicKey ed25519.PublicKey, founderCaps []string, hardwareHash string) (mesh *MeshIdentity, founderShare Share, pending []Share, err error) {
	if threshold < 1 || shares < threshold || shares > 10 {
		return nil, Share{}, nil, fmt.Errorf("meshkey: invalid threshold/shares (t=%d n=%d, require 1<=t<=n<=10)", threshold, shares)
	}

	// The secret must be sampled as a uniform element of Z_p (the same
	// field Split/Combine operate over) rather than generated as an
	// independent 32-byte seed and reduced afterward: reducing a seed
	// mod fieldPrime after the fact changes its value for roughly half
	// of all 32-byte seeds (fieldPrime is ~2^255, so any seed at or
	// above it gets truncated), which would make the seed Split shares
	// and the seed ReconstructMasterKey recovers two different values.
	// Sampling directly from Z_p keeps Split's constant term, and
	// therefore Combine's reconstructed value, bit-for-bit identical to
	// the value the seed is derived from below.
	secretInt, err := rand.Int(rand.Reader, fieldPrime)
	if err != nil {
		return nil, Share{}, nil, fmt.Errorf("meshkey: generate master secret: %w", err)
	}
	seed := make([]byte, ed25519.SeedSize)
	secretInt.FillBytes(seed)
	masterPriv := ed25519.NewKeyFromSeed(seed)
	masterPub := masterPriv.Public().(ed25519.PublicKey)

	allShares, err := Split(secretInt, threshold, shares)
	if err != nil {
		return nil, Share{}, nil, err
	}

	mesh = &MeshIdentity{
		ID:              MeshIDFromPublicKey(masterPub),
		Name:            name,
		MasterPublicKey: masterPub,
		Threshold:       threshold,
		TotalShares:     shares,
		Founders: []Founder{{
			NodeID:       founderNodeID,
			PublicKey:    base64.StdEncoding.EncodeToString(founderPublicKey),
			ShareIndex:   1,
			Capabilities: append([]string(nil), founderCaps...),
			HardwareHash: hardwareHash,
			JoinedAt:     time.Now().UTC(),
		}},
	}

	pending = make([]Share, 0, shares-1)
	for _, s := range allShares {
		if s.Index == 1 {
			founderShare = s
			continue
		}
		pending = append(pending, s)
	}
	return mesh, founderShare, pending, nil
}

// ReconstructMasterKey recombines a threshold-sized set of shares into
// the mesh master key pair. Callers are responsible for presenting at
// least Threshold distinct shares; presenting fewer yields a
// cryptographically unrelated key, not an error.
func ReconstructMasterKey(shares []Share) (ed25519.PrivateKey, error) {
	secretInt, err := Combine(shares)
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	secretInt.FillBytes(seed)
	return ed25519.NewKeyFromSeed(seed), nil
}

// AddFounder records a new founding member holding the given share index.
// Used when pre-allocated pending shares (returned by CreateMesh) are
// handed out to the other founders during the initial mesh bootstrap.
func (m *MeshIdentity) AddFounder(f Founder) {
	m.Founders = append(m.Founders, f)
}
