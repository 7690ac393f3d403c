// Package federation implements signed federation links: a statement by
// which a parent mesh delegates a bounded slice of its authority to a
// child mesh. Verification needs only the parent's public key and never
// touches the network, so a child mesh can operate fully disconnected
// from its parent once it holds a valid link.
package federation

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/llama-farm/atmosphere/internal/canon"
)

var (
	// ErrBadSignature is returned when a link's signature does not verify
	// against the claimed parent public key.
	ErrBadSignature = errors.New("federation: bad signature")
	// ErrExpired is returned when a link's expiry has passed.
	ErrExpired = errors.New("federation: link expired")
)

// Link binds a child mesh to a parent mesh with a bounded grant of
// capabilities, device tier, and the ability to create further children.
// ExpiresAt of zero means the link never expires.
type Link struct {
	ChildMeshID        string    `json:"child_mesh_id"`
	ChildPublicKey     string    `json:"child_public_key"` // base64
	ParentMeshID       string    `json:"parent_mesh_id"`
	ParentPublicKey    string    `json:"parent_public_key"` // base64
	AllowedCapabilities []string `json:"allowed_capabilities"`
	MaxDeviceTier      int       `json:"max_device_tier"`
	CanCreateChildren  bool      `json:"can_create_children"`
	CreatedAt          int64     `json:"created_at"`
	ExpiresAt          int64     `json:"expires_at"`
	Signature          string    `json:"signature"` // base64, absent from signed payload
}

// signedFields is the subset of Link that is covered by the signature —
// everything except Signature itself.
type signedFields struct {
	ChildMeshID         string   `json:"child_mesh_id"`
	ChildPublicKey      string   `json:"child_public_key"`
	ParentMeshID        string   `json:"parent_mesh_id"`
	ParentPublicKey     string   `json:"parent_public_key"`
	AllowedCapabilities []string `json:"allowed_capabilities"`
	MaxDeviceTier       int      `json:"max_device_tier"`
	CanCreateChildren   bool     `json:"can_create_children"`
	CreatedAt           int64    `json:"created_at"`
	ExpiresAt           int64    `json:"expires_at"`
}

func (l *Link) canonicalBytes() ([]byte, error) {
	f := signedFields{
		ChildMeshID:         l.ChildMeshID,
		ChildPublicKey:      l.ChildPublicKey,
		ParentMeshID:        l.ParentMeshID,
		ParentPublicKey:     l.ParentPublicKey,
		AllowedCapabilities: canon.MarshalSortedStrings(l.AllowedCapabilities),
		MaxDeviceTier:       l.MaxDeviceTier,
		CanCreateChildren:   l.CanCreateChildren,
		CreatedAt:           l.CreatedAt,
		ExpiresAt:           l.ExpiresAt,
	}
	return canon.Marshal(f)
}

// CreateLink signs a new federation link with the parent's master
// private key. expiresDays of 0 means the link never expires.
func CreateLink(parentPriv ed25519.PrivateKey, parentMeshID string, childMeshID string, childPublicKey ed25519.PublicKey, allowedCaps []string, maxTier int, canCreateChildren bool, expiresDays int) (*Link, error) {
	parentPub := parentPriv.Public().(ed25519.PublicKey)

	var expiresAt int64
	if expiresDays > 0 {
		expiresAt = time.Now().UTC().Add(time.Duration(expiresDays) * 24 * time.Hour).Unix()
	}

	link := &Link{
		ChildMeshID:         childMeshID,
		ChildPublicKey:      base64.StdEncoding.EncodeToString(childPublicKey),
		ParentMeshID:        parentMeshID,
		ParentPublicKey:     base64.StdEncoding.EncodeToString(parentPub),
		AllowedCapabilities: canon.MarshalSortedStrings(allowedCaps),
		MaxDeviceTier:       maxTier,
		CanCreateChildren:   canCreateChildren,
		CreatedAt:           time.Now().UTC().Unix(),
		ExpiresAt:           expiresAt,
	}

	payload, err := link.canonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("federation: canonicalize link: %w", err)
	}
	sig := ed25519.Sign(parentPriv, payload)
	link.Signature = base64.StdEncoding.EncodeToString(sig)
	return link, nil
}

// Verify checks a link's signature against the given parent public key
// and its expiry against now. It never contacts the network.
func Verify(link *Link, parentPublicKey ed25519.PublicKey, now time.Time) error {
	payload, err := link.canonicalBytes()
	if err != nil {
		return fmt.Errorf("federation: canonicalize link: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(link.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrBadSignature)
	}
	if !ed25519.Verify(parentPublicKey, payload, sig) {
		return ErrBadSignature
	}
	if link.ExpiresAt != 0 && now.Unix() > link.ExpiresAt {
		return ErrExpired
	}
	return nil
}
