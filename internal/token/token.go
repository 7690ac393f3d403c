// Package token implements signed membership tokens: the offline-
// verifiable credential a node presents to prove it belongs to a mesh.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/llama-farm/atmosphere/internal/canon"
)

// MaxTTL is the hard cap on a token's lifetime: 7 days, matching the
// spec's "expires_at (capped at 7 days)" rule.
const MaxTTL = 7 * 24 * time.Hour

const nonceSize = 16

// Closed set of verification outcomes, matching the CredentialError
// taxonomy: a token is either ok or fails for exactly one of these
// reasons. Higher layers do not retry on any of them.
var (
	ErrExpired     = errors.New("token: expired")
	ErrWrongNode   = errors.New("token: subject does not match claimed node")
	ErrReplay      = errors.New("token: nonce already consumed")
	ErrBadSignature = errors.New("token: bad signature")
	ErrUnknownMesh = errors.New("token: unknown mesh")
)

// Token is a signed membership claim. SubjectNodeID empty means an open
// invite, usable by any node (subject to single-use-per-nonce tracking).
type Token struct {
	MeshID        string   `json:"mesh_id"`
	SubjectNodeID string   `json:"subject_node_id,omitempty"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
	Capabilities  []string `json:"capabilities"`
	IssuerNodeID  string   `json:"issuer_node_id"`
	Nonce         string   `json:"nonce"` // base64 of 16 random bytes
	Signature     string   `json:"signature"`
}

// signedFields is every Token field except Signature — the canonical
// payload that gets signed.
type signedFields struct {
	MeshID        string   `json:"mesh_id"`
	SubjectNodeID string   `json:"subject_node_id,omitempty"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
	Capabilities  []string `json:"capabilities"`
	IssuerNodeID  string   `json:"issuer_node_id"`
	Nonce         string   `json:"nonce"`
}

func (t *Token) canonicalBytes() ([]byte, error) {
	f := signedFields{
		MeshID:        t.MeshID,
		SubjectNodeID: t.SubjectNodeID,
		IssuedAt:      t.IssuedAt,
		ExpiresAt:     t.ExpiresAt,
		Capabilities:  canon.MarshalSortedStrings(t.Capabilities),
		IssuerNodeID:  t.IssuerNodeID,
		Nonce:         t.Nonce,
	}
	return canon.Marshal(f)
}

// IssueToken signs a new membership token. ttl is clamped to [1s, MaxTTL];
// a ttl outside that range is silently clamped rather than rejected,
// matching the spec's "capped at 7 days" phrasing (a cap, not a failure).
func IssueToken(issuerPriv ed25519.PrivateKey, meshID, issuerNodeID, subjectNodeID string, caps []string, ttl time.Duration) (*Token, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("token: generate nonce: %w", err)
	}

	now := time.Now().UTC()
	tok := &Token{
		MeshID:        meshID,
		SubjectNodeID: subjectNodeID,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
		Capabilities:  canon.MarshalSortedStrings(caps),
		IssuerNodeID:  issuerNodeID,
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
	}

	payload, err := tok.canonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("token: canonicalize: %w", err)
	}
	sig := ed25519.Sign(issuerPriv, payload)
	tok.Signature = base64.StdEncoding.EncodeToString(sig)
	return tok, nil
}

// NonceChecker records and rejects previously-seen nonces, scoped per
// mesh. Implemented by *NonceStore; accepted here as an interface so
// VerifyToken can be tested with a fake.
type NonceChecker interface {
	CheckAndConsume(meshID, nonce string, expiresAt int64) bool
}

// VerifyToken validates a token against the issuing mesh's master public
// key. claimedNodeID is the node ID of whoever presented the token; it
// must match the token's subject unless the token is an open invite
// (empty SubjectNodeID).
func VerifyToken(tok *Token, meshPublicKey ed25519.PublicKey, claimedNodeID string, nonces NonceChecker) error {
	if meshPublicKey == nil {
		return ErrUnknownMesh
	}

	payload, err := tok.canonicalBytes()
	if err != nil {
		return fmt.Errorf("%w: canonicalize failed: %v", ErrBadSignature, err)
	}
	sig, err := base64.StdEncoding.DecodeString(tok.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrBadSignature)
	}
	if !ed25519.Verify(meshPublicKey, payload, sig) {
		return ErrBadSignature
	}

	if time.Now().UTC().Unix() > tok.ExpiresAt {
		return ErrExpired
	}

	if tok.SubjectNodeID != "" && tok.SubjectNodeID != claimedNodeID {
		return ErrWrongNode
	}

	if tok.SubjectNodeID == "" {
		// Open invite: single-use per nonce.
		if !nonces.CheckAndConsume(tok.MeshID, tok.Nonce, tok.ExpiresAt) {
			return ErrReplay
		}
	}

	return nil
}
