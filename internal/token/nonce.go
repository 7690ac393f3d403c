package token

import "sync"

// nonceEntry records an observed open-invite nonce and the expiry of the
// token it belonged to, so NonceStore can sweep it once that token would
// have expired anyway.
type nonceEntry struct {
	expiresAt int64
}

// NonceStore tracks consumed open-invite nonces, scoped per mesh.
// Modeled on the teacher's relay TokenStore: an in-memory map guarded by
// a mutex, swept by expiry rather than by an external TTL cache. Nonce
// values are 16 bytes of randomness chosen by the token issuer and never
// compared against attacker-controlled secret data, so plain map lookups
// are used instead of the teacher's constant-time slot comparison (that
// defends a *secret* pairing token against timing attacks; a nonce is
// public the moment the token carrying it is handed out).
type NonceStore struct {
	mu      sync.Mutex
	entries map[string]map[string]nonceEntry // meshID -> nonce -> entry
}

// NewNonceStore creates an empty nonce store.
func NewNonceStore() *NonceStore {
	return &NonceStore{entries: make(map[string]map[string]nonceEntry)}
}

// CheckAndConsume returns false if nonce was already recorded for meshID
// (a replay), otherwise records it and returns true.
func (ns *NonceStore) CheckAndConsume(meshID, nonce string, expiresAt int64) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	mesh, ok := ns.entries[meshID]
	if !ok {
		mesh = make(map[string]nonceEntry)
		ns.entries[meshID] = mesh
	}
	if _, seen := mesh[nonce]; seen {
		return false
	}
	mesh[nonce] = nonceEntry{expiresAt: expiresAt}
	return true
}

// CleanExpired removes every recorded nonce whose associated token
// expiry (now) has passed, and returns how many were removed.
func (ns *NonceStore) CleanExpired(now int64) int {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	removed := 0
	for meshID, mesh := range ns.entries {
		for nonce, entry := range mesh {
			if now > entry.expiresAt {
				delete(mesh, nonce)
				removed++
			}
		}
		if len(mesh) == 0 {
			delete(ns.entries, meshID)
		}
	}
	return removed
}
