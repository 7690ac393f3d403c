// Package joincode renders a mesh's short join code: a human-shareable
// fingerprint of a mesh's identity, not a credential. It lets a user
// visually confirm they're joining the mesh they think they are; the
// actual join information (relay URL, endpoints, token) is delivered
// alongside it.
package joincode

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
)

// encoding is RFC 4648 base32 without padding, matching the spec's plain
// alphanumeric rendering (no '=' padding characters in a join code).
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate computes the 12-character base32 join code for a mesh:
// SHA-256 over "{meshID}:{meshPublicKey[:16]}", first 9 bytes of the
// digest, base32-encoded and grouped as XXXX-XXXX-XXXX.
// meshPublicKeyEncoded is the mesh's base64-encoded master public key;
// only its first 16 characters feed the fingerprint, matching the
// spec's "mesh_public_key[:16]" slice.
func Generate(meshID string, meshPublicKeyEncoded string) string {
	prefix := meshPublicKeyEncoded
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", meshID, prefix)))
	encoded := encoding.EncodeToString(sum[:9]) // 9 bytes -> 15 base32 chars, truncated below

	code := encoded[:12]
	return fmt.Sprintf("%s-%s-%s", code[0:4], code[4:8], code[8:12])
}
