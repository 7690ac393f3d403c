// Package capability defines the Capability record: one advertised
// function a node can perform, together with the embedding vector that
// lets the semantic router match intents against it.
package capability

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Capability is one entry in a node's local capability set.
type Capability struct {
	ID           string            // "node_id:label"
	Label        string
	Description  string
	Vector       []float32         // L2-normalized, fixed dimension d
	HandlerTag   string            // opaque key the local executor understands
	Models       []cid.Cid         // backing model identifiers, content-addressed
	Constraints  map[string]string // free-form
}

// ID builds the stable capability ID "node_id:label".
func ID(nodeID, label string) string {
	return fmt.Sprintf("%s:%s", nodeID, label)
}

// ModelStrings renders Models as their string CID form, for wire
// encoding in announcement envelopes and capability registration
// payloads.
func (c Capability) ModelStrings() []string {
	out := make([]string, len(c.Models))
	for i, m := range c.Models {
		out[i] = m.String()
	}
	return out
}

// ParseModelRef parses a CID string into a model reference. Capability
// registration accepts plain identifiers too (any string an executor
// recognizes); callers that don't have a real CID should construct one
// with cid.NewCidV1 over a multihash of the identifier rather than
// calling this parser.
func ParseModelRef(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("capability: invalid model reference %q: %w", s, err)
	}
	return c, nil
}

// NewModelRef content-addresses an arbitrary model identifier (e.g. a
// model name and revision string) into a CIDv1 over a SHA-256 multihash,
// so backing models can be named consistently even when the executor
// only knows them by a human string, not an existing CID.
func NewModelRef(identifier string) (cid.Cid, error) {
	mh, err := multihash.Sum([]byte(identifier), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("capability: hash model identifier %q: %w", identifier, err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
