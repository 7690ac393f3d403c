package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/llama-farm/atmosphere/pkg/transport"
)

type fakeIdentity struct{ id string }

func (f fakeIdentity) Sign(data []byte) []byte { return append([]byte("sig:"), data...) }
func (f fakeIdentity) NodeID() string          { return f.id }

func TestKindAndCostHint(t *testing.T) {
	tr := New(Config{URL: "ws://relay.example/ws", MeshID: "mesh-1"}, fakeIdentity{id: "node-a"}, func() []string { return nil })
	if tr.Kind() != "relay" {
		t.Fatalf("expected kind relay, got %s", tr.Kind())
	}
	if tr.CostHint() <= 0 || tr.CostHint() >= 1 {
		t.Fatalf("expected cost hint in (0,1), got %f", tr.CostHint())
	}
	if tr.IsAvailable() {
		t.Fatalf("expected relay transport to report unavailable before Start")
	}
}

func TestSendWithoutConnectionReturnsNotConnected(t *testing.T) {
	tr := New(Config{URL: "ws://relay.example/ws"}, fakeIdentity{id: "node-a"}, func() []string { return nil })
	if err := tr.Send(nil, "peer-b", []byte("hi")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected sending before the relay connection is established, got %v", err)
	}
}

func TestFECRoundTrip(t *testing.T) {
	codec := newFECCodec(4, 2)
	original := []byte("the quick brown fox jumps over the lazy dog, repeated for shard padding")

	encoded, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != string(original) {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, original)
	}
}

func TestFECReconstructsMissingShard(t *testing.T) {
	codec := newFECCodec(4, 2)
	original := []byte("reed-solomon parity shards should recover one lost data shard")

	encoded, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var env fecEnvelope
	if err := json.Unmarshal(encoded, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	env.Shards[1] = "" // simulate a dropped shard
	corrupted, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	decoded, err := codec.Decode(corrupted)
	if err != nil {
		t.Fatalf("Decode with missing shard: %v", err)
	}
	if string(decoded) != string(original) {
		t.Fatalf("reconstruct mismatch: got %q want %q", decoded, original)
	}
}
