package libp2p

import (
	"errors"
	"testing"

	"github.com/llama-farm/atmosphere/pkg/transport"
)

func TestKindAndAvailabilityBeforeStart(t *testing.T) {
	tr := New(Config{ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"}, MeshID: "mesh-1"})
	if tr.Kind() != "libp2p" {
		t.Fatalf("expected kind libp2p, got %s", tr.Kind())
	}
	if tr.IsAvailable() {
		t.Fatalf("expected transport to be unavailable before Start constructs a host")
	}
	if tr.CostHint() <= 0 || tr.CostHint() >= 1 {
		t.Fatalf("expected cost hint in (0,1), got %f", tr.CostHint())
	}
}

func TestSendWithoutStreamReturnsNotConnected(t *testing.T) {
	tr := New(Config{ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"}})
	if err := tr.Send(nil, "12D3KooWnonexistent", []byte("hi")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected sending without an open stream, got %v", err)
	}
}
