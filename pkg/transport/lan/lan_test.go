package lan

import (
	"errors"
	"testing"

	"github.com/llama-farm/atmosphere/pkg/transport"
)

func TestKindAndCostHint(t *testing.T) {
	tr := New("node-a", "mesh-1", 11451, func() []string { return nil })
	if tr.Kind() != "lan" {
		t.Fatalf("expected kind lan, got %s", tr.Kind())
	}
	if tr.CostHint() <= 0 || tr.CostHint() >= 1 {
		t.Fatalf("expected cost hint in (0,1), got %f", tr.CostHint())
	}
	if !tr.IsAvailable() {
		t.Fatalf("expected LAN transport to always report available")
	}
}

func TestSendWithoutConnectionReturnsNotConnected(t *testing.T) {
	tr := New("node-a", "mesh-1", 11451, func() []string { return []string{"chat"} })
	if err := tr.Send(nil, "peer-b", []byte("hi")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected sending to an unconnected peer, got %v", err)
	}
}
