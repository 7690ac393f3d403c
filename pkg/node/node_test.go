package node

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/llama-farm/atmosphere/internal/config"
	"github.com/llama-farm/atmosphere/internal/embedding"
	"github.com/llama-farm/atmosphere/internal/executor"
	"github.com/llama-farm/atmosphere/internal/gradient"
	"github.com/llama-farm/atmosphere/internal/identity"
	"github.com/llama-farm/atmosphere/internal/registry"
	"github.com/llama-farm/atmosphere/internal/routing"
	"github.com/llama-farm/atmosphere/internal/semrouter"
	"github.com/llama-farm/atmosphere/internal/trigger"
	"github.com/llama-farm/atmosphere/pkg/transport"
)

// fakeTransport is a minimal transport.Transport double that records
// every Send and lets a test simulate a peer connecting by invoking the
// events its Start call was given.
type fakeTransport struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	events transport.Events
}

func newFakeTransport() *fakeTransport { return &fakeTransport{sent: make(map[string][][]byte)} }

func (f *fakeTransport) Kind() transport.Kind { return transport.KindLAN }

func (f *fakeTransport) Start(_ context.Context, events transport.Events) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
	return nil
}

func (f *fakeTransport) Stop() error                                                 { return nil }
func (f *fakeTransport) IsAvailable() bool                                           { return true }
func (f *fakeTransport) CostHint() float64                                           { return 0.1 }
func (f *fakeTransport) Connect(context.Context, string, transport.EndpointHints) error { return nil }
func (f *fakeTransport) Disconnect(string) error                                     { return nil }
func (f *fakeTransport) Broadcast(context.Context, []byte) error                     { return nil }

// simulateConnected fires the OnPeerConnected callback the manager
// registered at Start, as a real transport would after a handshake.
func (f *fakeTransport) simulateConnected(peerID string) {
	f.mu.Lock()
	cb := f.events.OnPeerConnected
	f.mu.Unlock()
	if cb != nil {
		cb(peerID)
	}
}

func (f *fakeTransport) Send(_ context.Context, peerID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = append(f.sent[peerID], data)
	return nil
}

func (f *fakeTransport) lastSent(peerID string) (llmResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[peerID]
	if len(msgs) == 0 {
		return llmResponse{}, false
	}
	var resp llmResponse
	if err := json.Unmarshal(msgs[len(msgs)-1], &resp); err != nil {
		return llmResponse{}, false
	}
	return resp, true
}

// newTestNode builds a Node with real capability/trigger/executor
// plumbing but a fake single transport, bypassing New's config-driven
// transport construction so tests never touch the network.
func newTestNode(t *testing.T) (*Node, *fakeTransport) {
	t.Helper()
	id, err := identity.Generate("test-node")
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	embedder := embedding.New(embedding.NewHashBackend(64), 100)
	gradientTable := gradient.New(10, 0, 64)
	routingTable := routing.New(0)
	capRouter := semrouter.New(id.NodeID(), embedder, gradientTable, 0, 0)
	devices, err := registry.Open(t.TempDir() + "/devices.json")
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	ft := newFakeTransport()
	n := &Node{
		cfg:           config.NodeConfig{StateDir: t.TempDir()},
		identity:      id,
		embedder:      embedder,
		gradientTable: gradientTable,
		routingTable:  routingTable,
		capRouter:     capRouter,
		triggers:      trigger.New(semanticFallback{capRouter}, 0),
		executors:     executor.NewRegistry(),
		devices:       devices,
	}
	n.transports = transport.NewManager(routingTable, dispatcher{n}, ft)
	return n, ft
}

func TestHandleRPCRoutesLocalCapabilityAndResponds(t *testing.T) {
	n, ft := newTestNode(t)
	ctx := context.Background()

	cap, err := n.capRouter.RegisterCapability(ctx, "echo", "echoes the input text back", "echo-handler", nil, nil)
	if err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}
	n.executors.Register("echo-handler", executor.HandlerFunc(func(_ context.Context, label string, kwargs map[string]any) (executor.Result, error) {
		return executor.Result{Success: true, Data: map[string]any{"text": "echoed: " + label}}, nil
	}))

	if err := n.transports.Start(ctx); err != nil {
		t.Fatalf("transports.Start: %v", err)
	}
	ft.simulateConnected("peer-caller")

	raw, _ := json.Marshal(rpcMessage{RequestID: "req-1", From: "peer-caller", Intent: "echoes the input text back"})
	n.handleRPC(ctx, "peer-caller", "route_request", raw)

	resp, ok := ft.lastSent("peer-caller")
	if !ok {
		t.Fatalf("expected a response sent to peer-caller")
	}
	if resp.RequestID != "req-1" || resp.Error != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Response != "echoed: "+cap.Label {
		t.Fatalf("expected echoed response, got %q", resp.Response)
	}
}

func TestHandleRPCNoMatchRespondsWithError(t *testing.T) {
	n, ft := newTestNode(t)
	ctx := context.Background()
	if err := n.transports.Start(ctx); err != nil {
		t.Fatalf("transports.Start: %v", err)
	}
	ft.simulateConnected("peer-caller")

	raw, _ := json.Marshal(rpcMessage{RequestID: "req-2", From: "peer-caller", Intent: "completely unrelated text nobody registered"})
	n.handleRPC(ctx, "peer-caller", "route_request", raw)

	resp, ok := ft.lastSent("peer-caller")
	if !ok {
		t.Fatalf("expected an error response sent to peer-caller")
	}
	if resp.Error == "" {
		t.Fatalf("expected a non-empty error, got %+v", resp)
	}
}

func TestLocalCapsSourceConvertsCapabilities(t *testing.T) {
	n, _ := newTestNode(t)
	ctx := context.Background()
	if _, err := n.capRouter.RegisterCapability(ctx, "summarize", "summarizes text", "summarizer", nil, nil); err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}

	caps := localCapsSource{n.capRouter}.LocalCapabilities()
	if len(caps) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(caps))
	}
	if !caps[0].Local || caps[0].Hops != 0 {
		t.Fatalf("expected a local, zero-hop capability, got %+v", caps[0])
	}
}

func TestSemanticFallbackReportsNoMatchAsFalse(t *testing.T) {
	n, _ := newTestNode(t)
	fb := semanticFallback{n.capRouter}
	if _, ok := fb.RouteIntentText(context.Background(), "nothing registered matches this"); ok {
		t.Fatalf("expected no match for an empty capability set")
	}
}
