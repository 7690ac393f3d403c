// Package transport defines the Transport abstraction C6 (Transport
// Manager) drives: a pluggable delivery substrate with its own cost
// hint and availability, so the manager can run every transport a peer
// supports concurrently and fail over between them instantly.
package transport

import (
	"context"
	"errors"
)

// Kind tags which concrete transport produced a connection or event.
type Kind string

const (
	KindLAN    Kind = "lan"
	KindRelay  Kind = "relay"
	KindLibP2P Kind = "libp2p"
)

// ErrNotConnected is returned by Send when no connection to the peer
// exists on this transport.
var ErrNotConnected = errors.New("transport: peer not connected")

// ErrUnavailable signals that a transport itself is not currently
// usable. None of the transports in this module returns it; the manager
// skips unavailable transports by checking IsAvailable instead.
var ErrUnavailable = errors.New("transport: unavailable")

// EndpointHints carries whatever addressing information a transport
// needs to dial a peer (LAN IP:port, relay mesh ID, and so on); concrete
// transports type-assert to their own hint shape.
type EndpointHints map[string]any

// Events is the set of callbacks a Transport invokes as peers and
// messages arrive. Any of these may be nil.
type Events struct {
	OnPeerDiscovered  func(peerID string, hints EndpointHints)
	OnPeerConnected   func(peerID string)
	OnPeerDisconnected func(peerID string)
	OnMessage         func(peerID string, data []byte)
}

// Transport is the manager-facing contract every concrete transport
// (LAN, Relay, libp2p) satisfies.
type Transport interface {
	// Kind identifies this transport for routing-table cost lookups.
	Kind() Kind

	// Start begins advertising/listening/connecting in the background
	// and returns once the transport is ready to accept Connect calls.
	// It must return promptly; long-lived work runs in goroutines
	// tracked internally and drained on Stop.
	Start(ctx context.Context, events Events) error

	// Stop cancels all background work and blocks until it has drained.
	Stop() error

	// IsAvailable reports whether this transport can currently be used
	// (e.g. false for Relay while it has no live connection to the relay
	// server).
	IsAvailable() bool

	// CostHint is a coarse, transport-intrinsic cost estimate in
	// [0,1]; LAN is cheap, relay is expensive. The manager and the
	// routing table do not read it: route cost comes from measured
	// latency, hops and reliability only.
	CostHint() float64

	// Connect establishes (or reuses) a connection to peerID using the
	// given hints.
	Connect(ctx context.Context, peerID string, hints EndpointHints) error

	// Disconnect tears down any connection to peerID.
	Disconnect(peerID string) error

	// Send delivers data to one connected peer.
	Send(ctx context.Context, peerID string, data []byte) error

	// Broadcast delivers data to every connected peer.
	Broadcast(ctx context.Context, data []byte) error
}
