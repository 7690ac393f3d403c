// Package libp2p implements the experimental LibP2P transport: a
// full libp2p host over TCP, QUIC and WebSocket, discovering and
// routing through peers via the Kademlia DHT. Disabled by default per
// LibP2PConfig.Enabled — this transport exists for nodes that need
// NAT traversal and WAN-scale peer discovery beyond what LAN mDNS and
// the relay rendezvous server provide.
//
// Grounded on the teacher's pkg/p2pnet host-construction shape
// (TCP+QUIC+WS transports, connection manager, identify), generalized
// from the teacher's fixed protocol ID to atmosphere's own gossip wire
// protocol and DHT namespace.
package libp2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/llama-farm/atmosphere/pkg/transport"
)

// ProtocolID is the stream protocol atmosphere nodes speak over libp2p.
const ProtocolID = protocol.ID("/atmosphere/gossip/1.0.0")

// dhtNamespace scopes the Kademlia DHT's provider records to this mesh.
const dhtNamespace = "/atmosphere/mesh/"

// Config configures the libp2p transport.
type Config struct {
	ListenAddrs []string // multiaddrs, e.g. "/ip4/0.0.0.0/tcp/11452"
	MeshID      string
}

// Transport implements transport.Transport over a libp2p host with a
// Kademlia DHT for peer routing.
type Transport struct {
	cfg Config

	host host.Host
	dht  *dht.IpfsDHT

	events transport.Events

	mu      sync.Mutex
	streams map[string]network.Stream
}

// New constructs a libp2p transport. The host and DHT are created in
// Start, not here, so construction never touches the network.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, streams: make(map[string]network.Stream)}
}

func (t *Transport) Kind() transport.Kind { return transport.KindLibP2P }

func (t *Transport) IsAvailable() bool { return t.host != nil }

func (t *Transport) CostHint() float64 { return 0.4 }

// Start builds the libp2p host, starts the DHT in server mode, and
// registers the gossip stream handler.
func (t *Transport) Start(ctx context.Context, events transport.Events) error {
	t.events = events

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(t.cfg.ListenAddrs...),
		libp2p.EnableRelay(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return fmt.Errorf("libp2p: new host: %w", err)
	}
	t.host = h

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.ProtocolPrefix(protocol.ID(dhtNamespace+t.cfg.MeshID)))
	if err != nil {
		h.Close()
		return fmt.Errorf("libp2p: new dht: %w", err)
	}
	if err := kad.Bootstrap(ctx); err != nil {
		slog.Warn("libp2p: dht bootstrap returned an error, continuing", "error", err)
	}
	t.dht = kad

	h.SetStreamHandler(ProtocolID, t.handleStream)
	return nil
}

// Stop closes the DHT and host, dropping every open stream.
func (t *Transport) Stop() error {
	t.mu.Lock()
	for id, s := range t.streams {
		s.Close()
		delete(t.streams, id)
	}
	t.mu.Unlock()

	if t.dht != nil {
		t.dht.Close()
	}
	if t.host != nil {
		return t.host.Close()
	}
	return nil
}

func (t *Transport) handleStream(s network.Stream) {
	peerID := s.Conn().RemotePeer().String()
	t.storeStream(peerID, s)
	if t.events.OnPeerConnected != nil {
		t.events.OnPeerConnected(peerID)
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := s.Read(buf)
		if n > 0 && t.events.OnMessage != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.events.OnMessage(peerID, data)
		}
		if err != nil {
			t.dropStream(peerID)
			if t.events.OnPeerDisconnected != nil {
				t.events.OnPeerDisconnected(peerID)
			}
			return
		}
	}
}

func (t *Transport) storeStream(peerID string, s network.Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[peerID] = s
}

func (t *Transport) dropStream(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, peerID)
}

// Connect dials peerID directly if hints carry a multiaddr, otherwise
// resolves it through the DHT's peer routing before dialing.
func (t *Transport) Connect(ctx context.Context, peerID string, hints transport.EndpointHints) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("libp2p: decode peer id %s: %w", peerID, err)
	}

	if addrStr, ok := hints["multiaddr"].(string); ok && addrStr != "" {
		maddr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			return fmt.Errorf("libp2p: parse multiaddr: %w", err)
		}
		t.host.Peerstore().AddAddr(pid, maddr, peerstore.TempAddrTTL)
	} else {
		info, err := t.dht.FindPeer(ctx, pid)
		if err != nil {
			return fmt.Errorf("libp2p: find peer via dht: %w", err)
		}
		t.host.Peerstore().AddAddrs(pid, info.Addrs, peerstore.TempAddrTTL)
	}

	s, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return fmt.Errorf("libp2p: open stream: %w", err)
	}
	t.storeStream(peerID, s)
	go t.handleStream(s)
	return nil
}

// Disconnect closes the stream to peerID, if any.
func (t *Transport) Disconnect(peerID string) error {
	t.mu.Lock()
	s, ok := t.streams[peerID]
	delete(t.streams, peerID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// Send writes data to the open stream for peerID.
func (t *Transport) Send(_ context.Context, peerID string, data []byte) error {
	t.mu.Lock()
	s, ok := t.streams[peerID]
	t.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}
	_, err := s.Write(data)
	return err
}

// Broadcast writes data to every open stream.
func (t *Transport) Broadcast(_ context.Context, data []byte) error {
	t.mu.Lock()
	streams := make([]network.Stream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if _, err := s.Write(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
