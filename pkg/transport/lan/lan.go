// Package lan implements the LAN transport: mDNS service advertisement
// and discovery under a fixed service type, with peer connections made
// over a direct WebSocket to the peer's advertised port.
//
// Grounded on the teacher's pkg/p2pnet/mdns.go discovery-loop shape
// (periodic rebrowse, per-peer dedup, bounded concurrent connect
// semaphore), with the libp2p host.Host dial replaced by a
// gorilla/websocket.Dialer, per spec.md §4.6's literal "direct WebSocket
// to the peer's advertised port".
package lan

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/zeroconf/v2"

	"github.com/llama-farm/atmosphere/pkg/transport"
)

// ServiceName is the fixed mDNS service type for atmosphere nodes.
const ServiceName = "_atmosphere._tcp"

const (
	browseInterval  = 30 * time.Second
	browseTimeout   = 10 * time.Second
	dedupeInterval  = 30 * time.Second
	maxConcurrent   = 5
	connectTimeout  = 5 * time.Second
)

// Transport implements transport.Transport over mDNS discovery and
// direct WebSocket connections.
type Transport struct {
	nodeID       string
	meshID       string
	capabilities func() []string
	listenPort   int

	server *zeroconf.Server
	events transport.Events

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastTry  map[string]time.Time
	conns    map[string]*websocket.Conn
	sem      chan struct{}
}

// New constructs a LAN transport. capabilities is called at advertise
// time so the TXT record reflects the node's current capability set.
func New(nodeID, meshID string, listenPort int, capabilities func() []string) *Transport {
	return &Transport{
		nodeID:       nodeID,
		meshID:       meshID,
		capabilities: capabilities,
		listenPort:   listenPort,
		lastTry:      make(map[string]time.Time),
		conns:        make(map[string]*websocket.Conn),
		sem:          make(chan struct{}, maxConcurrent),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindLAN }

func (t *Transport) IsAvailable() bool { return true }

func (t *Transport) CostHint() float64 { return 0.1 }

// Start registers the mDNS service and begins the periodic browse loop.
func (t *Transport) Start(ctx context.Context, events transport.Events) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.events = events

	txt := []string{
		"node_id=" + t.nodeID,
		"mesh_id=" + t.meshID,
		"capabilities=" + strings.Join(t.capabilities(), ","),
	}
	server, err := zeroconf.Register(t.nodeID, ServiceName, "local.", t.listenPort, txt, nil)
	if err != nil {
		return fmt.Errorf("lan: register mdns service: %w", err)
	}
	t.server = server

	t.wg.Add(1)
	go t.browseLoop()
	return nil
}

// Stop shuts down mDNS advertising and closes all live connections.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.server != nil {
		t.server.Shutdown()
	}
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for peerID, conn := range t.conns {
		conn.Close()
		delete(t.conns, peerID)
	}
	return nil
}

func (t *Transport) browseLoop() {
	defer t.wg.Done()

	select {
	case <-time.After(2 * time.Second):
	case <-t.ctx.Done():
		return
	}
	t.runBrowse()

	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.runBrowse()
		}
	}
}

func (t *Transport) runBrowse() {
	browseCtx, cancel := context.WithTimeout(t.ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 20)
	go func() {
		if err := zeroconf.Browse(browseCtx, ServiceName, "local.", entries); err != nil && t.ctx.Err() == nil {
			slog.Debug("lan: browse error", "error", err)
		}
	}()

	for entry := range entries {
		t.handleEntry(entry)
	}
}

func (t *Transport) handleEntry(entry *zeroconf.ServiceEntry) {
	fields := map[string]string{}
	for _, txt := range entry.Text {
		if k, v, ok := strings.Cut(txt, "="); ok {
			fields[k] = v
		}
	}
	peerID := fields["node_id"]
	if peerID == "" || peerID == t.nodeID {
		return
	}

	t.mu.Lock()
	if last, ok := t.lastTry[peerID]; ok && time.Since(last) < dedupeInterval {
		t.mu.Unlock()
		return
	}
	t.lastTry[peerID] = time.Now()
	t.mu.Unlock()

	hints := transport.EndpointHints{
		"host": entry.HostName,
		"port": entry.Port,
		"ips":  entry.AddrIPv4,
	}
	if t.events.OnPeerDiscovered != nil {
		t.events.OnPeerDiscovered(peerID, hints)
	}

	select {
	case t.sem <- struct{}{}:
	default:
		return // at the concurrent-connect cap; next rebrowse will retry
	}
	go func() {
		defer func() { <-t.sem }()
		ctx, cancel := context.WithTimeout(t.ctx, connectTimeout)
		defer cancel()
		if err := t.Connect(ctx, peerID, hints); err != nil {
			slog.Debug("lan: connect failed", "peer", peerID, "error", err)
		}
	}()
}

// Connect dials a direct WebSocket to the peer's advertised port.
func (t *Transport) Connect(ctx context.Context, peerID string, hints transport.EndpointHints) error {
	t.mu.Lock()
	if _, ok := t.conns[peerID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	host, _ := hints["host"].(string)
	port, _ := hints["port"].(int)
	if host == "" || port == 0 {
		return fmt.Errorf("lan: missing host/port hints for %s", peerID)
	}

	url := "ws://" + host + ":" + strconv.Itoa(port) + "/atmosphere"
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("lan: dial %s: %w", peerID, err)
	}

	t.mu.Lock()
	t.conns[peerID] = conn
	t.mu.Unlock()

	if t.events.OnPeerConnected != nil {
		t.events.OnPeerConnected(peerID)
	}

	t.wg.Add(1)
	go t.readLoop(peerID, conn)
	return nil
}

func (t *Transport) readLoop(peerID string, conn *websocket.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, peerID)
		t.mu.Unlock()
		if t.events.OnPeerDisconnected != nil {
			t.events.OnPeerDisconnected(peerID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if t.events.OnMessage != nil {
			t.events.OnMessage(peerID, data)
		}
	}
}

// Disconnect closes the connection to peerID, if any.
func (t *Transport) Disconnect(peerID string) error {
	t.mu.Lock()
	conn, ok := t.conns[peerID]
	delete(t.conns, peerID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Send writes data to the peer's connection.
func (t *Transport) Send(_ context.Context, peerID string, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[peerID]
	t.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast writes data to every connected peer.
func (t *Transport) Broadcast(_ context.Context, data []byte) error {
	t.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
