// Package relay implements the Relay transport: an outbound WebSocket
// client to a configured rendezvous server, speaking the exact JSON
// message set of spec.md §6. Reconnection uses exponential backoff,
// grounded on the teacher's peermanager reconnect-loop shape
// (pkg/p2pnet/peermanager.go) adapted from libp2p dialing to a single
// persistent WebSocket client connection.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llama-farm/atmosphere/pkg/transport"
)

// backoffSchedule is the spec's fixed reconnect backoff sequence,
// capped and retried forever while the node is running.
var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}

const keepaliveInterval = 20 * time.Second

// Identity supplies the signing key used for the founder proof.
type Identity interface {
	Sign(data []byte) []byte
	NodeID() string
}

// Config configures the relay transport.
type Config struct {
	URL          string
	MeshID       string
	MeshPublicKey string // base64, only sent by the founder on register_mesh
	NodeName     string
	IsFounder    bool
	FECEnabled   bool
}

// Transport implements transport.Transport as a single persistent
// WebSocket connection to a rendezvous relay server.
type Transport struct {
	cfg      Config
	identity Identity
	caps     func() []string

	conn   *websocket.Conn
	connMu sync.Mutex

	events    transport.Events
	available bool
	availMu   sync.Mutex

	fec *fecCodec

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending   map[string]chan outboundMessage // request_id -> response channel, for future RPC use
	pendingMu sync.Mutex
}

// New constructs a relay transport. When cfg.FECEnabled, broadcasts are
// wrapped in reed-solomon forward error correction shards.
func New(cfg Config, identity Identity, caps func() []string) *Transport {
	t := &Transport{
		cfg:      cfg,
		identity: identity,
		caps:     caps,
		pending:  make(map[string]chan outboundMessage),
	}
	if cfg.FECEnabled {
		t.fec = newFECCodec(4, 2)
	}
	return t
}

func (t *Transport) Kind() transport.Kind { return transport.KindRelay }

func (t *Transport) IsAvailable() bool {
	t.availMu.Lock()
	defer t.availMu.Unlock()
	return t.available
}

func (t *Transport) setAvailable(v bool) {
	t.availMu.Lock()
	t.available = v
	t.availMu.Unlock()
}

func (t *Transport) CostHint() float64 { return 0.6 }

// Start begins the reconnect-supervised connection loop.
func (t *Transport) Start(ctx context.Context, events transport.Events) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.events = events
	t.wg.Add(1)
	go t.supervisorLoop()
	return nil
}

// Stop cancels the supervisor loop and closes the connection.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

// supervisorLoop dials the relay, runs the read+keepalive loops until
// disconnection, then reconnects with the backoff schedule.
func (t *Transport) supervisorLoop() {
	defer t.wg.Done()
	attempt := 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		if err := t.connectOnce(); err != nil {
			slog.Warn("relay: connect failed", "error", err, "attempt", attempt)
			delay := backoffSchedule[min(attempt, len(backoffSchedule)-1)]
			attempt++
			select {
			case <-time.After(delay):
				continue
			case <-t.ctx.Done():
				return
			}
		}
		attempt = 0 // reset after a successful session ends cleanly

		if t.ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(backoffSchedule[0]):
		case <-t.ctx.Done():
			return
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (t *Transport) connectOnce() error {
	conn, _, err := websocket.DefaultDialer.DialContext(t.ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("relay: dial: %w", err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	t.setAvailable(true)

	if err := t.sendHandshake(); err != nil {
		conn.Close()
		t.setAvailable(false)
		return fmt.Errorf("relay: handshake: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.keepaliveLoop(sessionCtx, conn) }()
	go func() { defer wg.Done(); t.readLoop(sessionCtx, conn, cancel) }()
	wg.Wait()

	t.setAvailable(false)
	return nil
}

func (t *Transport) sendHandshake() error {
	if t.cfg.IsFounder {
		proof := t.identity.Sign([]byte(t.cfg.MeshID))
		return t.writeJSON(map[string]any{
			"type":           "register_mesh",
			"mesh_id":        t.cfg.MeshID,
			"mesh_public_key": t.cfg.MeshPublicKey,
			"founder_proof":  encodeBase64(proof),
			"node_id":        t.identity.NodeID(),
			"name":           t.cfg.NodeName,
			"node_public_key": t.cfg.MeshPublicKey,
			"capabilities":   t.caps(),
		})
	}
	return t.writeJSON(map[string]any{
		"type":         "join",
		"mesh_id":      t.cfg.MeshID,
		"node_id":      t.identity.NodeID(),
		"node_name":    t.cfg.NodeName,
		"capabilities": t.caps(),
	})
}

func (t *Transport) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.writeJSONOn(conn, map[string]any{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, done func()) {
	defer done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t.handleInbound(ctx, data)
		if ctx.Err() != nil {
			return
		}
	}
}

// inboundEnvelope captures the relay's inbound type tag plus the fields
// any given message type carries.
type inboundEnvelope struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	NodeID   string          `json:"node_id"`
	Payload  json.RawMessage `json:"payload"`
}

func (t *Transport) handleInbound(_ context.Context, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("relay: undecodable inbound message", "error", err)
		return
	}
	switch env.Type {
	case "pong":
		// keepalive acknowledged, nothing to do
	case "peer_joined":
		if t.events.OnPeerDiscovered != nil && env.NodeID != "" {
			t.events.OnPeerDiscovered(env.NodeID, transport.EndpointHints{"via": "relay"})
		}
		if t.events.OnPeerConnected != nil && env.NodeID != "" {
			t.events.OnPeerConnected(env.NodeID)
		}
	case "peer_left":
		if t.events.OnPeerDisconnected != nil && env.NodeID != "" {
			t.events.OnPeerDisconnected(env.NodeID)
		}
	case "message":
		if t.events.OnMessage != nil {
			payload, err := maybeDecodeFEC(env.Payload, t.fec)
			if err != nil {
				slog.Debug("relay: FEC decode failed", "error", err)
				return
			}
			t.events.OnMessage(env.From, payload)
		}
	case "chat_request", "llm_request", "route_request":
		if t.events.OnMessage != nil {
			t.events.OnMessage(env.From, data)
		}
	default:
		slog.Debug("relay: dropping unknown inbound type", "type", env.Type)
	}
}

// Connect is a no-op for the relay transport: the persistent connection
// already carries every reachable peer once joined/registered.
func (t *Transport) Connect(context.Context, string, transport.EndpointHints) error {
	return nil
}

// Disconnect is a no-op: individual peer connections aren't modeled over
// a shared relay socket.
func (t *Transport) Disconnect(string) error { return nil }

// Send delivers data to one peer via the relay's targeted payload field.
func (t *Transport) Send(_ context.Context, peerID string, data []byte) error {
	payload := map[string]any{"target": peerID, "data": encodeBase64(t.maybeFEC(data))}
	return t.writeJSON(map[string]any{"type": "broadcast", "payload": payload})
}

// Broadcast delivers data to all peers via the relay.
func (t *Transport) Broadcast(_ context.Context, data []byte) error {
	payload := map[string]any{"data": encodeBase64(t.maybeFEC(data))}
	return t.writeJSON(map[string]any{"type": "broadcast", "payload": payload})
}

func (t *Transport) maybeFEC(data []byte) []byte {
	if t.fec == nil {
		return data
	}
	encoded, err := t.fec.Encode(data)
	if err != nil {
		slog.Warn("relay: FEC encode failed, sending unwrapped", "error", err)
		return data
	}
	return encoded
}

func (t *Transport) writeJSON(v any) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	return t.writeJSONOn(conn, v)
}

func (t *Transport) writeJSONOn(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// outboundMessage is reserved for a future pending-response-future
// implementation of chat_request/route_request (spec.md §5's 60s wait).
type outboundMessage struct {
	RequestID string
	Data      []byte
}
