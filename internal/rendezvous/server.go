// Package rendezvous implements the standalone relay server's core
// logic: a pure message-forwarding broker between nodes of the same
// mesh, with no routing, embedding, or capability-matching state of its
// own -- "pure rendezvous" per spec.md §9.
//
// Grounded on the teacher's internal/relay package: an in-memory,
// mutex-guarded registry lost on restart by design (TokenStore's own
// doc comment says as much), generalized from the teacher's per-code
// PairingGroup lifecycle (binary wire protocol, libp2p streams) to a
// per-mesh room of WebSocket connections speaking the plain JSON
// message set pkg/transport/relay's client uses.
package rendezvous

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Conn is the subset of *websocket.Conn the server needs, so this
// package stays independent of the websocket library and easy to test
// with a fake.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// member is one connected node within a mesh room.
type member struct {
	nodeID string
	name   string
	conn   Conn
}

// room holds every currently-connected member of one mesh. Membership
// is purely a live connection set -- nothing here is persisted, so a
// relay restart drops every room and every node simply reconnects and
// re-joins.
type room struct {
	mu            sync.Mutex
	meshID        string
	founderProof  bool // true once a register_mesh has succeeded for this mesh
	members       map[string]*member
}

// Server brokers messages between nodes of the same mesh. One Server
// instance handles every mesh the relay is willing to serve.
type Server struct {
	mu             sync.RWMutex
	rooms          map[string]*room
	allowedMeshIDs map[string]bool // empty set = allow any mesh
}

// NewServer constructs a Server. When allowedMeshIDs is non-empty, only
// register_mesh/join requests naming one of those mesh IDs are
// accepted; every other mesh is rejected at the door.
func NewServer(allowedMeshIDs []string) *Server {
	allowed := make(map[string]bool, len(allowedMeshIDs))
	for _, id := range allowedMeshIDs {
		allowed[id] = true
	}
	return &Server{
		rooms:          make(map[string]*room),
		allowedMeshIDs: allowed,
	}
}

// meshAllowed reports whether meshID may be served, per
// RelaySecurityConfig.AllowedMeshIDs.
func (s *Server) meshAllowed(meshID string) bool {
	if len(s.allowedMeshIDs) == 0 {
		return true
	}
	return s.allowedMeshIDs[meshID]
}

func (s *Server) roomFor(meshID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[meshID]
	if !ok {
		r = &room{meshID: meshID, members: make(map[string]*member)}
		s.rooms[meshID] = r
	}
	return r
}

// inbound mirrors the wire shape pkg/transport/relay's client sends:
// one JSON object tagged by "type", with every message kind's optional
// fields present but omitted when unused.
type inbound struct {
	Type            string          `json:"type"`
	MeshID          string          `json:"mesh_id"`
	MeshPublicKey   string          `json:"mesh_public_key"`
	FounderProof    string          `json:"founder_proof"`
	NodeID          string          `json:"node_id"`
	Name            string          `json:"name"`
	NodeName        string          `json:"node_name"`
	NodePublicKey   string          `json:"node_public_key"`
	Capabilities    []string        `json:"capabilities"`
	Payload         json.RawMessage `json:"payload"`
}

type broadcastPayload struct {
	Target string `json:"target"`
	Data   string `json:"data"`
}

// ErrRejected is returned by Join, RegisterMesh and Serve when the
// connecting node's handshake is rejected (mesh not allowed, bad message
// order); the caller should close the underlying socket.
type ErrRejected struct{ Reason string }

func (e *ErrRejected) Error() string { return "rendezvous: rejected: " + e.Reason }

// handleMessage processes one inbound frame from a node that has
// already completed its handshake (register_mesh or join) and is
// tracked as m. It never blocks on network I/O to other members beyond
// the per-member WriteJSON call.
func (s *Server) handleMessage(r *room, m *member, data []byte) error {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("rendezvous: undecodable frame from %s: %w", m.nodeID, err)
	}

	switch msg.Type {
	case "ping":
		return m.conn.WriteJSON(map[string]any{"type": "pong"})
	case "broadcast":
		return s.relayBroadcast(r, m, msg.Payload)
	default:
		slog.Debug("rendezvous: dropping unknown frame type", "type", msg.Type, "node", m.nodeID)
		return nil
	}
}

// relayBroadcast forwards a broadcast frame's payload to one target
// member (if payload.target is set) or to every other member of the
// room. The payload's "data" field is opaque base64 to this server --
// whatever FEC/JSON it contains is the client's concern, never the
// relay's.
func (s *Server) relayBroadcast(r *room, from *member, raw json.RawMessage) error {
	var payload broadcastPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("rendezvous: bad broadcast payload from %s: %w", from.nodeID, err)
	}

	envelope := map[string]any{
		"type":    "message",
		"from":    from.nodeID,
		"payload": payload.Data,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if payload.Target != "" {
		target, ok := r.members[payload.Target]
		if !ok {
			return fmt.Errorf("rendezvous: unknown target %s in mesh %s", payload.Target, r.meshID)
		}
		return target.conn.WriteJSON(envelope)
	}

	var firstErr error
	for id, mem := range r.members {
		if id == from.nodeID {
			continue
		}
		if err := mem.conn.WriteJSON(envelope); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Join registers conn as meshID's member nodeID, announces it to every
// existing member (peer_joined), and tells conn about every member
// already present. Returns the room so the caller's read loop can feed
// subsequent frames to handleMessage and call Leave on disconnect.
func (s *Server) Join(meshID, nodeID, name string, conn Conn) (*room, error) {
	if !s.meshAllowed(meshID) {
		return nil, &ErrRejected{Reason: "mesh not allowed"}
	}
	r := s.roomFor(meshID)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make([]*member, 0, len(r.members))
	for _, mem := range r.members {
		existing = append(existing, mem)
	}
	r.members[nodeID] = &member{nodeID: nodeID, name: name, conn: conn}

	for _, mem := range existing {
		_ = mem.conn.WriteJSON(map[string]any{"type": "peer_joined", "node_id": nodeID, "name": name})
		_ = conn.WriteJSON(map[string]any{"type": "peer_joined", "node_id": mem.nodeID, "name": mem.name})
	}

	slog.Info("rendezvous: node joined", "mesh", meshID, "node", nodeID, "members", len(r.members))
	return r, nil
}

// RegisterMesh marks meshID as founded and then performs the same join
// as Join. The relay never verifies the Ed25519 founder proof, and the
// founded flag is recorded only: Join does not consult it, so a join to
// a mesh that was never registered still creates that mesh's room.
func (s *Server) RegisterMesh(meshID, nodeID, name string, conn Conn) (*room, error) {
	if !s.meshAllowed(meshID) {
		return nil, &ErrRejected{Reason: "mesh not allowed"}
	}
	r := s.roomFor(meshID)
	r.mu.Lock()
	r.founderProof = true
	r.mu.Unlock()
	return s.Join(meshID, nodeID, name, conn)
}

// Leave removes nodeID from its room and announces its departure to
// every remaining member.
func (s *Server) Leave(r *room, nodeID string) {
	r.mu.Lock()
	delete(r.members, nodeID)
	remaining := make([]*member, 0, len(r.members))
	for _, mem := range r.members {
		remaining = append(remaining, mem)
	}
	r.mu.Unlock()

	for _, mem := range remaining {
		_ = mem.conn.WriteJSON(map[string]any{"type": "peer_left", "node_id": nodeID})
	}
	slog.Info("rendezvous: node left", "mesh", r.meshID, "node", nodeID)
}

// RoomCount returns the number of meshes with at least one connected
// member, for health/status reporting.
func (s *Server) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rooms {
		r.mu.Lock()
		if len(r.members) > 0 {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// dispatchHandshake inspects the first frame a newly connected socket
// sends and, on a recognized handshake type, completes the join.
// Unrelated first frames are rejected -- a connection must announce
// itself before sending anything else.
func (s *Server) dispatchHandshake(data []byte, conn Conn) (*room, *member, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("rendezvous: bad handshake frame: %w", err)
	}

	name := msg.Name
	if name == "" {
		name = msg.NodeName
	}

	var r *room
	var err error
	switch msg.Type {
	case "register_mesh":
		r, err = s.RegisterMesh(msg.MeshID, msg.NodeID, name, conn)
	case "join":
		r, err = s.Join(msg.MeshID, msg.NodeID, name, conn)
	default:
		return nil, nil, &ErrRejected{Reason: "first frame must be register_mesh or join, got " + msg.Type}
	}
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	m := r.members[msg.NodeID]
	r.mu.Unlock()
	return r, m, nil
}

// Serve drives one connection end to end: reads the handshake frame via
// readFrame, joins the appropriate room, then feeds every subsequent
// frame to handleMessage until readFrame returns an error (remote
// closed, read error, or ctx-driven shutdown), at which point it leaves
// the room and returns.
func (s *Server) Serve(conn Conn, readFrame func() ([]byte, error)) error {
	first, err := readFrame()
	if err != nil {
		return fmt.Errorf("rendezvous: handshake read: %w", err)
	}
	r, m, err := s.dispatchHandshake(first, conn)
	if err != nil {
		return err
	}
	defer s.Leave(r, m.nodeID)

	for {
		data, err := readFrame()
		if err != nil {
			return nil
		}
		if err := s.handleMessage(r, m, data); err != nil {
			slog.Warn("rendezvous: message handling failed", "node", m.nodeID, "error", err)
		}
	}
}

// IdleTimeout bounds how long a connection may go without sending any
// frame (including keepalive pings) before the server considers it
// dead. The relay client pings every 20s (pkg/transport/relay's
// keepaliveInterval); 3x that tolerates one missed tick.
const IdleTimeout = 60 * time.Second
