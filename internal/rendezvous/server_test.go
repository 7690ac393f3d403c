package rendezvous

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

// fakeConn is an in-memory rendezvous.Conn double that records every
// WriteJSON call.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
	sent   []map[string]any
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestJoinAnnouncesToExistingMembers(t *testing.T) {
	s := NewServer(nil)

	connA := &fakeConn{}
	if _, err := s.Join("mesh-1", "node-a", "alice", connA); err != nil {
		t.Fatalf("Join node-a: %v", err)
	}

	connB := &fakeConn{}
	roomB, err := s.Join("mesh-1", "node-b", "bob", connB)
	if err != nil {
		t.Fatalf("Join node-b: %v", err)
	}

	if connA.count() != 1 {
		t.Fatalf("expected node-a to be told about node-b once, got %d messages", connA.count())
	}
	if got := connA.last(); got["type"] != "peer_joined" || got["node_id"] != "node-b" {
		t.Fatalf("unexpected message to node-a: %+v", got)
	}

	if connB.count() != 1 {
		t.Fatalf("expected node-b to learn about node-a once, got %d messages", connB.count())
	}
	if got := connB.last(); got["type"] != "peer_joined" || got["node_id"] != "node-a" {
		t.Fatalf("unexpected message to node-b: %+v", got)
	}

	if len(roomB.members) != 2 {
		t.Fatalf("expected 2 members in room, got %d", len(roomB.members))
	}
}

func TestRegisterMeshThenJoinSharesRoom(t *testing.T) {
	s := NewServer(nil)

	founderConn := &fakeConn{}
	if _, err := s.RegisterMesh("mesh-1", "founder", "founder-node", founderConn); err != nil {
		t.Fatalf("RegisterMesh: %v", err)
	}

	joinerConn := &fakeConn{}
	if _, err := s.Join("mesh-1", "joiner", "joiner-node", joinerConn); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if founderConn.count() != 1 {
		t.Fatalf("expected founder to be notified of the joiner, got %d messages", founderConn.count())
	}
}

func TestMeshNotAllowedIsRejected(t *testing.T) {
	s := NewServer([]string{"allowed-mesh"})

	if _, err := s.Join("other-mesh", "node-a", "alice", &fakeConn{}); err == nil {
		t.Fatal("expected Join to a disallowed mesh to fail")
	}
	if _, err := s.Join("allowed-mesh", "node-a", "alice", &fakeConn{}); err != nil {
		t.Fatalf("expected Join to an allowed mesh to succeed, got %v", err)
	}
}

func TestRelayBroadcastToTarget(t *testing.T) {
	s := NewServer(nil)

	connA := &fakeConn{}
	roomA, _ := s.Join("mesh-1", "node-a", "alice", connA)
	connB := &fakeConn{}
	_, _ = s.Join("mesh-1", "node-b", "bob", connB)

	memberA := roomA.members["node-a"]
	// node-a already holds the peer_joined announcement for node-b.
	aBefore := connA.count()
	raw := json.RawMessage(fmt.Sprintf(`{"target":"node-b","data":"%s"}`, "aGVsbG8="))
	if err := s.relayBroadcast(roomA, memberA, raw); err != nil {
		t.Fatalf("relayBroadcast: %v", err)
	}

	msg := connB.last()
	if msg == nil || msg["type"] != "message" || msg["from"] != "node-a" || msg["payload"] != "aGVsbG8=" {
		t.Fatalf("unexpected message delivered to node-b: %+v", msg)
	}
	// The sender itself should not receive its own broadcast.
	if connA.count() != aBefore {
		t.Fatalf("expected node-a to receive nothing from the broadcast, got %d new messages", connA.count()-aBefore)
	}
}

func TestRelayBroadcastToAll(t *testing.T) {
	s := NewServer(nil)

	connA := &fakeConn{}
	roomA, _ := s.Join("mesh-1", "node-a", "alice", connA)
	connB := &fakeConn{}
	_, _ = s.Join("mesh-1", "node-b", "bob", connB)
	connC := &fakeConn{}
	_, _ = s.Join("mesh-1", "node-c", "carol", connC)

	memberA := roomA.members["node-a"]
	// b and c each already hold two peer_joined announcements.
	bBefore, cBefore := connB.count(), connC.count()
	raw := json.RawMessage(`{"data":"aGVsbG8="}`)
	if err := s.relayBroadcast(roomA, memberA, raw); err != nil {
		t.Fatalf("relayBroadcast: %v", err)
	}

	if connB.count() != bBefore+1 || connC.count() != cBefore+1 {
		t.Fatalf("expected both other members to receive the broadcast once, got b=+%d c=+%d", connB.count()-bBefore, connC.count()-cBefore)
	}
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	s := NewServer(nil)

	connA := &fakeConn{}
	roomA, _ := s.Join("mesh-1", "node-a", "alice", connA)
	connB := &fakeConn{}
	_, _ = s.Join("mesh-1", "node-b", "bob", connB)

	s.Leave(roomA, "node-b")

	msg := connA.last()
	if msg == nil || msg["type"] != "peer_left" || msg["node_id"] != "node-b" {
		t.Fatalf("unexpected departure message: %+v", msg)
	}
	if len(roomA.members) != 1 {
		t.Fatalf("expected 1 remaining member, got %d", len(roomA.members))
	}
}

func TestPingRespondsWithPong(t *testing.T) {
	s := NewServer(nil)
	conn := &fakeConn{}
	r, _ := s.Join("mesh-1", "node-a", "alice", conn)
	m := r.members["node-a"]

	if err := s.handleMessage(r, m, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := conn.last(); got["type"] != "pong" {
		t.Fatalf("expected pong, got %+v", got)
	}
}
