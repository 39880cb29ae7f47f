package server

import (
	"net"
	"testing"
)

func newTestConn(sessionID, userID string) (*Connection, net.Conn) {
	client, server := net.Pipe()
	return &Connection{SessionID: sessionID, UserID: userID, Conn: server}, client
}

// ---------------------------------------------------------------------------
// Test: Add/Get/Remove lifecycle
// ---------------------------------------------------------------------------

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	conn, peer := newTestConn("s1", "u1")
	defer peer.Close()

	r.Add(conn)
	if got := r.Get("s1"); got != conn {
		t.Fatal("expected to find s1 after Add")
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}

	if !r.Remove("s1") {
		t.Fatal("expected Remove to report the connection was present")
	}
	if got := r.Get("s1"); got != nil {
		t.Fatal("expected s1 gone after Remove")
	}
	if r.Remove("s1") {
		t.Fatal("expected second Remove to report absence")
	}
}

// ---------------------------------------------------------------------------
// Test: Room membership tracking and cleanup on Remove
// ---------------------------------------------------------------------------

func TestRegistry_RoomMembership(t *testing.T) {
	r := NewRegistry()
	c1, p1 := newTestConn("s1", "u1")
	c2, p2 := newTestConn("s2", "u2")
	defer p1.Close()
	defer p2.Close()
	r.Add(c1)
	r.Add(c2)

	r.JoinRoom("room-1", c1)
	r.JoinRoom("room-1", c2)
	r.JoinRoom("room-2", c1)

	if got := len(r.RoomMembers("room-1")); got != 2 {
		t.Fatalf("expected 2 members in room-1, got %d", got)
	}

	r.LeaveRoom("room-1", "s2")
	members := r.RoomMembers("room-1")
	if len(members) != 1 || members[0].SessionID != "s1" {
		t.Fatalf("expected only s1 in room-1, got %v", members)
	}

	// Removing a session drops it from every room.
	r.Remove("s1")
	if got := len(r.RoomMembers("room-1")); got != 0 {
		t.Fatalf("expected room-1 empty after s1 removal, got %d", got)
	}
	if got := len(r.RoomMembers("room-2")); got != 0 {
		t.Fatalf("expected room-2 empty after s1 removal, got %d", got)
	}
}
