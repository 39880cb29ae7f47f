package membership

import (
	"sync"
	"testing"

	"github.com/swiftcart/chatkit/internal/transport"
	"github.com/swiftcart/chatkit/protocol"
)

// fakeSender records commands and can simulate a disconnected transport.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.JoinRoomCmd
	left      []protocol.LeaveRoomCmd
}

func (f *fakeSender) Send(msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	switch msgType {
	case protocol.TypeJoinRoom:
		f.sent = append(f.sent, payload.(protocol.JoinRoomCmd))
	case protocol.TypeLeaveRoom:
		f.left = append(f.left, payload.(protocol.LeaveRoomCmd))
	}
	return nil
}

func (f *fakeSender) joins() []protocol.JoinRoomCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.JoinRoomCmd, len(f.sent))
	copy(out, f.sent)
	return out
}

// ---------------------------------------------------------------------------
// Test: Join is idempotent
// ---------------------------------------------------------------------------

func TestSet_JoinIdempotent(t *testing.T) {
	sender := &fakeSender{connected: true}
	s := New(sender)

	if err := s.Join("room-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Join("room-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(s.Rooms()); got != 1 {
		t.Fatalf("expected 1 joined room, got %d", got)
	}
	if got := len(sender.joins()); got != 1 {
		t.Fatalf("expected 1 join command, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Joins while disconnected are deferred, not errors
// ---------------------------------------------------------------------------

func TestSet_JoinWhileDisconnected(t *testing.T) {
	sender := &fakeSender{connected: false}
	s := New(sender)

	if err := s.Join("room-1"); err != nil {
		t.Fatalf("expected deferred join, got error: %v", err)
	}
	if !s.Contains("room-1") {
		t.Fatal("expected room-1 in joined set despite disconnection")
	}
	if got := len(sender.joins()); got != 0 {
		t.Fatalf("expected no commands while disconnected, got %d", got)
	}

	// Reconnect: the replay sends the deferred join.
	sender.mu.Lock()
	sender.connected = true
	sender.mu.Unlock()
	s.Replay()

	joins := sender.joins()
	if len(joins) != 1 || joins[0].RoomID != "room-1" {
		t.Fatalf("expected replayed join for room-1, got %v", joins)
	}
}

// ---------------------------------------------------------------------------
// Test: Replay re-sends every room in join order
// ---------------------------------------------------------------------------

func TestSet_ReplayOrder(t *testing.T) {
	sender := &fakeSender{connected: true}
	s := New(sender)

	for _, id := range []string{"room-b", "room-a", "room-c"} {
		if err := s.Join(id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}

	sender.mu.Lock()
	sender.sent = nil
	sender.mu.Unlock()

	s.Replay()

	joins := sender.joins()
	if len(joins) != 3 {
		t.Fatalf("expected 3 replayed joins, got %d", len(joins))
	}
	want := []string{"room-b", "room-a", "room-c"}
	for i, cmd := range joins {
		if cmd.RoomID != want[i] {
			t.Errorf("replay[%d]: expected %q, got %q", i, want[i], cmd.RoomID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Leave removes the room even while disconnected
// ---------------------------------------------------------------------------

func TestSet_LeaveWhileDisconnected(t *testing.T) {
	sender := &fakeSender{connected: true}
	s := New(sender)
	if err := s.Join("room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	sender.mu.Lock()
	sender.connected = false
	sender.mu.Unlock()

	if err := s.Leave("room-1"); err != nil {
		t.Fatalf("expected silent leave while disconnected, got %v", err)
	}
	if s.Contains("room-1") {
		t.Fatal("expected room-1 removed from joined set")
	}

	// The room must not come back on replay.
	sender.mu.Lock()
	sender.connected = true
	sender.mu.Unlock()
	s.Replay()
	if got := len(sender.joins()); got != 1 {
		t.Fatalf("expected only the original join, got %d commands", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Leaving a non-member room is a no-op
// ---------------------------------------------------------------------------

func TestSet_LeaveNonMember(t *testing.T) {
	sender := &fakeSender{connected: true}
	s := New(sender)

	if err := s.Leave("room-x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.left) != 0 {
		t.Fatalf("expected no leave command for non-member, got %d", len(sender.left))
	}
}
