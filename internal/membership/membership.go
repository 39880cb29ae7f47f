// Package membership tracks the set of rooms the client has declared
// interest in. Joins made while disconnected are deferred, and the whole set
// is replayed verbatim after every successful (re)connect, so membership
// survives any number of disconnect cycles until an explicit leave.
package membership

import (
	"errors"
	"log"
	"sync"

	"github.com/swiftcart/chatkit/internal/transport"
	"github.com/swiftcart/chatkit/protocol"
)

// Sender is the narrow slice of the connection manager membership needs.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// Set holds the joined rooms in insertion order.
type Set struct {
	mu     sync.Mutex
	rooms  map[string]struct{}
	order  []string
	sender Sender
}

// New creates an empty membership set issuing commands through sender.
func New(sender Sender) *Set {
	return &Set{
		rooms:  make(map[string]struct{}),
		sender: sender,
	}
}

// Join adds the room to the joined set. Joining an already-joined room is a
// no-op. When disconnected the join is deferred, not an error: it will be
// sent by the next Replay.
func (s *Set) Join(roomID string) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.rooms[roomID] = struct{}{}
	s.order = append(s.order, roomID)
	s.mu.Unlock()

	err := s.sender.Send(protocol.TypeJoinRoom, protocol.JoinRoomCmd{RoomID: roomID})
	if errors.Is(err, transport.ErrNotConnected) {
		return nil // deferred until (re)connect
	}
	return err
}

// Leave removes the room from the joined set. Removal is unconditional even
// while disconnected; leaving a non-member room is a no-op.
func (s *Set) Leave(roomID string) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.rooms, roomID)
	for i, id := range s.order {
		if id == roomID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	err := s.sender.Send(protocol.TypeLeaveRoom, protocol.LeaveRoomCmd{RoomID: roomID})
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}

// Contains reports whether the room is in the joined set.
func (s *Set) Contains(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the joined rooms in join order.
func (s *Set) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Replay re-sends a join command for every room in join order. It is invoked
// by the connection manager after every successful (re)connect.
func (s *Set) Replay() {
	for _, roomID := range s.Rooms() {
		if err := s.sender.Send(protocol.TypeJoinRoom, protocol.JoinRoomCmd{RoomID: roomID}); err != nil {
			log.Printf("[membership] replay join %s: %v", roomID, err)
		}
	}
}

// Clear empties the joined set without notifying the server. It is called on
// explicit disconnect, which invalidates all membership state.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]struct{})
	s.order = nil
}
