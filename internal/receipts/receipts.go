// Package receipts propagates read receipts in both directions and maintains
// the per-room unread counters. The local read intent is authoritative for
// local UI: markRead zeroes the counter immediately, whether or not the
// receipt can currently be sent.
package receipts

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/swiftcart/chatkit/cache"
	"github.com/swiftcart/chatkit/internal/bus"
	"github.com/swiftcart/chatkit/internal/transport"
	"github.com/swiftcart/chatkit/protocol"
)

// Sender is the slice of the connection manager the syncer needs.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// Sync applies inbound receipts to the shared cache and tracks unread
// counts. ActiveRoom is consulted on every inbound message so that messages
// in the room the user is looking at never accrue.
type Sync struct {
	sender     Sender
	bus        *bus.Bus
	store      cache.Store
	localUser  string
	activeRoom func() string

	mu     sync.Mutex
	counts map[string]int
}

// New creates a Sync for the given local user. activeRoom returns the
// currently active room id, or an empty string.
func New(sender Sender, b *bus.Bus, store cache.Store, localUser string, activeRoom func() string) *Sync {
	return &Sync{
		sender:     sender,
		bus:        b,
		store:      store,
		localUser:  localUser,
		activeRoom: activeRoom,
		counts:     make(map[string]int),
	}
}

// MarkRead sends a read receipt for the room (best-effort, never retried)
// and unconditionally zeroes the local unread counter, regardless of
// connection state.
func (s *Sync) MarkRead(ctx context.Context, roomID string, messageIDs ...string) error {
	s.setCount(roomID, 0)

	err := s.sender.Send(protocol.TypeMarkRead, protocol.MarkReadCmd{
		RoomID:     roomID,
		MessageIDs: messageIDs,
	})
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}

// HandleMessage accrues unread state for an inbound message. The counter
// only moves for messages authored by other users in rooms other than the
// active one.
func (s *Sync) HandleMessage(msg protocol.Message) {
	if msg.SenderID == s.localUser {
		return
	}
	if s.activeRoom != nil && s.activeRoom() == msg.RoomID {
		return
	}
	s.mu.Lock()
	s.counts[msg.RoomID]++
	n := s.counts[msg.RoomID]
	s.mu.Unlock()

	s.bus.Publish(bus.UnreadChangedEvent{RoomID: msg.RoomID, Count: n})
}

// HandleRead applies an inbound read receipt. A receipt from another user
// marks their view of our messages as read in the shared cache; a receipt
// from the local user (read on another device) clears the unread counter.
// The two addressing modes are applied independently when both are present.
func (s *Sync) HandleRead(ev bus.ReadEvent) {
	if ev.UserID == s.localUser {
		s.setCount(ev.RoomID, 0)
		return
	}

	ctx := context.Background()
	for _, id := range ev.MessageIDs {
		if err := s.store.UpdateStatus(ctx, ev.RoomID, id, protocol.StatusRead); err != nil {
			log.Printf("[receipts] mark %s read: %v", id, err)
		}
	}
	if ev.LastReadMessageID != "" {
		if err := s.store.MarkReadUpTo(ctx, ev.RoomID, ev.LastReadMessageID, ev.UserID); err != nil {
			log.Printf("[receipts] mark up to %s read: %v", ev.LastReadMessageID, err)
		}
	}
}

// Count returns the unread count for a room.
func (s *Sync) Count(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[roomID]
}

// Counts returns a copy of all non-zero unread counters.
func (s *Sync) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (s *Sync) setCount(roomID string, n int) {
	s.mu.Lock()
	prev := s.counts[roomID]
	if n == 0 {
		delete(s.counts, roomID)
	} else {
		s.counts[roomID] = n
	}
	s.mu.Unlock()

	if prev != n {
		s.bus.Publish(bus.UnreadChangedEvent{RoomID: roomID, Count: n})
	}
}

// Clear drops all counters without publishing. It is called on explicit
// disconnect.
func (s *Sync) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}
