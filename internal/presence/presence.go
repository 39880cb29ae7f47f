// Package presence tracks per-room, per-user typing indicators. Inbound
// typing-start events self-expire after a fixed window unless refreshed;
// outbound typing intent is forwarded best-effort and never queued or
// retried, because typing is a hint, not a fact that must survive
// disconnection.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/swiftcart/chatkit/internal/bus"
	"github.com/swiftcart/chatkit/internal/metrics"
	"github.com/swiftcart/chatkit/internal/transport"
	"github.com/swiftcart/chatkit/protocol"
)

// DefaultExpiry is how long a typing indicator stays visible without a
// refresh or an explicit stop.
const DefaultExpiry = 5 * time.Second

// Sender is the slice of the connection manager the tracker needs.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

type key struct {
	roomID string
	userID string
}

// Tracker holds the live typing entries and their expiry timers.
type Tracker struct {
	sender Sender
	bus    *bus.Bus
	clk    clock.Clock
	expiry time.Duration

	mu     sync.Mutex
	timers map[key]*clock.Timer
}

// New creates a Tracker. An expiry of 0 or less falls back to DefaultExpiry.
func New(sender Sender, b *bus.Bus, clk clock.Clock, expiry time.Duration) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		sender: sender,
		bus:    b,
		clk:    clk,
		expiry: expiry,
		timers: make(map[key]*clock.Timer),
	}
}

// SetTyping forwards the local user's typing intent to the server. It is
// best-effort: while disconnected the signal is silently dropped.
func (t *Tracker) SetTyping(roomID string, isTyping bool) error {
	err := t.sender.Send(protocol.TypeSetTyping, protocol.SetTypingCmd{
		RoomID:   roomID,
		IsTyping: isTyping,
	})
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}

// HandleTyping processes an inbound typing event. A typing-start schedules
// (or resets) the expiry timer; a typing-stop clears immediately and cancels
// it. State transitions are published so subscribers see each change exactly
// once; a refresh of an already-typing user only resets the timer.
func (t *Tracker) HandleTyping(ev bus.TypingEvent) {
	k := key{roomID: ev.RoomID, userID: ev.UserID}

	t.mu.Lock()
	timer, active := t.timers[k]

	if !ev.IsTyping {
		if !active {
			t.mu.Unlock()
			return
		}
		timer.Stop()
		delete(t.timers, k)
		metrics.TypingActive.Set(float64(len(t.timers)))
		t.mu.Unlock()

		t.bus.Publish(bus.TypingChangedEvent{RoomID: ev.RoomID, UserID: ev.UserID, IsTyping: false})
		return
	}

	if active {
		timer.Reset(t.expiry)
		t.mu.Unlock()
		return
	}

	t.timers[k] = t.clk.AfterFunc(t.expiry, func() { t.expire(k) })
	metrics.TypingActive.Set(float64(len(t.timers)))
	t.mu.Unlock()

	t.bus.Publish(bus.TypingChangedEvent{RoomID: ev.RoomID, UserID: ev.UserID, IsTyping: true})
}

// expire is the timer callback clearing a stale typing entry.
func (t *Tracker) expire(k key) {
	t.mu.Lock()
	if _, ok := t.timers[k]; !ok {
		t.mu.Unlock()
		return // cleared or room left while the callback was in flight
	}
	delete(t.timers, k)
	metrics.TypingActive.Set(float64(len(t.timers)))
	t.mu.Unlock()

	t.bus.Publish(bus.TypingChangedEvent{RoomID: k.roomID, UserID: k.userID, IsTyping: false})
}

// TypingUsers returns the users currently typing in a room.
func (t *Tracker) TypingUsers(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k := range t.timers {
		if k.roomID == roomID {
			out = append(out, k.userID)
		}
	}
	return out
}

// ClearRoom cancels every typing timer scoped to a room. It is called when
// the local user leaves the room.
func (t *Tracker) ClearRoom(roomID string) {
	t.mu.Lock()
	for k, timer := range t.timers {
		if k.roomID == roomID {
			timer.Stop()
			delete(t.timers, k)
		}
	}
	metrics.TypingActive.Set(float64(len(t.timers)))
	t.mu.Unlock()
}

// ClearAll cancels every typing timer. It is called on disconnect.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
	metrics.TypingActive.Set(0)
	t.mu.Unlock()
}
