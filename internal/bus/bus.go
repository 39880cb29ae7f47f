// Package bus provides the in-process event bus that fans out connection,
// message, and presence events to independent subscribers. Events are queued
// on a bounded channel and dispatched by a single goroutine, so handlers for
// one event always run to completion before the next event is processed and
// subscribers observe events in publish order.
package bus

import (
	"log"
	"sync"

	"github.com/swiftcart/chatkit/protocol"
)

// Event kind constants. Subscriptions are keyed by kind.
const (
	KindConnState     = "conn_state"
	KindMessage       = "message"
	KindAck           = "ack"
	KindAckResolved   = "ack_resolved"
	KindTyping        = "typing"
	KindTypingChanged = "typing_changed"
	KindRead          = "read"
	KindRoomStatus    = "room_status"
	KindNotification  = "notification"
	KindSendFailed    = "send_failed"
	KindUnreadChanged = "unread_changed"
	KindProtocolError = "protocol_error"
)

// Event is implemented by every payload published on the bus.
type Event interface {
	Kind() string
}

// ConnStateEvent is published by the connection manager on every lifecycle
// transition: connect, disconnect, each reconnect attempt, and terminal
// failure.
type ConnStateEvent struct {
	IsConnected    bool
	IsReconnecting bool
	Err            string
	Attempt        int
}

func (ConnStateEvent) Kind() string { return KindConnState }

// MessageEvent carries an inbound chat message from the server.
type MessageEvent struct {
	Message protocol.Message
}

func (MessageEvent) Kind() string { return KindMessage }

// AckEvent carries a server acknowledgment for a previously sent message.
type AckEvent struct {
	ClientMessageID string
	MessageID       string
	Status          protocol.AckStatus
	Timestamp       int64
}

func (AckEvent) Kind() string { return KindAck }

// AckResolvedEvent is published by the delivery coordinator once an ack has
// been matched against a pending message. Message is the authoritative
// server view reconstructed from the pending entry plus the ack fields.
type AckResolvedEvent struct {
	Message protocol.Message
}

func (AckResolvedEvent) Kind() string { return KindAckResolved }

// TypingEvent carries a raw inbound typing indicator from the server.
type TypingEvent struct {
	RoomID   string
	UserID   string
	IsTyping bool
}

func (TypingEvent) Kind() string { return KindTyping }

// TypingChangedEvent is published by the presence tracker whenever a user's
// effective typing state changes, including timer-driven expiry.
type TypingChangedEvent struct {
	RoomID   string
	UserID   string
	IsTyping bool
}

func (TypingChangedEvent) Kind() string { return KindTypingChanged }

// ReadEvent carries an inbound read receipt.
type ReadEvent struct {
	RoomID            string
	UserID            string
	MessageIDs        []string
	LastReadMessageID string
	ReadAt            int64
}

func (ReadEvent) Kind() string { return KindRead }

// RoomStatusEvent carries a room lifecycle change.
type RoomStatusEvent struct {
	RoomID string
	Status string
}

func (RoomStatusEvent) Kind() string { return KindRoomStatus }

// NotificationEvent carries an in-band notification.
type NotificationEvent struct {
	RoomID string
	Title  string
	Body   string
}

func (NotificationEvent) Kind() string { return KindNotification }

// SendFailedEvent is the terminal failure of an outbound message: either the
// server acked FAILED or the retry bound was exceeded.
type SendFailedEvent struct {
	RoomID          string
	ClientMessageID string
	Reason          string
}

func (SendFailedEvent) Kind() string { return KindSendFailed }

// UnreadChangedEvent is published whenever a room's unread counter changes.
type UnreadChangedEvent struct {
	RoomID string
	Count  int
}

func (UnreadChangedEvent) Kind() string { return KindUnreadChanged }

// ProtocolErrorEvent surfaces malformed or unexpected server traffic without
// affecting connection state.
type ProtocolErrorEvent struct {
	Code    string
	Message string
}

func (ProtocolErrorEvent) Kind() string { return KindProtocolError }

// Handler receives a dispatched event. Handlers run on the dispatch
// goroutine and must not block for extended periods.
type Handler func(Event)

// Bus is the in-process publish/subscribe registry. Publish enqueues onto a
// bounded channel and a single goroutine invokes handlers in subscription
// order. When the channel is full, events spill into an unbounded overflow
// list instead of blocking: handlers run on the dispatch goroutine and may
// themselves publish derived events, and a handler blocked on its own full
// queue would wedge the bus permanently.
type Bus struct {
	subsMu sync.RWMutex
	subs   map[string][]Handler

	// pubMu guards closed and the queue channel.
	pubMu  sync.RWMutex
	closed bool

	queue chan Event

	// overflowMu guards overflow. Invariant: while overflow is non-empty
	// every publish appends to it, so everything in the channel is older
	// than everything in overflow and draining channel-then-overflow
	// preserves publish order.
	overflowMu sync.Mutex
	overflow   []Event

	wg sync.WaitGroup
}

// New creates a Bus with the given queue capacity and starts its dispatch
// goroutine. A capacity of 0 or less falls back to 256.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		subs:  make(map[string][]Handler),
		queue: make(chan Event, queueSize),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for the given event kind. Handlers for the
// same kind are invoked in registration order.
func (b *Bus) Subscribe(kind string, h Handler) {
	b.subsMu.Lock()
	b.subs[kind] = append(b.subs[kind], h)
	b.subsMu.Unlock()
}

// Publish enqueues an event for dispatch. It never blocks: when the channel
// is full the event spills into the overflow list. Publishing after Close is
// a no-op.
func (b *Bus) Publish(e Event) {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		log.Printf("[bus] dropped %s event: bus closed", e.Kind())
		return
	}

	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	if len(b.overflow) == 0 {
		select {
		case b.queue <- e:
			return
		default:
		}
	}
	b.overflow = append(b.overflow, e)
}

// Close stops accepting new events, drains everything already queued, and
// waits for the dispatch goroutine to finish.
func (b *Bus) Close() {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.pubMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		e, ok := b.next()
		if !ok {
			return
		}

		b.subsMu.RLock()
		handlers := b.subs[e.Kind()]
		b.subsMu.RUnlock()

		for _, h := range handlers {
			h(e)
		}
	}
}

// next yields the oldest queued event: the channel first, then the overflow
// list, blocking on the channel only when both are empty. It returns false
// once the bus is closed and fully drained.
func (b *Bus) next() (Event, bool) {
	select {
	case e, ok := <-b.queue:
		if ok {
			return e, true
		}
	default:
	}

	if e, ok := b.popOverflow(); ok {
		return e, true
	}

	if e, ok := <-b.queue; ok {
		return e, true
	}
	// Channel closed: hand out anything spilled during the final drain.
	return b.popOverflow()
}

func (b *Bus) popOverflow() (Event, bool) {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	if len(b.overflow) == 0 {
		return nil, false
	}
	e := b.overflow[0]
	b.overflow = b.overflow[1:]
	return e, true
}
