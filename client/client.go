// Package client is the consumer-facing façade of the chat delivery
// subsystem. A Client wires the connection manager, room membership,
// delivery coordinator, presence tracker, and read-receipt sync together
// over one event bus, merges every event into the shared message cache, and
// exposes the imperative operations and read-only projections UI surfaces
// work with. It is an explicitly constructed session object: tests and
// multi-account processes can run independent instances side by side.
package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/swiftcart/chatkit/cache"
	"github.com/swiftcart/chatkit/internal/bus"
	"github.com/swiftcart/chatkit/internal/delivery"
	"github.com/swiftcart/chatkit/internal/membership"
	"github.com/swiftcart/chatkit/internal/presence"
	"github.com/swiftcart/chatkit/internal/receipts"
	"github.com/swiftcart/chatkit/internal/transport"
	"github.com/swiftcart/chatkit/protocol"
)

// ConnState is the connection state snapshot surfaced to UI layers.
type ConnState = transport.State

// SendOptions are the optional fields of an outbound message.
type SendOptions = delivery.Options

// PendingMessage is an outbound message awaiting acknowledgment.
type PendingMessage = delivery.Pending

// Notification is an in-band notification event.
type Notification struct {
	RoomID string
	Title  string
	Body   string
}

// Config configures a Client. UserID, Credential, and ServerURL are
// required; everything else has defaults.
type Config struct {
	ServerURL  string
	Credential string
	UserID     string

	// Cache is the externally-owned shared message cache. The client only
	// ever merges into it; it is never cleared on disconnect. Defaults to
	// an in-memory store.
	Cache cache.Store

	TypingExpiry   time.Duration // default 5s
	MaxSendRetries int           // default 3
	EventQueueSize int           // default 256

	// Transport tuning. The URL field is filled from ServerURL.
	Transport transport.Config

	// Clock is injectable for deterministic tests. Defaults to wall clock.
	Clock clock.Clock

	// Dialer is injectable for tests. Defaults to the gobwas/ws dialer.
	Dialer transport.DialFunc
}

// Client is the single consumer-facing handle. All methods are safe for
// concurrent use.
type Client struct {
	cfg   Config
	clk   clock.Clock
	bus   *bus.Bus
	conn  *transport.Manager
	rooms *membership.Set
	deliv *delivery.Coordinator
	pres  *presence.Tracker
	rcpts *receipts.Sync
	store cache.Store

	mu         sync.RWMutex
	connState  ConnState
	typing     map[string]map[string]bool // roomID -> userID -> true
	roomStatus map[string]string
	activeRoom string
	closed     bool

	onConnState     []func(ConnState)
	onMessage       []func(protocol.Message)
	onTyping        []func(roomID, userID string, isTyping bool)
	onUnread        []func(roomID string, count int)
	onSendFailed    []func(roomID, clientMessageID, reason string)
	onNotification  []func(Notification)
	onRoomStatus    []func(roomID, status string)
	onProtocolError []func(code, message string)
}

// New constructs a Client and wires all components. It does not connect;
// call Connect when ready.
func New(cfg Config) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("client: UserID is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("client: ServerURL is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Transport == (transport.Config{}) {
		cfg.Transport = transport.DefaultConfig()
	}
	cfg.Transport.URL = cfg.ServerURL

	c := &Client{
		cfg:        cfg,
		clk:        cfg.Clock,
		store:      cfg.Cache,
		typing:     make(map[string]map[string]bool),
		roomStatus: make(map[string]string),
	}

	c.bus = bus.New(cfg.EventQueueSize)
	c.conn = transport.New(cfg.Transport, c.bus, cfg.Dialer, c.clk)
	c.rooms = membership.New(c.conn)
	c.deliv = delivery.New(c.conn, c.bus, c.clk, cfg.UserID, cfg.MaxSendRetries)
	c.pres = presence.New(c.conn, c.bus, c.clk, cfg.TypingExpiry)
	c.rcpts = receipts.New(c.conn, c.bus, c.store, cfg.UserID, c.ActiveRoom)

	// Reconnect sequence: membership replay before pending retries.
	c.conn.OnConnected(c.rooms.Replay)
	c.conn.OnConnected(c.deliv.RetryPending)

	c.subscribe()
	return c, nil
}

// subscribe registers the reconciling handlers. Each bus event results in at
// most one cache mutation and at most one projection update.
func (c *Client) subscribe() {
	c.bus.Subscribe(bus.KindConnState, func(e bus.Event) {
		ev := e.(bus.ConnStateEvent)
		state := ConnState{
			IsConnected:      ev.IsConnected,
			IsReconnecting:   ev.IsReconnecting,
			Err:              ev.Err,
			ReconnectAttempt: ev.Attempt,
		}
		c.mu.Lock()
		c.connState = state
		cbs := c.onConnState
		c.mu.Unlock()
		for _, fn := range cbs {
			fn(state)
		}
	})

	c.bus.Subscribe(bus.KindMessage, func(e bus.Event) {
		msg := e.(bus.MessageEvent).Message
		if err := c.store.Upsert(context.Background(), msg); err != nil {
			log.Printf("[client] cache merge %s: %v", msg.ID, err)
		}
		c.rcpts.HandleMessage(msg)
		c.mu.RLock()
		cbs := c.onMessage
		c.mu.RUnlock()
		for _, fn := range cbs {
			fn(msg)
		}
	})

	c.bus.Subscribe(bus.KindAck, func(e bus.Event) {
		c.deliv.HandleAck(e.(bus.AckEvent))
	})

	c.bus.Subscribe(bus.KindAckResolved, func(e bus.Event) {
		msg := e.(bus.AckResolvedEvent).Message
		if err := c.store.Upsert(context.Background(), msg); err != nil {
			log.Printf("[client] cache merge %s: %v", msg.ID, err)
		}
		c.mu.RLock()
		cbs := c.onMessage
		c.mu.RUnlock()
		for _, fn := range cbs {
			fn(msg)
		}
	})

	c.bus.Subscribe(bus.KindTyping, func(e bus.Event) {
		c.pres.HandleTyping(e.(bus.TypingEvent))
	})

	c.bus.Subscribe(bus.KindTypingChanged, func(e bus.Event) {
		ev := e.(bus.TypingChangedEvent)
		c.mu.Lock()
		room := c.typing[ev.RoomID]
		if ev.IsTyping {
			if room == nil {
				room = make(map[string]bool)
				c.typing[ev.RoomID] = room
			}
			room[ev.UserID] = true
		} else if room != nil {
			delete(room, ev.UserID)
			if len(room) == 0 {
				delete(c.typing, ev.RoomID)
			}
		}
		cbs := c.onTyping
		c.mu.Unlock()
		for _, fn := range cbs {
			fn(ev.RoomID, ev.UserID, ev.IsTyping)
		}
	})

	c.bus.Subscribe(bus.KindRead, func(e bus.Event) {
		c.rcpts.HandleRead(e.(bus.ReadEvent))
	})

	c.bus.Subscribe(bus.KindUnreadChanged, func(e bus.Event) {
		ev := e.(bus.UnreadChangedEvent)
		c.mu.RLock()
		cbs := c.onUnread
		c.mu.RUnlock()
		for _, fn := range cbs {
			fn(ev.RoomID, ev.Count)
		}
	})

	c.bus.Subscribe(bus.KindSendFailed, func(e bus.Event) {
		ev := e.(bus.SendFailedEvent)
		err := c.store.UpdateStatus(context.Background(), ev.RoomID, ev.ClientMessageID, protocol.StatusFailed)
		if err != nil {
			log.Printf("[client] mark %s failed: %v", ev.ClientMessageID, err)
		}
		c.mu.RLock()
		cbs := c.onSendFailed
		c.mu.RUnlock()
		for _, fn := range cbs {
			fn(ev.RoomID, ev.ClientMessageID, ev.Reason)
		}
	})

	c.bus.Subscribe(bus.KindRoomStatus, func(e bus.Event) {
		ev := e.(bus.RoomStatusEvent)
		c.mu.Lock()
		c.roomStatus[ev.RoomID] = ev.Status
		cbs := c.onRoomStatus
		c.mu.Unlock()
		for _, fn := range cbs {
			fn(ev.RoomID, ev.Status)
		}
	})

	c.bus.Subscribe(bus.KindNotification, func(e bus.Event) {
		ev := e.(bus.NotificationEvent)
		c.mu.RLock()
		cbs := c.onNotification
		c.mu.RUnlock()
		for _, fn := range cbs {
			fn(Notification{RoomID: ev.RoomID, Title: ev.Title, Body: ev.Body})
		}
	})

	c.bus.Subscribe(bus.KindProtocolError, func(e bus.Event) {
		ev := e.(bus.ProtocolErrorEvent)
		c.mu.RLock()
		cbs := c.onProtocolError
		c.mu.RUnlock()
		for _, fn := range cbs {
			fn(ev.Code, ev.Message)
		}
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect establishes the server connection and authenticates.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx, c.cfg.Credential, c.cfg.UserID)
}

// Close disconnects and releases all in-memory membership, pending, and
// presence state. The shared cache is left untouched: it is owned by the
// caller. The Client cannot be reused after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Disconnect()
	c.rooms.Clear()
	c.deliv.Clear()
	c.pres.ClearAll()
	c.rcpts.Clear()
	c.bus.Close()
	return err
}

// ---------------------------------------------------------------------------
// Imperative operations
// ---------------------------------------------------------------------------

// JoinRoom declares interest in a room. While disconnected the join is
// deferred and replayed on (re)connect.
func (c *Client) JoinRoom(roomID string) error {
	return c.rooms.Join(roomID)
}

// LeaveRoom withdraws interest in a room and cancels its typing timers.
func (c *Client) LeaveRoom(roomID string) error {
	err := c.rooms.Leave(roomID)
	c.pres.ClearRoom(roomID)

	c.mu.Lock()
	delete(c.typing, roomID)
	c.mu.Unlock()
	return err
}

// Send queues a message for delivery and writes the optimistic entry into
// the shared cache so UI surfaces can render it immediately. The returned
// client message id identifies the message until the server assigns one.
func (c *Client) Send(roomID, content string, typ protocol.MessageType, opts SendOptions) (string, error) {
	id, err := c.deliv.Send(roomID, content, typ, opts)
	if err != nil {
		return "", err
	}

	if typ == "" {
		typ = protocol.MessageTypeText
	}
	optimistic := protocol.Message{
		ClientMessageID: id,
		RoomID:          roomID,
		SenderID:        c.cfg.UserID,
		Content:         content,
		Type:            typ,
		Metadata:        opts.Metadata,
		ReplyToID:       opts.ReplyToID,
		CreatedAt:       c.clk.Now().UnixMilli(),
	}
	if err := c.store.Upsert(context.Background(), optimistic); err != nil {
		log.Printf("[client] optimistic cache write %s: %v", id, err)
	}
	return id, nil
}

// SetTyping forwards the local typing indicator (best-effort).
func (c *Client) SetTyping(roomID string, isTyping bool) error {
	return c.pres.SetTyping(roomID, isTyping)
}

// MarkRead reports the room as read and zeroes its unread counter
// immediately, regardless of connection state.
func (c *Client) MarkRead(ctx context.Context, roomID string, messageIDs ...string) error {
	return c.rcpts.MarkRead(ctx, roomID, messageIDs...)
}

// SetActiveRoom marks the room the user is currently looking at. Inbound
// messages in the active room do not accrue unread counts; already-accrued
// counters are only cleared by an explicit MarkRead.
func (c *Client) SetActiveRoom(roomID string) {
	c.mu.Lock()
	c.activeRoom = roomID
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Read-only projections
// ---------------------------------------------------------------------------

// ConnectionState returns the current connection state snapshot.
func (c *Client) ConnectionState() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connState
}

// Rooms returns the joined rooms in join order.
func (c *Client) Rooms() []string {
	return c.rooms.Rooms()
}

// ActiveRoom returns the currently active room id, or an empty string.
func (c *Client) ActiveRoom() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeRoom
}

// TypingUsers returns the users currently typing in a room.
func (c *Client) TypingUsers(roomID string) []string {
	return c.pres.TypingUsers(roomID)
}

// Pending returns the in-flight messages for a room (all rooms when roomID
// is empty) in enqueue order.
func (c *Client) Pending(roomID string) []PendingMessage {
	return c.deliv.PendingFor(roomID)
}

// UnreadCount returns the unread counter for a room.
func (c *Client) UnreadCount(roomID string) int {
	return c.rcpts.Count(roomID)
}

// UnreadCounts returns all non-zero unread counters.
func (c *Client) UnreadCounts() map[string]int {
	return c.rcpts.Counts()
}

// RoomStatus returns the last known lifecycle status for a room, or an
// empty string.
func (c *Client) RoomStatus(roomID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomStatus[roomID]
}

// Messages returns the cached messages for a room in creation order.
func (c *Client) Messages(ctx context.Context, roomID string) ([]protocol.Message, error) {
	return c.store.Messages(ctx, roomID)
}

// ---------------------------------------------------------------------------
// Subscriber registration (call before Connect)
// ---------------------------------------------------------------------------

// OnConnectionState registers a callback for connection state transitions.
func (c *Client) OnConnectionState(fn func(ConnState)) {
	c.mu.Lock()
	c.onConnState = append(c.onConnState, fn)
	c.mu.Unlock()
}

// OnMessage registers a callback for messages merged into the cache,
// including the local user's own once acknowledged.
func (c *Client) OnMessage(fn func(protocol.Message)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.mu.Unlock()
}

// OnTypingChanged registers a callback for typing indicator transitions.
func (c *Client) OnTypingChanged(fn func(roomID, userID string, isTyping bool)) {
	c.mu.Lock()
	c.onTyping = append(c.onTyping, fn)
	c.mu.Unlock()
}

// OnUnreadChanged registers a callback for unread counter changes.
func (c *Client) OnUnreadChanged(fn func(roomID string, count int)) {
	c.mu.Lock()
	c.onUnread = append(c.onUnread, fn)
	c.mu.Unlock()
}

// OnSendFailed registers a callback for terminal per-message failures the
// UI can offer to retry manually.
func (c *Client) OnSendFailed(fn func(roomID, clientMessageID, reason string)) {
	c.mu.Lock()
	c.onSendFailed = append(c.onSendFailed, fn)
	c.mu.Unlock()
}

// OnNotification registers a callback for in-band notifications.
func (c *Client) OnNotification(fn func(Notification)) {
	c.mu.Lock()
	c.onNotification = append(c.onNotification, fn)
	c.mu.Unlock()
}

// OnRoomStatus registers a callback for room lifecycle changes.
func (c *Client) OnRoomStatus(fn func(roomID, status string)) {
	c.mu.Lock()
	c.onRoomStatus = append(c.onRoomStatus, fn)
	c.mu.Unlock()
}

// OnProtocolError registers a callback for non-fatal protocol errors,
// suitable for a transient UI banner.
func (c *Client) OnProtocolError(fn func(code, message string)) {
	c.mu.Lock()
	c.onProtocolError = append(c.onProtocolError, fn)
	c.mu.Unlock()
}
