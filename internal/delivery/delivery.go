// Package delivery owns the outbound message pipeline: every send gets a
// client-generated correlation id, sits in a pending set until the server
// acknowledges it, and is retried on each reconnect up to a fixed bound.
// Retransmissions reuse the same id so the server can deduplicate; exceeding
// the bound is a client-local terminal failure.
package delivery

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/swiftcart/chatkit/internal/bus"
	"github.com/swiftcart/chatkit/internal/metrics"
	"github.com/swiftcart/chatkit/internal/transport"
	"github.com/swiftcart/chatkit/protocol"
)

// DefaultMaxRetries is the number of reconnect-driven retransmissions a
// message gets before it is marked FAILED locally.
const DefaultMaxRetries = 3

// Pending is an outbound message that has not been acknowledged yet.
type Pending struct {
	ClientMessageID string
	RoomID          string
	Content         string
	Type            protocol.MessageType
	Metadata        map[string]any
	ReplyToID       string
	EnqueuedAt      time.Time
	RetryCount      int
}

// Options are the optional fields of a send.
type Options struct {
	ClientMessageID string
	Metadata        map[string]any
	ReplyToID       string
}

// Sender is the slice of the connection manager the coordinator needs.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// Coordinator tracks pending messages and resolves them against acks.
type Coordinator struct {
	sender     Sender
	bus        *bus.Bus
	clk        clock.Clock
	userID     string
	maxRetries int

	mu      sync.Mutex
	pending map[string]*Pending
	order   []string // clientMessageIDs in enqueue order
}

// New creates a Coordinator for the given local user.
func New(sender Sender, b *bus.Bus, clk clock.Clock, userID string, maxRetries int) *Coordinator {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Coordinator{
		sender:     sender,
		bus:        b,
		clk:        clk,
		userID:     userID,
		maxRetries: maxRetries,
		pending:    make(map[string]*Pending),
	}
}

// newClientMessageID builds a globally unique correlation id from the local
// user, the current time, and a random suffix.
func (c *Coordinator) newClientMessageID() string {
	return fmt.Sprintf("%s-%d-%s", c.userID, c.clk.Now().UnixMilli(), uuid.NewString()[:8])
}

// Send registers the message as pending and attempts the network send if
// connected. The message is queued before any network attempt so the UI can
// render an optimistic bubble immediately; while disconnected it simply
// stays queued for the next reconnect. The returned id identifies the
// message until the server assigns its own.
func (c *Coordinator) Send(roomID, content string, typ protocol.MessageType, opts Options) (string, error) {
	if typ == "" {
		typ = protocol.MessageTypeText
	}
	id := opts.ClientMessageID
	if id == "" {
		id = c.newClientMessageID()
	}

	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return id, fmt.Errorf("delivery: duplicate client message id %q", id)
	}
	p := &Pending{
		ClientMessageID: id,
		RoomID:          roomID,
		Content:         content,
		Type:            typ,
		Metadata:        opts.Metadata,
		ReplyToID:       opts.ReplyToID,
		EnqueuedAt:      c.clk.Now(),
	}
	c.pending[id] = p
	c.order = append(c.order, id)
	metrics.PendingMessages.Set(float64(len(c.pending)))
	c.mu.Unlock()

	err := c.transmit(p)
	if errors.Is(err, transport.ErrNotConnected) {
		return id, nil // queued for reconnect replay
	}
	if err != nil {
		// The write failed mid-connection; the message stays pending and
		// will be retried after the reconnect that follows.
		log.Printf("[delivery] send %s: %v", id, err)
	}
	return id, nil
}

func (c *Coordinator) transmit(p *Pending) error {
	return c.sender.Send(protocol.TypeSendMessage, protocol.SendMessageCmd{
		RoomID:          p.RoomID,
		Content:         p.Content,
		MessageType:     p.Type,
		Metadata:        p.Metadata,
		ClientMessageID: p.ClientMessageID,
		ReplyToID:       p.ReplyToID,
	})
}

// HandleAck resolves a pending message against a server acknowledgment.
// Acks for unknown ids (already resolved, or from a previous session) are
// ignored. A FAILED ack removes the message and publishes a terminal
// failure; any other status removes it and publishes the authoritative
// message for the reconciler to merge into the cache.
func (c *Coordinator) HandleAck(ack bus.AckEvent) {
	c.mu.Lock()
	p, ok := c.pending[ack.ClientMessageID]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.removeLocked(ack.ClientMessageID)
	c.mu.Unlock()

	metrics.AckLatency.Observe(c.clk.Since(p.EnqueuedAt).Seconds())

	if ack.Status == protocol.StatusFailed {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		c.bus.Publish(bus.SendFailedEvent{
			RoomID:          p.RoomID,
			ClientMessageID: p.ClientMessageID,
			Reason:          "rejected by server",
		})
		return
	}

	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	c.bus.Publish(bus.AckResolvedEvent{Message: protocol.Message{
		ID:              ack.MessageID,
		ClientMessageID: p.ClientMessageID,
		RoomID:          p.RoomID,
		SenderID:        c.userID,
		Content:         p.Content,
		Type:            p.Type,
		Metadata:        p.Metadata,
		ReplyToID:       p.ReplyToID,
		Status:          ack.Status,
		CreatedAt:       ack.Timestamp,
	}})
}

// RetryPending retransmits every still-pending message in enqueue order,
// incrementing its retry count. It is invoked by the connection manager
// after every successful reconnect. A message whose retry count has already
// reached the bound is marked FAILED without a further network attempt.
func (c *Coordinator) RetryPending() {
	c.mu.Lock()
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		p, ok := c.pending[id]
		if !ok {
			// Acked between the snapshot and now.
			c.mu.Unlock()
			continue
		}
		if p.RetryCount >= c.maxRetries {
			c.removeLocked(id)
			c.mu.Unlock()
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			log.Printf("[delivery] giving up on %s after %d retries", id, p.RetryCount)
			c.bus.Publish(bus.SendFailedEvent{
				RoomID:          p.RoomID,
				ClientMessageID: id,
				Reason:          "retry limit exceeded",
			})
			continue
		}
		p.RetryCount++
		retry := *p
		c.mu.Unlock()

		if err := c.transmit(&retry); err != nil {
			log.Printf("[delivery] retry %d for %s: %v", retry.RetryCount, id, err)
		}
	}
}

// removeLocked deletes a pending entry. Callers hold c.mu.
func (c *Coordinator) removeLocked(id string) {
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	metrics.PendingMessages.Set(float64(len(c.pending)))
}

// Pending returns the pending messages for a room in enqueue order. An empty
// roomID returns all pending messages.
func (c *Coordinator) PendingFor(roomID string) []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pending, 0, len(c.order))
	for _, id := range c.order {
		p := c.pending[id]
		if roomID == "" || p.RoomID == roomID {
			out = append(out, *p)
		}
	}
	return out
}

// Clear drops all pending state without emitting failure events. It is
// called on explicit disconnect, which abandons in-flight sends.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]*Pending)
	c.order = nil
	metrics.PendingMessages.Set(0)
}
