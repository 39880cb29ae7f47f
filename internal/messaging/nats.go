// Package messaging provides a NATS client wrapper for fanning out room
// events across chat server instances. Clients of the same room may be
// connected to different instances; every instance subscribes its local
// members to the room subject and relays whatever is published there.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoom is the per-room subject prefix: room.<room_id>.
const SubjectRoom = "room"

// RoomEvent is the payload published to room subjects. OriginSession lets
// instances skip redelivering an event to the session that produced it.
type RoomEvent struct {
	OriginSession string `json:"origin_session,omitempty"`
	Frame         []byte `json:"frame"` // protocol-encoded server event
}

// NATSClient wraps the NATS connection with room pub/sub helpers.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatkit-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

func roomSubject(roomID string) string {
	return SubjectRoom + "." + roomID
}

func subKey(sessionID, roomID string) string {
	return "roomsub:" + sessionID + ":" + roomID
}

// PublishRoom publishes data to the room.<roomID> subject.
func (c *NATSClient) PublishRoom(roomID string, data []byte) error {
	return c.conn.Publish(roomSubject(roomID), data)
}

// SubscribeRoom subscribes a session to a room subject. The subscription is
// keyed by (session, room) so multiple sessions on the same instance can
// follow the same room without overwriting each other.
func (c *NATSClient) SubscribeRoom(roomID, sessionID string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(roomSubject(roomID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", roomSubject(roomID), err)
	}

	c.mu.Lock()
	c.subs[subKey(sessionID, roomID)] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom removes a session's subscription to a room.
func (c *NATSClient) UnsubscribeRoom(roomID, sessionID string) error {
	return c.unsubscribe(subKey(sessionID, roomID))
}

// UnsubscribeSession removes every room subscription held by a session.
// It is called when the session's connection closes.
func (c *NATSClient) UnsubscribeSession(sessionID string) {
	prefix := "roomsub:" + sessionID + ":"

	c.mu.Lock()
	var keys []string
	for key := range c.subs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.unsubscribe(key); err != nil {
			log.Printf("[nats] %v", err)
		}
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a stored subscription by key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
