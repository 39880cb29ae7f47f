package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swiftcart/chatkit/protocol"
)

const (
	// roomKeyPrefix namespaces all cache keys in Redis.
	roomKeyPrefix = "chatkit:room:"

	// RoomTTL is how long a room's cached messages live without activity.
	RoomTTL = 24 * time.Hour
)

// RedisStore is a Store backed by Redis, for deployments where several
// client processes share one cache (kiosk fleets, bot workers). Each room
// keeps a hash of message JSON keyed by canonical id, a sorted set for
// ordering, and a hash mapping client message ids to canonical ids.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore and verifies the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func msgKey(roomID string) string    { return roomKeyPrefix + roomID + ":msg" }
func orderKey(roomID string) string  { return roomKeyPrefix + roomID + ":order" }
func clientKey(roomID string) string { return roomKeyPrefix + roomID + ":byclient" }

// canonicalID is the hash field a message is stored under: the server id
// when assigned, otherwise a client-id-derived placeholder that is rekeyed
// once the ack arrives.
func canonicalID(m protocol.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return "c:" + m.ClientMessageID
}

// resolve finds the stored entry matching msg, returning the existing
// message and its current hash field. ok is false when nothing matches.
func (s *RedisStore) resolve(ctx context.Context, roomID string, msg protocol.Message) (protocol.Message, string, bool, error) {
	candidates := make([]string, 0, 2)
	if msg.ID != "" {
		candidates = append(candidates, msg.ID)
	}
	if msg.ClientMessageID != "" {
		if id, err := s.client.HGet(ctx, clientKey(roomID), msg.ClientMessageID).Result(); err == nil && id != "" {
			candidates = append(candidates, id)
		} else if err != nil && !errors.Is(err, redis.Nil) {
			return protocol.Message{}, "", false, err
		}
	}

	for _, field := range candidates {
		raw, err := s.client.HGet(ctx, msgKey(roomID), field).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return protocol.Message{}, "", false, err
		}
		var existing protocol.Message
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return protocol.Message{}, "", false, fmt.Errorf("cache: corrupt entry %s: %w", field, err)
		}
		return existing, field, true, nil
	}
	return protocol.Message{}, "", false, nil
}

func (s *RedisStore) write(ctx context.Context, roomID string, m protocol.Message, oldField string) error {
	field := canonicalID(m)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("cache: marshal message: %w", err)
	}

	pipe := s.client.Pipeline()
	if oldField != "" && oldField != field {
		pipe.HDel(ctx, msgKey(roomID), oldField)
		pipe.ZRem(ctx, orderKey(roomID), oldField)
	}
	pipe.HSet(ctx, msgKey(roomID), field, raw)
	pipe.ZAdd(ctx, orderKey(roomID), redis.Z{Score: float64(m.CreatedAt), Member: field})
	if m.ClientMessageID != "" {
		pipe.HSet(ctx, clientKey(roomID), m.ClientMessageID, field)
	}
	pipe.Expire(ctx, msgKey(roomID), RoomTTL)
	pipe.Expire(ctx, orderKey(roomID), RoomTTL)
	pipe.Expire(ctx, clientKey(roomID), RoomTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, msg protocol.Message) error {
	existing, field, ok, err := s.resolve(ctx, msg.RoomID, msg)
	if err != nil {
		return err
	}
	if ok {
		return s.write(ctx, msg.RoomID, Merge(existing, msg), field)
	}
	return s.write(ctx, msg.RoomID, msg, "")
}

// Messages implements Store.
func (s *RedisStore) Messages(ctx context.Context, roomID string) ([]protocol.Message, error) {
	fields, err := s.client.ZRange(ctx, orderKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return []protocol.Message{}, nil
	}

	raws, err := s.client.HMGet(ctx, msgKey(roomID), fields...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]protocol.Message, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var m protocol.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, roomID, id string) (protocol.Message, bool, error) {
	m, _, ok, err := s.resolve(ctx, roomID, protocol.Message{ID: id, ClientMessageID: id})
	return m, ok, err
}

// UpdateStatus implements Store.
func (s *RedisStore) UpdateStatus(ctx context.Context, roomID, id string, status protocol.AckStatus) error {
	m, field, ok, err := s.resolve(ctx, roomID, protocol.Message{ID: id, ClientMessageID: id})
	if err != nil || !ok {
		return err
	}

	switch {
	case protocol.StatusRank(status) > protocol.StatusRank(m.Status):
		m.Status = status
	case status == protocol.StatusFailed && m.ID == "":
		m.Status = protocol.StatusFailed
	default:
		return nil
	}
	return s.write(ctx, roomID, m, field)
}

// MarkReadUpTo implements Store.
func (s *RedisStore) MarkReadUpTo(ctx context.Context, roomID, lastReadID, exceptSender string) error {
	msgs, err := s.Messages(ctx, roomID)
	if err != nil {
		return err
	}

	found := false
	for _, m := range msgs {
		if m.ID == lastReadID {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	for _, m := range msgs {
		if m.SenderID != exceptSender &&
			protocol.StatusRank(protocol.StatusRead) > protocol.StatusRank(m.Status) {
			m.Status = protocol.StatusRead
			if err := s.write(ctx, roomID, m, canonicalID(m)); err != nil {
				return err
			}
		}
		if m.ID == lastReadID {
			return nil
		}
	}
	return nil
}

// DropRoom implements Store.
func (s *RedisStore) DropRoom(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, msgKey(roomID), orderKey(roomID), clientKey(roomID)).Err()
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
