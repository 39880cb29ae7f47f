package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// sessionPrefix is the Redis key prefix for session hashes.
	sessionPrefix = "chatkit:session:"

	// sessionRoomsPrefix is the Redis key prefix for per-session room sets.
	sessionRoomsPrefix = "chatkit:sessionrooms:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is a connected client's state as stored in Redis. Sessions are
// shared across server instances so any instance can answer presence
// queries for any user.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which server instance holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// SessionStore manages session state in Redis.
type SessionStore struct {
	client     *redis.Client
	serverName string
}

// NewSessionStore connects to Redis and verifies the connection.
func NewSessionStore(redisAddr, serverName string) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &SessionStore{client: client, serverName: serverName}, nil
}

// NewSessionStoreWithClient wraps an existing Redis client. Useful for tests.
func NewSessionStoreWithClient(client *redis.Client, serverName string) *SessionStore {
	return &SessionStore{client: client, serverName: serverName}
}

// Create stores a new session in Redis with a 1h TTL.
func (s *SessionStore) Create(ctx context.Context, sessionID, userID string) error {
	key := sessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := sessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// JoinRoom records a session's room membership and refreshes the TTLs.
func (s *SessionStore) JoinRoom(ctx context.Context, sessionID, roomID string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, sessionRoomsPrefix+sessionID, roomID)
	pipe.Expire(ctx, sessionRoomsPrefix+sessionID, SessionTTL)
	pipe.HSet(ctx, sessionPrefix+sessionID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, sessionPrefix+sessionID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LeaveRoom removes a room from a session's membership set.
func (s *SessionStore) LeaveRoom(ctx context.Context, sessionID, roomID string) error {
	return s.client.SRem(ctx, sessionRoomsPrefix+sessionID, roomID).Err()
}

// Rooms returns the room ids a session is joined to.
func (s *SessionStore) Rooms(ctx context.Context, sessionID string) ([]string, error) {
	return s.client.SMembers(ctx, sessionRoomsPrefix+sessionID).Result()
}

// RefreshTTL extends the session's TTL. Called on client heartbeats.
func (s *SessionStore) RefreshTTL(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, sessionPrefix+sessionID, SessionTTL)
	pipe.Expire(ctx, sessionRoomsPrefix+sessionID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its room set from Redis.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionPrefix+sessionID, sessionRoomsPrefix+sessionID).Err()
}

// Close closes the Redis connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *SessionStore) Client() *redis.Client {
	return s.client
}
