package server

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket session with a
// write mutex for serializing outbound frames.
type Connection struct {
	SessionID string
	UserID    string
	Conn      net.Conn
	CreatedAt time.Time

	writeMu sync.Mutex
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is a thread-safe index of live sessions with O(1) lookups by
// session id and per-room membership sets for local fan-out.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // session_id -> Connection
	byRoom map[string]map[string]*Connection // room_id -> session_id -> Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byRoom: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	r.byID[conn.SessionID] = conn
	r.mu.Unlock()
}

// Remove removes a connection by session id, closes the underlying network
// connection, and drops it from every room set. Returns true if the
// connection was found and removed, false if it was already gone.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	conn, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		for roomID, members := range r.byRoom {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.byRoom, roomID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session id, or nil if not found.
func (r *Registry) Get(sessionID string) *Connection {
	r.mu.RLock()
	conn := r.byID[sessionID]
	r.mu.RUnlock()
	return conn
}

// JoinRoom adds a connection to a room's local membership set.
func (r *Registry) JoinRoom(roomID string, conn *Connection) {
	r.mu.Lock()
	members, ok := r.byRoom[roomID]
	if !ok {
		members = make(map[string]*Connection)
		r.byRoom[roomID] = members
	}
	members[conn.SessionID] = conn
	r.mu.Unlock()
}

// LeaveRoom removes a session from a room's local membership set.
func (r *Registry) LeaveRoom(roomID, sessionID string) {
	r.mu.Lock()
	if members, ok := r.byRoom[roomID]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.byRoom, roomID)
		}
	}
	r.mu.Unlock()
}

// RoomMembers returns a snapshot of the connections locally joined to a
// room. The returned slice is safe to iterate without holding the lock.
func (r *Registry) RoomMembers(roomID string) []*Connection {
	r.mu.RLock()
	members := r.byRoom[roomID]
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the current number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}
