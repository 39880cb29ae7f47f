package cache

import (
	"context"
	"sync"

	"github.com/swiftcart/chatkit/protocol"
)

// MemoryStore is a goroutine-safe in-memory Store. Messages are held per
// room in creation-time order with id indexes for O(1) lookups.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomCache
}

type roomCache struct {
	ordered  []*protocol.Message // sorted by CreatedAt, insertion-stable
	byID     map[string]*protocol.Message
	byClient map[string]*protocol.Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*roomCache)}
}

func (s *MemoryStore) room(roomID string) *roomCache {
	rc, ok := s.rooms[roomID]
	if !ok {
		rc = &roomCache{
			byID:     make(map[string]*protocol.Message),
			byClient: make(map[string]*protocol.Message),
		}
		s.rooms[roomID] = rc
	}
	return rc
}

// lookup finds an existing entry for msg by server id first, then by client
// message id.
func (rc *roomCache) lookup(msg protocol.Message) *protocol.Message {
	if msg.ID != "" {
		if m, ok := rc.byID[msg.ID]; ok {
			return m
		}
	}
	if msg.ClientMessageID != "" {
		if m, ok := rc.byClient[msg.ClientMessageID]; ok {
			return m
		}
	}
	return nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := s.room(msg.RoomID)
	if existing := rc.lookup(msg); existing != nil {
		merged := Merge(*existing, msg)
		moved := merged.CreatedAt != existing.CreatedAt
		*existing = merged
		if merged.ID != "" {
			rc.byID[merged.ID] = existing
		}
		if merged.ClientMessageID != "" {
			rc.byClient[merged.ClientMessageID] = existing
		}
		if moved {
			rc.reposition(existing)
		}
		return nil
	}

	m := msg
	rc.insert(&m)
	if m.ID != "" {
		rc.byID[m.ID] = &m
	}
	if m.ClientMessageID != "" {
		rc.byClient[m.ClientMessageID] = &m
	}
	return nil
}

// insert places the message at its creation-time position. Messages usually
// arrive in order, so scanning from the tail is cheap; history pages loaded
// by the REST collaborator land at the front.
func (rc *roomCache) insert(m *protocol.Message) {
	i := len(rc.ordered)
	for i > 0 && m.CreatedAt != 0 && rc.ordered[i-1].CreatedAt > m.CreatedAt {
		i--
	}
	rc.ordered = append(rc.ordered, nil)
	copy(rc.ordered[i+1:], rc.ordered[i:])
	rc.ordered[i] = m
}

// reposition restores creation-time order after a merge changed an entry's
// CreatedAt (e.g. the server timestamp replacing the optimistic local one).
func (rc *roomCache) reposition(m *protocol.Message) {
	for i, cur := range rc.ordered {
		if cur == m {
			rc.ordered = append(rc.ordered[:i], rc.ordered[i+1:]...)
			rc.insert(m)
			return
		}
	}
}

// Messages implements Store.
func (s *MemoryStore) Messages(_ context.Context, roomID string) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc, ok := s.rooms[roomID]
	if !ok {
		return []protocol.Message{}, nil
	}
	out := make([]protocol.Message, len(rc.ordered))
	for i, m := range rc.ordered {
		out[i] = *m
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, roomID, id string) (protocol.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc, ok := s.rooms[roomID]
	if !ok {
		return protocol.Message{}, false, nil
	}
	if m, ok := rc.byID[id]; ok {
		return *m, true, nil
	}
	if m, ok := rc.byClient[id]; ok {
		return *m, true, nil
	}
	return protocol.Message{}, false, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, roomID, id string, status protocol.AckStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	m, ok := rc.byID[id]
	if !ok {
		m, ok = rc.byClient[id]
	}
	if !ok {
		return nil
	}

	if protocol.StatusRank(status) > protocol.StatusRank(m.Status) {
		m.Status = status
		return nil
	}
	// FAILED is a client-local verdict, only valid while no server id has
	// been assigned.
	if status == protocol.StatusFailed && m.ID == "" {
		m.Status = protocol.StatusFailed
	}
	return nil
}

// MarkReadUpTo implements Store.
func (s *MemoryStore) MarkReadUpTo(_ context.Context, roomID, lastReadID, exceptSender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	if _, ok := rc.byID[lastReadID]; !ok {
		return nil
	}
	for _, m := range rc.ordered {
		if m.SenderID != exceptSender &&
			protocol.StatusRank(protocol.StatusRead) > protocol.StatusRank(m.Status) {
			m.Status = protocol.StatusRead
		}
		if m.ID == lastReadID {
			break
		}
	}
	return nil
}

// DropRoom implements Store.
func (s *MemoryStore) DropRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}
