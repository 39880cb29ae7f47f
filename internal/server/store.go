package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/swiftcart/chatkit/protocol"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = fmt.Errorf("store: not found")

// Store manages rooms, messages, and tickets in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SaveMessage persists a message and returns the canonical row. Inserts are
// deduplicated on client_message_id: a retransmission of an already-stored
// message returns the original row instead of creating a duplicate, so the
// caller can re-send the same ack.
func (s *Store) SaveMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	var metadataJSON []byte
	if len(msg.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(msg.Metadata)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("store: marshal metadata: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	const query = `
		INSERT INTO messages (id, client_message_id, room_id, sender_id, content, message_type, metadata, reply_to_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_message_id)
		DO UPDATE SET client_message_id = EXCLUDED.client_message_id
		RETURNING id, status, created_at`

	saved := msg
	err := s.db.QueryRowContext(ctx, query,
		id,
		msg.ClientMessageID,
		msg.RoomID,
		msg.SenderID,
		msg.Content,
		string(msg.Type),
		metadataJSON,
		nullString(msg.ReplyToID),
		string(protocol.StatusSent),
		now,
	).Scan(&saved.ID, &saved.Status, &saved.CreatedAt)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: save message: %w", err)
	}
	return saved, nil
}

// History returns one page of a room's messages, oldest first. A non-empty
// before is an exclusive message-id cursor pointing at the oldest message
// the caller already has.
func (s *Store) History(ctx context.Context, roomID, before string, limit int) ([]protocol.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	const query = `
		SELECT id, client_message_id, room_id, sender_id, content, message_type, metadata, COALESCE(reply_to_id, ''), status, created_at
		FROM messages
		WHERE room_id = $1
		  AND ($2 = '' OR created_at < (SELECT created_at FROM messages WHERE id = $2))
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var page []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var metadataJSON []byte
		if err := rows.Scan(&m.ID, &m.ClientMessageID, &m.RoomID, &m.SenderID,
			&m.Content, &m.Type, &metadataJSON, &m.ReplyToID, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("store: unmarshal metadata: %w", err)
			}
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history rows: %w", err)
	}

	// Reverse into oldest-first order for the client.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// MarkRead marks messages in a room as read by readerID. With explicit ids
// only those rows move; otherwise every unread message authored by another
// user in the room is marked.
func (s *Store) MarkRead(ctx context.Context, roomID, readerID string, messageIDs []string) error {
	var err error
	if len(messageIDs) > 0 {
		const query = `
			UPDATE messages SET status = 'READ'
			WHERE room_id = $1 AND sender_id <> $2 AND id = ANY($3) AND status <> 'READ'`
		_, err = s.db.ExecContext(ctx, query, roomID, readerID, pq.Array(messageIDs))
	} else {
		const query = `
			UPDATE messages SET status = 'READ'
			WHERE room_id = $1 AND sender_id <> $2 AND status <> 'READ'`
		_, err = s.db.ExecContext(ctx, query, roomID, readerID)
	}
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}

// LastMessageID returns the id of the newest message in a room authored by
// someone other than readerID, or "" when the room has none. Used to attach
// a last_read_message_id to fanned-out read receipts.
func (s *Store) LastMessageID(ctx context.Context, roomID, readerID string) (string, error) {
	const query = `
		SELECT id FROM messages
		WHERE room_id = $1 AND sender_id <> $2
		ORDER BY created_at DESC LIMIT 1`

	var id string
	err := s.db.QueryRowContext(ctx, query, roomID, readerID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: last message: %w", err)
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// CreateRoom creates an open room. orderID may be empty for support rooms.
func (s *Store) CreateRoom(ctx context.Context, orderID, roomType string) (protocol.Room, error) {
	room := protocol.Room{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Type:      roomType,
		Status:    "open",
		CreatedAt: time.Now().UnixMilli(),
	}

	const query = `
		INSERT INTO rooms (id, order_id, room_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, room.ID, nullString(room.OrderID), room.Type, room.Status, room.CreatedAt)
	if err != nil {
		return protocol.Room{}, fmt.Errorf("store: create room: %w", err)
	}
	return room, nil
}

// RoomByID fetches a room.
func (s *Store) RoomByID(ctx context.Context, roomID string) (protocol.Room, error) {
	const query = `
		SELECT id, COALESCE(order_id, ''), room_type, status, created_at
		FROM rooms WHERE id = $1`
	return s.scanRoom(s.db.QueryRowContext(ctx, query, roomID))
}

// RoomByOrder fetches the room attached to an order, by order id and type.
func (s *Store) RoomByOrder(ctx context.Context, orderID, roomType string) (protocol.Room, error) {
	const query = `
		SELECT id, COALESCE(order_id, ''), room_type, status, created_at
		FROM rooms WHERE order_id = $1 AND room_type = $2`
	return s.scanRoom(s.db.QueryRowContext(ctx, query, orderID, roomType))
}

// ListRooms returns all open rooms, newest first.
func (s *Store) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	const query = `
		SELECT id, COALESCE(order_id, ''), room_type, status, created_at
		FROM rooms WHERE status = 'open' ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []protocol.Room
	for rows.Next() {
		var r protocol.Room
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Type, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// CloseRoom marks a room closed. Closed rooms reject new messages.
func (s *Store) CloseRoom(ctx context.Context, roomID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET status = 'closed' WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("store: close room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanRoom(row *sql.Row) (protocol.Room, error) {
	var r protocol.Room
	err := row.Scan(&r.ID, &r.OrderID, &r.Type, &r.Status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return protocol.Room{}, ErrNotFound
	}
	if err != nil {
		return protocol.Room{}, fmt.Errorf("store: scan room: %w", err)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Tickets
// ---------------------------------------------------------------------------

// CreateTicket opens a support ticket together with its backing room.
func (s *Store) CreateTicket(ctx context.Context, subject string) (protocol.Ticket, error) {
	room, err := s.CreateRoom(ctx, "", "support")
	if err != nil {
		return protocol.Ticket{}, err
	}

	ticket := protocol.Ticket{
		ID:        uuid.NewString(),
		RoomID:    room.ID,
		Subject:   subject,
		Status:    "open",
		CreatedAt: time.Now().UnixMilli(),
	}

	const query = `
		INSERT INTO tickets (id, room_id, subject, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, ticket.ID, ticket.RoomID, ticket.Subject, ticket.Status, ticket.CreatedAt); err != nil {
		return protocol.Ticket{}, fmt.Errorf("store: create ticket: %w", err)
	}
	return ticket, nil
}

// ListTickets returns all tickets, newest first.
func (s *Store) ListTickets(ctx context.Context) ([]protocol.Ticket, error) {
	const query = `
		SELECT id, room_id, subject, status, COALESCE(assignee_id, ''), created_at
		FROM tickets ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []protocol.Ticket
	for rows.Next() {
		var t protocol.Ticket
		if err := rows.Scan(&t.ID, &t.RoomID, &t.Subject, &t.Status, &t.AssigneeID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// AssignTicket assigns a ticket to an agent and returns the updated row.
func (s *Store) AssignTicket(ctx context.Context, ticketID, assigneeID string) (protocol.Ticket, error) {
	const query = `
		UPDATE tickets SET assignee_id = $2, status = 'assigned'
		WHERE id = $1
		RETURNING id, room_id, subject, status, COALESCE(assignee_id, ''), created_at`
	return s.scanTicket(s.db.QueryRowContext(ctx, query, ticketID, assigneeID))
}

// ResolveTicket marks a ticket resolved and returns the updated row.
func (s *Store) ResolveTicket(ctx context.Context, ticketID string) (protocol.Ticket, error) {
	const query = `
		UPDATE tickets SET status = 'resolved'
		WHERE id = $1
		RETURNING id, room_id, subject, status, COALESCE(assignee_id, ''), created_at`
	return s.scanTicket(s.db.QueryRowContext(ctx, query, ticketID))
}

func (s *Store) scanTicket(row *sql.Row) (protocol.Ticket, error) {
	var t protocol.Ticket
	err := row.Scan(&t.ID, &t.RoomID, &t.Subject, &t.Status, &t.AssigneeID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return protocol.Ticket{}, ErrNotFound
	}
	if err != nil {
		return protocol.Ticket{}, fmt.Errorf("store: scan ticket: %w", err)
	}
	return t, nil
}

// nullString maps "" to NULL so partial unique indexes behave.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
