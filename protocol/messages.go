// Package protocol defines the WebSocket message types and structures used for
// communication between a chat client and the messaging server. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server command types.
const (
	TypeAuth        = "auth"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeSetTyping   = "set_typing"
	TypeMarkRead    = "mark_read"
)

// Server -> Client event types.
const (
	TypeAuthOK       = "auth_ok"
	TypeMessage      = "message"
	TypeMessageAck   = "message_ack"
	TypeTyping       = "typing"
	TypeRead         = "read"
	TypeRoomStatus   = "room_status_changed"
	TypeNotification = "notification"
	TypeKicked       = "kicked"
	TypeError        = "error"
)

// MessageType is the content type of a chat message.
type MessageType string

const (
	MessageTypeText     MessageType = "TEXT"
	MessageTypeImage    MessageType = "IMAGE"
	MessageTypeLocation MessageType = "LOCATION"
)

// AckStatus is the delivery status carried by a message acknowledgment and
// stored on cached messages.
type AckStatus string

const (
	StatusSent      AckStatus = "SENT"
	StatusDelivered AckStatus = "DELIVERED"
	StatusRead      AckStatus = "READ"
	StatusFailed    AckStatus = "FAILED"
)

// StatusRank orders delivery statuses so that merges never move a message
// backwards (e.g. READ -> SENT). FAILED ranks lowest: it is a client-local
// verdict that any authoritative server status may overturn.
func StatusRank(s AckStatus) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Message is the authoritative chat message shape shared by the wire
// protocol, the REST collaborator, and the client-side cache.
type Message struct {
	ID              string         `json:"id,omitempty"`
	ClientMessageID string         `json:"client_message_id,omitempty"`
	RoomID          string         `json:"room_id"`
	SenderID        string         `json:"sender_id"`
	Content         string         `json:"content"`
	Type            MessageType    `json:"message_type"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ReplyToID       string         `json:"reply_to_id,omitempty"`
	Status          AckStatus      `json:"status,omitempty"`
	CreatedAt       int64          `json:"created_at"` // unix milliseconds
}

// Room is the conversation metadata shape shared by the wire protocol and
// the REST collaborator.
type Room struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id,omitempty"`
	Type      string `json:"room_type"` // "order" | "support"
	Status    string `json:"status"`    // "open" | "closed"
	CreatedAt int64  `json:"created_at"`
}

// Ticket is a support ticket, handled by the REST collaborator and backed
// by a support room.
type Ticket struct {
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	Subject    string `json:"subject"`
	Status     string `json:"status"` // "open" | "assigned" | "resolved"
	AssigneeID string `json:"assignee_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server command structs
// ---------------------------------------------------------------------------

// AuthCmd is the first message a client sends after the transport handshake.
// The credential is opaque to the client; the server validates it and binds
// the connection to the given user.
type AuthCmd struct {
	Type       string `json:"type"`
	Credential string `json:"credential"`
	UserID     string `json:"user_id"`
}

// JoinRoomCmd declares interest in a room's events.
type JoinRoomCmd struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomCmd withdraws interest in a room's events.
type LeaveRoomCmd struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageCmd submits a chat message. ClientMessageID is generated by the
// sender and reused verbatim on every retry so the server can deduplicate.
type SendMessageCmd struct {
	Type            string         `json:"type"`
	RoomID          string         `json:"room_id"`
	Content         string         `json:"content"`
	MessageType     MessageType    `json:"message_type"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ClientMessageID string         `json:"client_message_id"`
	ReplyToID       string         `json:"reply_to_id,omitempty"`
}

// SetTypingCmd signals the local user's typing state for a room.
type SetTypingCmd struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// MarkReadCmd reports that the local user has read messages in a room.
// An empty MessageIDs slice means "everything currently visible".
type MarkReadCmd struct {
	Type       string   `json:"type"`
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// AuthOKMsg confirms a successful handshake and carries the server-assigned
// session identifier.
type AuthOKMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MessageMsg delivers a chat message to room members.
type MessageMsg struct {
	Type string `json:"type"`
	Message
}

// MessageAckMsg correlates a client-generated message identifier with the
// server-assigned one and a delivery status. It is consumed once to resolve
// a pending send and is never stored.
type MessageAckMsg struct {
	Type            string    `json:"type"`
	ClientMessageID string    `json:"client_message_id"`
	MessageID       string    `json:"message_id"`
	Status          AckStatus `json:"status"`
	Timestamp       int64     `json:"timestamp"`
}

// TypingMsg relays another user's typing indicator.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadMsg relays a read receipt. The two addressing modes (explicit id list
// and "everything up to LastReadMessageID") are not mutually exclusive; when
// both are present their effects are applied independently.
type ReadMsg struct {
	Type              string   `json:"type"`
	RoomID            string   `json:"room_id"`
	UserID            string   `json:"user_id"`
	MessageIDs        []string `json:"message_ids,omitempty"`
	LastReadMessageID string   `json:"last_read_message_id,omitempty"`
	ReadAt            int64    `json:"read_at"`
}

// RoomStatusMsg announces a room lifecycle change (e.g. an order conversation
// being closed).
type RoomStatusMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Status string `json:"status"` // "open" | "closed"
}

// NotificationMsg is an in-band notification for rooms the client has not
// necessarily joined (e.g. a new support ticket reply).
type NotificationMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// KickedMsg is a server-initiated termination. The client must not
// auto-reconnect after receiving it.
type KickedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMsg communicates a non-fatal protocol error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client command.
// It returns the command type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetTyping:
		var m SetTypingCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadCmd
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses raw WebSocket bytes into a typed server event.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthOK:
		var m AuthOKMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageAck:
		var m MessageAckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRead:
		var m ReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRoomStatus:
		var m RoomStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNotification:
		var m NotificationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeKicked:
		var m KickedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded byte slice for a protocol message. The
// msgType is injected into the payload under the "type" key so callers do not
// have to fill the Type field on every struct.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
