package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message command
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"room-1","content":"hello","message_type":"TEXT","client_message_id":"u1-100-abc"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	cmd, ok := msg.(SendMessageCmd)
	if !ok {
		t.Fatalf("expected SendMessageCmd, got %T", msg)
	}
	if cmd.RoomID != "room-1" {
		t.Errorf("expected room_id %q, got %q", "room-1", cmd.RoomID)
	}
	if cmd.Content != "hello" {
		t.Errorf("expected content %q, got %q", "hello", cmd.Content)
	}
	if cmd.ClientMessageID != "u1-100-abc" {
		t.Errorf("expected client_message_id %q, got %q", "u1-100-abc", cmd.ClientMessageID)
	}
	if cmd.MessageType != MessageTypeText {
		t.Errorf("expected message_type TEXT, got %q", cmd.MessageType)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a mark_read command with explicit ids
// ---------------------------------------------------------------------------

func TestParseClientMessage_MarkRead(t *testing.T) {
	input := []byte(`{"type":"mark_read","room_id":"room-1","message_ids":["m-1","m-2"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMarkRead {
		t.Fatalf("expected type %q, got %q", TypeMarkRead, msgType)
	}

	cmd := msg.(MarkReadCmd)
	if len(cmd.MessageIDs) != 2 {
		t.Fatalf("expected 2 message ids, got %d", len(cmd.MessageIDs))
	}
	if cmd.MessageIDs[0] != "m-1" || cmd.MessageIDs[1] != "m-2" {
		t.Errorf("unexpected message ids: %v", cmd.MessageIDs)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected on the client-command path
// ---------------------------------------------------------------------------

func TestParseClientMessage_RejectsServerType(t *testing.T) {
	input := []byte(`{"type":"message_ack","client_message_id":"x"}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a message event keeps nested message fields
// ---------------------------------------------------------------------------

func TestParseServerMessage_Message(t *testing.T) {
	input := []byte(`{"type":"message","id":"m-1","client_message_id":"u2-1-aaa","room_id":"room-1","sender_id":"u2","content":"hi","message_type":"TEXT","status":"SENT","created_at":1700000000000}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	mm, ok := msg.(MessageMsg)
	if !ok {
		t.Fatalf("expected MessageMsg, got %T", msg)
	}
	if mm.ID != "m-1" {
		t.Errorf("expected id %q, got %q", "m-1", mm.ID)
	}
	if mm.SenderID != "u2" {
		t.Errorf("expected sender %q, got %q", "u2", mm.SenderID)
	}
	if mm.Status != StatusSent {
		t.Errorf("expected status SENT, got %q", mm.Status)
	}
	if mm.CreatedAt != 1700000000000 {
		t.Errorf("expected created_at 1700000000000, got %d", mm.CreatedAt)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an ack event
// ---------------------------------------------------------------------------

func TestParseServerMessage_MessageAck(t *testing.T) {
	input := []byte(`{"type":"message_ack","client_message_id":"u1-100-abc","message_id":"m-500","status":"SENT","timestamp":1700000000123}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageAck {
		t.Fatalf("expected type %q, got %q", TypeMessageAck, msgType)
	}

	ack := msg.(MessageAckMsg)
	if ack.ClientMessageID != "u1-100-abc" {
		t.Errorf("expected client_message_id %q, got %q", "u1-100-abc", ack.ClientMessageID)
	}
	if ack.MessageID != "m-500" {
		t.Errorf("expected message_id %q, got %q", "m-500", ack.MessageID)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown types surface an error with the type preserved
// ---------------------------------------------------------------------------

func TestParseServerMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"bogus"}`)

	msgType, _, err := ParseServerMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "bogus" {
		t.Errorf("expected type %q to be returned alongside the error, got %q", "bogus", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: NewMessage injects the type discriminator
// ---------------------------------------------------------------------------

func TestNewMessage_InjectsType(t *testing.T) {
	data, err := NewMessage(TypeTyping, TypingMsg{RoomID: "room-1", UserID: "u2", IsTyping: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded["type"] != TypeTyping {
		t.Errorf("expected type %q, got %v", TypeTyping, decoded["type"])
	}
	if decoded["room_id"] != "room-1" {
		t.Errorf("expected room_id %q, got %v", "room-1", decoded["room_id"])
	}

	// Round-trip through the server-event parser.
	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}
	if !msg.(TypingMsg).IsTyping {
		t.Error("expected is_typing true after round trip")
	}
}

// ---------------------------------------------------------------------------
// Test: Status ranking never lets a status move backwards
// ---------------------------------------------------------------------------

func TestStatusRank_Ordering(t *testing.T) {
	if !(StatusRank(StatusFailed) < StatusRank(StatusSent)) {
		t.Error("expected FAILED to rank below SENT")
	}
	if !(StatusRank(StatusSent) < StatusRank(StatusDelivered)) {
		t.Error("expected SENT to rank below DELIVERED")
	}
	if !(StatusRank(StatusDelivered) < StatusRank(StatusRead)) {
		t.Error("expected DELIVERED to rank below READ")
	}
}
