// Package cache provides the shared, externally-owned message cache that
// backs every UI surface. The real-time subsystem and the REST collaborator
// both write into the same store, so all writes go through an additive merge
// keyed by message identifier: server-authoritative fields win and a
// delivery status never moves backwards.
package cache

import (
	"context"

	"github.com/swiftcart/chatkit/protocol"
)

// Store is the cache contract. Implementations must be safe for concurrent
// use; the in-memory store serves single-process clients and the Redis store
// lets several client processes (e.g. a bot fleet) share one view.
type Store interface {
	// Upsert merges a message into its room, matching an existing entry by
	// server id first and client message id second.
	Upsert(ctx context.Context, msg protocol.Message) error

	// Messages returns a room's messages ordered by creation time.
	Messages(ctx context.Context, roomID string) ([]protocol.Message, error)

	// Get looks up a single message by server id or client message id.
	Get(ctx context.Context, roomID, id string) (protocol.Message, bool, error)

	// UpdateStatus advances a message's delivery status. Regressions are
	// ignored, except that an unacked optimistic entry may be marked FAILED.
	UpdateStatus(ctx context.Context, roomID, id string, status protocol.AckStatus) error

	// MarkReadUpTo marks every message up to and including lastReadID as
	// READ, skipping messages authored by exceptSender. Unknown ids are a
	// no-op.
	MarkReadUpTo(ctx context.Context, roomID, lastReadID, exceptSender string) error

	// DropRoom removes all cached messages for a room.
	DropRoom(ctx context.Context, roomID string) error
}

// Merge combines a cached message with an incoming one describing the same
// message. Incoming server-assigned fields take precedence; empty incoming
// fields never clobber populated local ones.
func Merge(local, incoming protocol.Message) protocol.Message {
	out := local

	if incoming.ID != "" {
		out.ID = incoming.ID
	}
	if incoming.ClientMessageID != "" {
		out.ClientMessageID = incoming.ClientMessageID
	}
	if incoming.RoomID != "" {
		out.RoomID = incoming.RoomID
	}
	if incoming.SenderID != "" {
		out.SenderID = incoming.SenderID
	}
	if incoming.Content != "" {
		out.Content = incoming.Content
	}
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.Metadata != nil {
		out.Metadata = incoming.Metadata
	}
	if incoming.ReplyToID != "" {
		out.ReplyToID = incoming.ReplyToID
	}
	// Once the entry carries a server id its CreatedAt is the server's
	// timestamp; a late optimistic write must not replace it with the local
	// clock's value.
	if incoming.CreatedAt != 0 && (local.ID == "" || local.CreatedAt == 0) {
		out.CreatedAt = incoming.CreatedAt
	}
	if protocol.StatusRank(incoming.Status) > protocol.StatusRank(out.Status) {
		out.Status = incoming.Status
	}
	return out
}
