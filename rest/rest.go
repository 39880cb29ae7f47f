// Package rest is the request/response collaborator of the real-time
// subsystem: room listing, message history pagination, room lifecycle, and
// support tickets. Fetched history pages are merged into the same shared
// cache the real-time client writes to, keyed by message id, so the two
// writers never conflict.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/swiftcart/chatkit/cache"
	"github.com/swiftcart/chatkit/protocol"
)

// Room is the conversation metadata shape shared with the server.
type Room = protocol.Room

// Ticket is a support ticket.
type Ticket = protocol.Ticket

// Client talks to the REST collaborator API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	credential string
	http       *http.Client
	store      cache.Store // optional; history pages are merged when set
}

// New creates a REST client. store may be nil when cache population is not
// wanted.
func New(baseURL, credential string, store cache.Store) *Client {
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		http:       &http.Client{Timeout: 15 * time.Second},
		store:      store,
	}
}

// do performs a JSON request and decodes the response into out (when
// non-nil). Non-2xx responses become errors carrying the status and body.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rest: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode response: %w", err)
	}
	return nil
}

// ListRooms returns all rooms visible to the authenticated user.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Room fetches a room by id.
func (c *Client) Room(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &room)
	return room, err
}

// RoomByOrder fetches the room attached to an order, by order id and room
// type.
func (c *Client) RoomByOrder(ctx context.Context, orderID, roomType string) (Room, error) {
	q := url.Values{"order_id": {orderID}, "room_type": {roomType}}
	var room Room
	err := c.do(ctx, http.MethodGet, "/api/rooms/by-order?"+q.Encode(), nil, &room)
	return room, err
}

// CreateRoom creates a conversation room for an order.
func (c *Client) CreateRoom(ctx context.Context, orderID, roomType string) (Room, error) {
	var room Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]string{
		"order_id":  orderID,
		"room_type": roomType,
	}, &room)
	return room, err
}

// CloseRoom closes a room. Closed rooms reject new messages.
func (c *Client) CloseRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/close", nil, nil)
}

// History fetches one page of message history, oldest first. A non-empty
// before is an exclusive message-id cursor. Fetched messages are merged
// into the shared cache when one is configured, deferring to any fresher
// real-time state already present.
func (c *Client) History(ctx context.Context, roomID, before string, limit int) ([]protocol.Message, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}

	if c.store != nil {
		for _, m := range msgs {
			if err := c.store.Upsert(ctx, m); err != nil {
				return msgs, fmt.Errorf("rest: cache history page: %w", err)
			}
		}
	}
	return msgs, nil
}

// CreateTicket opens a support ticket and its backing room.
func (c *Client) CreateTicket(ctx context.Context, subject string) (Ticket, error) {
	var t Ticket
	err := c.do(ctx, http.MethodPost, "/api/tickets", map[string]string{"subject": subject}, &t)
	return t, err
}

// ListTickets returns the user's support tickets.
func (c *Client) ListTickets(ctx context.Context) ([]Ticket, error) {
	var ts []Ticket
	if err := c.do(ctx, http.MethodGet, "/api/tickets", nil, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// AssignTicket assigns a ticket to an agent.
func (c *Client) AssignTicket(ctx context.Context, ticketID, assigneeID string) (Ticket, error) {
	var t Ticket
	err := c.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(ticketID)+"/assign",
		map[string]string{"assignee_id": assigneeID}, &t)
	return t, err
}

// ResolveTicket marks a ticket resolved.
func (c *Client) ResolveTicket(ctx context.Context, ticketID string) (Ticket, error) {
	var t Ticket
	err := c.do(ctx, http.MethodPost, "/api/tickets/"+url.PathEscape(ticketID)+"/resolve", nil, &t)
	return t, err
}
