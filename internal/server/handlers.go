package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/swiftcart/chatkit/internal/ratelimit"
	"github.com/swiftcart/chatkit/protocol"
)

// registerREST wires the request/response API: rooms, history, and tickets.
// Every route requires a bearer credential signed with the same secret the
// WebSocket handshake uses.
func (s *Server) registerREST(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms", s.withAuth(s.handleListRooms))
	mux.HandleFunc("POST /api/rooms", s.withAuth(s.handleCreateRoom))
	mux.HandleFunc("GET /api/rooms/by-order", s.withAuth(s.handleRoomByOrder))
	mux.HandleFunc("GET /api/rooms/{id}", s.withAuth(s.handleRoom))
	mux.HandleFunc("POST /api/rooms/{id}/close", s.withAuth(s.handleCloseRoom))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.withAuth(s.handleHistory))
	mux.HandleFunc("POST /api/tickets", s.withAuth(s.handleCreateTicket))
	mux.HandleFunc("GET /api/tickets", s.withAuth(s.handleListTickets))
	mux.HandleFunc("POST /api/tickets/{id}/assign", s.withAuth(s.handleAssignTicket))
	mux.HandleFunc("POST /api/tickets/{id}/resolve", s.withAuth(s.handleResolveTicket))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}
		userID, err := ValidateCredential([]byte(s.cfg.JWTSecret), credential)
		if err != nil {
			http.Error(w, "invalid credential", http.StatusUnauthorized)
			return
		}

		if allowed, _ := s.limiter.Allow(r.Context(), userID, ratelimit.RuleAPI); !allowed {
			w.Header().Set("X-RateLimit-Remaining", "0")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		if left, err := s.limiter.Remaining(r.Context(), userID, ratelimit.RuleAPI); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
		}

		h(w, r, userID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request, _ string) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		log.Printf("[server] list rooms: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rooms == nil {
		rooms = []protocol.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		OrderID  string `json:"order_id"`
		RoomType string `json:"room_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.RoomType != "order" && req.RoomType != "support" {
		http.Error(w, "room_type must be order or support", http.StatusBadRequest)
		return
	}

	room, err := s.store.CreateRoom(r.Context(), req.OrderID, req.RoomType)
	if err != nil {
		log.Printf("[server] create room: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request, _ string) {
	room, err := s.store.RoomByID(r.Context(), r.PathValue("id"))
	if err == ErrNotFound {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[server] room: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleRoomByOrder(w http.ResponseWriter, r *http.Request, _ string) {
	orderID := r.URL.Query().Get("order_id")
	roomType := r.URL.Query().Get("room_type")
	if orderID == "" || roomType == "" {
		http.Error(w, "order_id and room_type required", http.StatusBadRequest)
		return
	}

	room, err := s.store.RoomByOrder(r.Context(), orderID, roomType)
	if err == ErrNotFound {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[server] room by order: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// handleCloseRoom closes the room and broadcasts the status change to its
// live members.
func (s *Server) handleCloseRoom(w http.ResponseWriter, r *http.Request, _ string) {
	roomID := r.PathValue("id")
	err := s.store.CloseRoom(r.Context(), roomID)
	if err == ErrNotFound {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[server] close room: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	frame, err := protocol.NewMessage(protocol.TypeRoomStatus, protocol.RoomStatusMsg{
		RoomID: roomID,
		Status: "closed",
	})
	if err == nil {
		s.fanOut("", roomID, frame)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.store.History(r.Context(), r.PathValue("id"), r.URL.Query().Get("before"), limit)
	if err != nil {
		log.Printf("[server] history: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleCreateTicket opens a ticket plus its backing support room and
// notifies live sessions so agent UIs can pick it up.
func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		http.Error(w, "subject required", http.StatusBadRequest)
		return
	}

	ticket, err := s.store.CreateTicket(r.Context(), req.Subject)
	if err != nil {
		log.Printf("[server] create ticket: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	frame, err := protocol.NewMessage(protocol.TypeNotification, protocol.NotificationMsg{
		RoomID: ticket.RoomID,
		Title:  "New support ticket",
		Body:   req.Subject,
	})
	if err == nil {
		s.fanOut("", ticket.RoomID, frame)
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request, _ string) {
	tickets, err := s.store.ListTickets(r.Context())
	if err != nil {
		log.Printf("[server] list tickets: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if tickets == nil {
		tickets = []protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleAssignTicket(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		AssigneeID string `json:"assignee_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssigneeID == "" {
		http.Error(w, "assignee_id required", http.StatusBadRequest)
		return
	}

	ticket, err := s.store.AssignTicket(r.Context(), r.PathValue("id"), req.AssigneeID)
	if err == ErrNotFound {
		http.Error(w, "ticket not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[server] assign ticket: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleResolveTicket(w http.ResponseWriter, r *http.Request, _ string) {
	ticket, err := s.store.ResolveTicket(r.Context(), r.PathValue("id"))
	if err == ErrNotFound {
		http.Error(w, "ticket not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[server] resolve ticket: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}
