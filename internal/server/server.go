// Package server is the reference chat server: it honors the event/ack
// contract the client SDK speaks. Messages are persisted to PostgreSQL
// before being acked, sessions live in Redis, and room events are fanned
// out across instances over NATS.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/swiftcart/chatkit/internal/messaging"
	"github.com/swiftcart/chatkit/internal/metrics"
	"github.com/swiftcart/chatkit/internal/ratelimit"
	"github.com/swiftcart/chatkit/protocol"
)

// Config holds the server settings.
type Config struct {
	ListenAddr     string        // host:port for the HTTP/WebSocket listener
	JWTSecret      string        // HMAC secret for credential validation
	AuthTimeout    time.Duration // how long a socket may sit unauthenticated
	MaxConnections int           // refuse upgrades beyond this many sessions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		AuthTimeout:    10 * time.Second,
		MaxConnections: 10000,
	}
}

// rateLimiter is the slice of ratelimit.Limiter the server depends on.
type rateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Server ties the connection registry, stores, and NATS fan-out together.
type Server struct {
	cfg      Config
	registry *Registry
	sessions *SessionStore
	store    *Store
	nats     *messaging.NATSClient
	limiter  rateLimiter
	httpSrv  *http.Server
}

// New assembles a server from its dependencies. The rate limiter shares the
// session store's Redis client so limits hold across instances.
func New(cfg Config, store *Store, sessions *SessionStore, natsClient *messaging.NATSClient) *Server {
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		sessions: sessions,
		store:    store,
		nats:     natsClient,
		limiter:  ratelimit.NewLimiter(sessions.Client()),
	}
}

// Start builds the routes and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", metrics.Handler())
	s.registerREST(mux)

	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	log.Printf("[server] listening on %s", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// WebSocket sessions
// ---------------------------------------------------------------------------

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ok, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleConnect); !ok {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[server] upgrade failed: %v", err)
		return
	}
	go s.serveConn(conn)
}

// serveConn owns one socket: first-frame auth handshake, then the command
// loop. Cleanup runs unconditionally on exit.
func (s *Server) serveConn(raw net.Conn) {
	conn := s.authenticate(raw)
	if conn == nil {
		return
	}

	ctx := context.Background()
	defer func() {
		s.nats.UnsubscribeSession(conn.SessionID)
		s.registry.Remove(conn.SessionID)
		if err := s.sessions.Delete(ctx, conn.SessionID); err != nil {
			log.Printf("[server] delete session %s: %v", conn.SessionID, err)
		}
		log.Printf("[server] session %s (user %s) closed", conn.SessionID, conn.UserID)
	}()

	for {
		data, err := wsutil.ReadClientText(conn.Conn)
		if err != nil {
			return
		}

		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.writeError(conn, "bad_message", err.Error())
			continue
		}
		s.dispatch(ctx, conn, msgType, msg)
	}
}

// authenticate runs the first-frame handshake. On failure it writes a
// kicked frame and closes the socket, returning nil.
func (s *Server) authenticate(raw net.Conn) *Connection {
	raw.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	fail := func(reason string) {
		frame, _ := protocol.NewMessage(protocol.TypeKicked, protocol.KickedMsg{Reason: reason})
		_ = wsutil.WriteServerMessage(raw, ws.OpText, frame)
		raw.Close()
	}

	data, err := wsutil.ReadClientText(raw)
	if err != nil {
		raw.Close()
		return nil
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil || msgType != protocol.TypeAuth {
		fail("expected auth")
		return nil
	}
	cmd := msg.(protocol.AuthCmd)

	userID, err := ValidateCredential([]byte(s.cfg.JWTSecret), cmd.Credential)
	if err != nil || (cmd.UserID != "" && cmd.UserID != userID) {
		fail("unauthorized")
		return nil
	}

	raw.SetReadDeadline(time.Time{})

	conn := &Connection{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Conn:      raw,
		CreatedAt: time.Now(),
	}

	if err := s.sessions.Create(context.Background(), conn.SessionID, conn.UserID); err != nil {
		log.Printf("[server] create session: %v", err)
		fail("internal error")
		return nil
	}
	s.registry.Add(conn)

	frame, _ := protocol.NewMessage(protocol.TypeAuthOK, protocol.AuthOKMsg{SessionID: conn.SessionID})
	if err := conn.WriteMessage(frame); err != nil {
		s.registry.Remove(conn.SessionID)
		return nil
	}

	log.Printf("[server] session %s authenticated as %s", conn.SessionID, conn.UserID)
	return conn
}

func (s *Server) writeError(conn *Connection, code, message string) {
	frame, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		log.Printf("[server] write error frame to %s: %v", conn.SessionID, err)
	}
}

// dispatch routes one parsed client command.
func (s *Server) dispatch(ctx context.Context, conn *Connection, msgType string, msg interface{}) {
	switch msgType {
	case protocol.TypeJoinRoom:
		s.handleJoin(ctx, conn, msg.(protocol.JoinRoomCmd))
	case protocol.TypeLeaveRoom:
		s.handleLeave(ctx, conn, msg.(protocol.LeaveRoomCmd))
	case protocol.TypeSendMessage:
		s.handleSend(ctx, conn, msg.(protocol.SendMessageCmd))
	case protocol.TypeSetTyping:
		s.handleTyping(conn, msg.(protocol.SetTypingCmd))
	case protocol.TypeMarkRead:
		s.handleMarkRead(ctx, conn, msg.(protocol.MarkReadCmd))
	default:
		s.writeError(conn, "unknown_type", "unsupported command "+msgType)
	}
}

func (s *Server) handleJoin(ctx context.Context, conn *Connection, cmd protocol.JoinRoomCmd) {
	s.registry.JoinRoom(cmd.RoomID, conn)
	if err := s.sessions.JoinRoom(ctx, conn.SessionID, cmd.RoomID); err != nil {
		log.Printf("[server] persist join %s/%s: %v", conn.SessionID, cmd.RoomID, err)
	}

	sessionID := conn.SessionID
	err := s.nats.SubscribeRoom(cmd.RoomID, sessionID, func(data []byte) {
		var ev messaging.RoomEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[server] bad room event: %v", err)
			return
		}
		if ev.OriginSession == sessionID {
			return
		}
		if c := s.registry.Get(sessionID); c != nil {
			_ = c.WriteMessage(ev.Frame)
		}
	})
	if err != nil {
		log.Printf("[server] subscribe %s to %s: %v", sessionID, cmd.RoomID, err)
		s.writeError(conn, "join_failed", "could not join room")
	}
}

func (s *Server) handleLeave(ctx context.Context, conn *Connection, cmd protocol.LeaveRoomCmd) {
	s.registry.LeaveRoom(cmd.RoomID, conn.SessionID)
	if err := s.sessions.LeaveRoom(ctx, conn.SessionID, cmd.RoomID); err != nil {
		log.Printf("[server] persist leave %s/%s: %v", conn.SessionID, cmd.RoomID, err)
	}
	if err := s.nats.UnsubscribeRoom(cmd.RoomID, conn.SessionID); err != nil {
		log.Printf("[server] unsubscribe %s from %s: %v", conn.SessionID, cmd.RoomID, err)
	}
}

// handleSend persists the message, acks the sender, and fans the stored
// message out to the room. Persist-then-ack: the client may retransmit after
// a reconnect and the store dedupes on client_message_id, so a duplicate
// send yields the original row and an identical ack.
func (s *Server) handleSend(ctx context.Context, conn *Connection, cmd protocol.SendMessageCmd) {
	ackFail := func() {
		frame, _ := protocol.NewMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			ClientMessageID: cmd.ClientMessageID,
			Status:          protocol.StatusFailed,
			Timestamp:       time.Now().UnixMilli(),
		})
		_ = conn.WriteMessage(frame)
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	}

	if cmd.Content == "" || cmd.RoomID == "" || cmd.ClientMessageID == "" {
		ackFail()
		return
	}

	if ok, _ := s.limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage); !ok {
		s.writeError(conn, "rate_limited", "too many messages")
		ackFail()
		return
	}

	room, err := s.store.RoomByID(ctx, cmd.RoomID)
	if err != nil || room.Status != "open" {
		ackFail()
		return
	}

	msgType := cmd.MessageType
	if msgType == "" {
		msgType = protocol.MessageTypeText
	}

	saved, err := s.store.SaveMessage(ctx, protocol.Message{
		ClientMessageID: cmd.ClientMessageID,
		RoomID:          cmd.RoomID,
		SenderID:        conn.UserID,
		Content:         cmd.Content,
		Type:            msgType,
		Metadata:        cmd.Metadata,
		ReplyToID:       cmd.ReplyToID,
	})
	if err != nil {
		log.Printf("[server] save message %s: %v", cmd.ClientMessageID, err)
		ackFail()
		return
	}

	ack, err := protocol.NewMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
		ClientMessageID: saved.ClientMessageID,
		MessageID:       saved.ID,
		Status:          saved.Status,
		Timestamp:       saved.CreatedAt,
	})
	if err == nil {
		_ = conn.WriteMessage(ack)
	}
	metrics.DeliveriesTotal.WithLabelValues("sent").Inc()

	frame, err := protocol.NewMessage(protocol.TypeMessage, protocol.MessageMsg{Message: saved})
	if err != nil {
		return
	}
	s.fanOut(conn.SessionID, cmd.RoomID, frame)
}

func (s *Server) handleTyping(conn *Connection, cmd protocol.SetTypingCmd) {
	// Typing is a hint; over-limit signals are dropped without an error.
	if ok, _ := s.limiter.Allow(context.Background(), conn.UserID, ratelimit.RuleTyping); !ok {
		return
	}

	frame, err := protocol.NewMessage(protocol.TypeTyping, protocol.TypingMsg{
		RoomID:   cmd.RoomID,
		UserID:   conn.UserID,
		IsTyping: cmd.IsTyping,
	})
	if err != nil {
		return
	}
	s.fanOut(conn.SessionID, cmd.RoomID, frame)
}

// handleMarkRead persists the receipt and fans it out. With an explicit id
// list the receipt addresses those messages; otherwise it addresses
// everything up to the room's newest foreign message.
func (s *Server) handleMarkRead(ctx context.Context, conn *Connection, cmd protocol.MarkReadCmd) {
	if err := s.store.MarkRead(ctx, cmd.RoomID, conn.UserID, cmd.MessageIDs); err != nil {
		log.Printf("[server] mark read %s/%s: %v", conn.UserID, cmd.RoomID, err)
		return
	}

	receipt := protocol.ReadMsg{
		RoomID:     cmd.RoomID,
		UserID:     conn.UserID,
		MessageIDs: cmd.MessageIDs,
		ReadAt:     time.Now().UnixMilli(),
	}
	if len(cmd.MessageIDs) == 0 {
		lastID, err := s.store.LastMessageID(ctx, cmd.RoomID, conn.UserID)
		if err != nil {
			log.Printf("[server] last message %s: %v", cmd.RoomID, err)
		}
		if lastID == "" {
			return // nothing to address
		}
		receipt.LastReadMessageID = lastID
	}

	frame, err := protocol.NewMessage(protocol.TypeRead, receipt)
	if err != nil {
		return
	}
	s.fanOut(conn.SessionID, cmd.RoomID, frame)
}

// fanOut publishes a server event frame to the room subject. The origin
// session is recorded so its own instance does not echo the event back.
// When the broker is unavailable the frame is written directly to members
// connected to this instance so local traffic keeps flowing.
func (s *Server) fanOut(originSession, roomID string, frame []byte) {
	if s.nats != nil {
		data, err := json.Marshal(messaging.RoomEvent{
			OriginSession: originSession,
			Frame:         frame,
		})
		if err != nil {
			log.Printf("[server] marshal room event: %v", err)
			return
		}
		err = s.nats.PublishRoom(roomID, data)
		if err == nil {
			return
		}
		log.Printf("[server] publish to %s: %v, delivering locally", roomID, err)
	}

	for _, c := range s.registry.RoomMembers(roomID) {
		if c.SessionID == originSession {
			continue
		}
		if err := c.WriteMessage(frame); err != nil {
			log.Printf("[server] local deliver to %s: %v", c.SessionID, err)
		}
	}
}
