// Package transport owns the lifecycle of the persistent WebSocket
// connection to the messaging server: dial, authenticate, detect disconnect,
// reconnect with exponential backoff, and replay registered hooks after
// every successful (re)connect. Server frames are parsed and fanned out as
// typed events on the bus; the package never interprets them beyond that.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/swiftcart/chatkit/internal/bus"
	"github.com/swiftcart/chatkit/internal/metrics"
	"github.com/swiftcart/chatkit/protocol"
)

// ErrNotConnected is returned by Send when no connection is established.
// Callers that queue work for replay (delivery) treat it as "deferred";
// best-effort callers (typing, receipts) drop the command.
var ErrNotConnected = errors.New("transport: not connected")

// DialFunc establishes the underlying WebSocket connection. It is injectable
// so tests can hand the manager one end of a net.Pipe.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// wsDial is the production dialer built on gobwas/ws.
func wsDial(ctx context.Context, url string) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return conn, nil
}

// State is the process-wide connection state snapshot surfaced to UI layers.
type State struct {
	IsConnected      bool
	IsReconnecting   bool
	Err              string
	ReconnectAttempt int
}

// Config holds tunable transport parameters.
type Config struct {
	URL                   string
	DialTimeout           time.Duration
	HandshakeTimeout      time.Duration // max wait for auth_ok after dialing
	PingInterval          time.Duration // 0 disables the keepalive ping
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxReconnectAttempts  int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:           10 * time.Second,
		HandshakeTimeout:      10 * time.Second,
		PingInterval:          30 * time.Second,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		MaxReconnectAttempts:  10,
	}
}

// Manager owns one persistent connection per authenticated session.
type Manager struct {
	cfg  Config
	bus  *bus.Bus
	dial DialFunc
	clk  clock.Clock

	mu         sync.Mutex
	conn       net.Conn
	state      State
	credential string
	userID     string
	sessionID  string
	// generation increments on every connect and teardown so that stale
	// read loops, ping loops, and reconnect loops detect they have been
	// superseded and exit without touching current state.
	generation int

	writeMu sync.Mutex

	onConnected []func()
}

// New creates a Manager publishing onto the given bus. A nil dial falls back
// to the gobwas/ws dialer, a nil clk to the wall clock.
func New(cfg Config, b *bus.Bus, dial DialFunc, clk clock.Clock) *Manager {
	if dial == nil {
		dial = wsDial
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{cfg: cfg, bus: b, dial: dial, clk: clk}
}

// OnConnected registers a hook invoked after every successful (re)connect,
// once the connection state has flipped to connected. Hooks run in
// registration order: membership replay first, then pending-send retry.
func (m *Manager) OnConnected(fn func()) {
	m.onConnected = append(m.onConnected, fn)
}

// Connect establishes the connection and authenticates with the given
// credential and user identity. It is idempotent when already connected with
// the same credential; a different credential tears down the existing
// connection first.
func (m *Manager) Connect(ctx context.Context, credential, userID string) error {
	m.mu.Lock()
	if m.state.IsConnected && m.credential == credential {
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked()
	m.credential = credential
	m.userID = userID

	err := m.connectLocked(ctx)
	if err != nil {
		m.state = State{Err: err.Error()}
		m.publishStateLocked()
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.runConnectedHooks()
	return nil
}

// Disconnect releases the connection and stops any reconnect loop. The
// manager can be connected again with a fresh Connect call.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.teardownLocked()
	m.state = State{}
	m.publishStateLocked()
	metrics.Connected.Set(0)
	m.mu.Unlock()
	return nil
}

// teardownLocked closes the current connection (if any) and invalidates all
// loops tied to it. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	m.generation++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// connectLocked dials, authenticates, and starts the read and ping loops.
// Callers hold m.mu.
func (m *Manager) connectLocked(ctx context.Context) error {
	dialCtx := ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := m.dial(dialCtx, m.cfg.URL)
	if err != nil {
		return err
	}

	sessionID, err := m.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	m.generation++
	gen := m.generation
	m.conn = conn
	m.sessionID = sessionID
	m.state = State{IsConnected: true}
	m.publishStateLocked()
	metrics.Connected.Set(1)

	go m.readLoop(gen, conn)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(gen, conn)
	}

	log.Printf("[transport] connected session=%s", sessionID)
	return nil
}

// handshake sends the auth command and waits for auth_ok.
func (m *Manager) handshake(conn net.Conn) (string, error) {
	data, err := protocol.NewMessage(protocol.TypeAuth, protocol.AuthCmd{
		Credential: m.credential,
		UserID:     m.userID,
	})
	if err != nil {
		return "", err
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return "", fmt.Errorf("transport: auth write: %w", err)
	}

	if m.cfg.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	reply, err := wsutil.ReadServerText(conn)
	if err != nil {
		return "", fmt.Errorf("transport: auth read: %w", err)
	}

	_, msg, err := protocol.ParseServerMessage(reply)
	if err != nil {
		return "", fmt.Errorf("transport: auth reply: %w", err)
	}
	switch v := msg.(type) {
	case protocol.AuthOKMsg:
		return v.SessionID, nil
	case protocol.KickedMsg:
		return "", fmt.Errorf("transport: rejected by server: %s", v.Reason)
	case protocol.ErrorMsg:
		return "", fmt.Errorf("transport: auth failed: %s: %s", v.Code, v.Message)
	default:
		return "", fmt.Errorf("transport: unexpected handshake reply %T", msg)
	}
}

func (m *Manager) runConnectedHooks() {
	for _, fn := range m.onConnected {
		fn()
	}
}

// Send marshals a command and writes it as a WebSocket text frame. It
// returns ErrNotConnected when no connection is up.
func (m *Manager) Send(msgType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state.IsConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msgType, err)
	}
	metrics.CommandsTotal.WithLabelValues(msgType).Inc()
	return nil
}

// IsConnected reports whether the connection is currently established.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsConnected
}

// State returns the current connection state snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the server-assigned session id for the current
// connection, or an empty string.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) publishStateLocked() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.ConnStateEvent{
		IsConnected:    m.state.IsConnected,
		IsReconnecting: m.state.IsReconnecting,
		Err:            m.state.Err,
		Attempt:        m.state.ReconnectAttempt,
	})
}

// readLoop reads server frames until the connection dies or is superseded.
func (m *Manager) readLoop(gen int, conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}
		if terminal := m.handleFrame(gen, data); terminal {
			return
		}
	}
}

// handleFrame parses one server frame and publishes the matching bus event.
// It returns true when the frame terminated the connection (kicked).
func (m *Manager) handleFrame(gen int, data []byte) bool {
	_, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("[transport] protocol error: %v", err)
		m.bus.Publish(bus.ProtocolErrorEvent{Code: "parse_error", Message: err.Error()})
		return false
	}

	switch v := msg.(type) {
	case protocol.MessageMsg:
		metrics.EventsTotal.WithLabelValues(protocol.TypeMessage).Inc()
		m.bus.Publish(bus.MessageEvent{Message: v.Message})
	case protocol.MessageAckMsg:
		metrics.EventsTotal.WithLabelValues(protocol.TypeMessageAck).Inc()
		m.bus.Publish(bus.AckEvent{
			ClientMessageID: v.ClientMessageID,
			MessageID:       v.MessageID,
			Status:          v.Status,
			Timestamp:       v.Timestamp,
		})
	case protocol.TypingMsg:
		m.bus.Publish(bus.TypingEvent{RoomID: v.RoomID, UserID: v.UserID, IsTyping: v.IsTyping})
	case protocol.ReadMsg:
		m.bus.Publish(bus.ReadEvent{
			RoomID:            v.RoomID,
			UserID:            v.UserID,
			MessageIDs:        v.MessageIDs,
			LastReadMessageID: v.LastReadMessageID,
			ReadAt:            v.ReadAt,
		})
	case protocol.RoomStatusMsg:
		m.bus.Publish(bus.RoomStatusEvent{RoomID: v.RoomID, Status: v.Status})
	case protocol.NotificationMsg:
		m.bus.Publish(bus.NotificationEvent{RoomID: v.RoomID, Title: v.Title, Body: v.Body})
	case protocol.ErrorMsg:
		m.bus.Publish(bus.ProtocolErrorEvent{Code: v.Code, Message: v.Message})
	case protocol.KickedMsg:
		m.handleKicked(gen, v.Reason)
		return true
	case protocol.AuthOKMsg:
		// Already consumed during handshake; a duplicate is harmless.
	default:
		m.bus.Publish(bus.ProtocolErrorEvent{Code: "unexpected", Message: fmt.Sprintf("unexpected message %T", msg)})
	}
	return false
}

// handleKicked processes a server-initiated termination: the error is
// terminal and auto-reconnect is suppressed. The user must re-authenticate.
func (m *Manager) handleKicked(gen int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	log.Printf("[transport] kicked by server: %s", reason)
	m.teardownLocked()
	m.state = State{Err: "kicked: " + reason}
	m.publishStateLocked()
	metrics.Connected.Set(0)
}

// handleDisconnect reacts to a network-initiated connection loss by flipping
// to reconnecting state and starting the backoff loop.
func (m *Manager) handleDisconnect(gen int, cause error) {
	m.mu.Lock()
	if gen != m.generation {
		// A newer connection or an explicit teardown superseded this loop.
		m.mu.Unlock()
		return
	}
	log.Printf("[transport] connection lost: %v", cause)
	m.teardownLocked()
	reconnectGen := m.generation
	m.state = State{IsReconnecting: true}
	m.publishStateLocked()
	metrics.Connected.Set(0)
	m.mu.Unlock()

	go m.reconnectLoop(reconnectGen)
}

// reconnectLoop retries the connection with exponential backoff up to the
// configured attempt bound. Exhausting the bound is terminal: the client
// will not retry again without a fresh explicit Connect.
func (m *Manager) reconnectLoop(gen int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitialDelay
	bo.MaxInterval = m.cfg.ReconnectMaxDelay
	bo.MaxElapsedTime = 0 // the attempt counter is the bound, not elapsed time

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.state.ReconnectAttempt = attempt
		m.publishStateLocked()
		metrics.ReconnectAttemptsTotal.Inc()

		err := m.connectLocked(context.Background())
		if err == nil {
			// connectLocked bumped the generation; reconnect is done.
			m.mu.Unlock()
			m.runConnectedHooks()
			return
		}
		m.mu.Unlock()
		log.Printf("[transport] reconnect attempt %d/%d failed: %v",
			attempt, m.cfg.MaxReconnectAttempts, err)

		m.clk.Sleep(bo.NextBackOff())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.state = State{Err: "reconnect attempts exhausted"}
	m.publishStateLocked()
	log.Printf("[transport] giving up after %d reconnect attempts", m.cfg.MaxReconnectAttempts)
}

// pingLoop sends WebSocket protocol-level ping frames so intermediaries do
// not idle out the connection. Any write failure is left to the read loop,
// which will observe the broken connection and trigger reconnect handling.
func (m *Manager) pingLoop(gen int, conn net.Conn) {
	ticker := m.clk.Ticker(m.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		stale := gen != m.generation
		m.mu.Unlock()
		if stale {
			return
		}

		m.writeMu.Lock()
		frame := ws.NewPingFrame(nil)
		frame = ws.MaskFrameInPlace(frame)
		err := ws.WriteFrame(conn, frame)
		m.writeMu.Unlock()
		if err != nil {
			log.Printf("[transport] keepalive ping failed: %v", err)
			return
		}
	}
}
