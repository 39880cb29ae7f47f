package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcart/chatkit/internal/transport"
	"github.com/swiftcart/chatkit/protocol"
)

// wireCmd is one command observed by the fake server.
type wireCmd struct {
	Type string
	Msg  interface{}
}

// fakeServer hands out net.Pipe connections through an injectable dialer and
// speaks the server side of the protocol. Setting offline makes dials fail,
// simulating a network outage.
type fakeServer struct {
	mu      sync.Mutex
	offline bool
	dials   int
	conns   []net.Conn // server ends, for forced disconnects
	acks    map[string]protocol.MessageAckMsg

	cmds chan wireCmd
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		acks: make(map[string]protocol.MessageAckMsg),
		cmds: make(chan wireCmd, 64),
	}
}

func (f *fakeServer) dial(_ context.Context, _ string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.offline {
		return nil, errors.New("dial tcp: connection refused")
	}
	clientEnd, serverEnd := net.Pipe()
	f.conns = append(f.conns, serverEnd)
	go f.serve(serverEnd)
	return clientEnd, nil
}

func (f *fakeServer) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// dropConnections closes every live server end, as a crashed server would.
func (f *fakeServer) dropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// ackWith primes the ack returned for a future send of clientMessageID.
func (f *fakeServer) ackWith(clientMessageID, messageID string, status protocol.AckStatus) {
	f.mu.Lock()
	f.acks[clientMessageID] = protocol.MessageAckMsg{
		ClientMessageID: clientMessageID,
		MessageID:       messageID,
		Status:          status,
		Timestamp:       time.Now().UnixMilli(),
	}
	f.mu.Unlock()
}

// push writes a server event frame to the most recent connection.
func (f *fakeServer) push(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	f.mu.Lock()
	require.NotEmpty(t, f.conns, "no live connection to push to")
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()

	frame, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteServerMessage(conn, ws.OpText, frame))
}

func (f *fakeServer) serve(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			continue
		}

		switch msgType {
		case protocol.TypeAuth:
			frame, _ := protocol.NewMessage(protocol.TypeAuthOK, protocol.AuthOKMsg{SessionID: "sess-1"})
			if err := wsutil.WriteServerMessage(conn, ws.OpText, frame); err != nil {
				return
			}
		case protocol.TypeSendMessage:
			cmd := msg.(protocol.SendMessageCmd)
			f.cmds <- wireCmd{Type: msgType, Msg: cmd}
			f.mu.Lock()
			ack, ok := f.acks[cmd.ClientMessageID]
			f.mu.Unlock()
			if ok {
				frame, _ := protocol.NewMessage(protocol.TypeMessageAck, ack)
				if err := wsutil.WriteServerMessage(conn, ws.OpText, frame); err != nil {
					return
				}
			}
		default:
			f.cmds <- wireCmd{Type: msgType, Msg: msg}
		}
	}
}

// waitCmd blocks for the next command of the wanted type, failing the test on
// timeout. Commands of other types arriving in between are discarded.
func (f *fakeServer) waitCmd(t *testing.T, wantType string) wireCmd {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-f.cmds:
			if cmd.Type == wantType {
				return cmd
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s command", wantType)
		}
	}
}

func testConfig(srv *fakeServer) Config {
	return Config{
		ServerURL:  "ws://fake",
		Credential: "test-credential",
		UserID:     "u1",
		Dialer:     srv.dial,
		Transport: transport.Config{
			URL:                   "ws://fake",
			DialTimeout:           time.Second,
			HandshakeTimeout:      time.Second,
			ReconnectInitialDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:     20 * time.Millisecond,
			MaxReconnectAttempts:  50,
		},
	}
}

func TestClient_SendAcknowledged(t *testing.T) {
	srv := newFakeServer()
	c, err := New(testConfig(srv))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom("room-1"))
	srv.waitCmd(t, protocol.TypeJoinRoom)

	srv.ackWith("fixed-id", "m-500", protocol.StatusSent)
	id, err := c.Send("room-1", "hello", protocol.MessageTypeText, SendOptions{ClientMessageID: "fixed-id"})
	require.NoError(t, err)
	require.Equal(t, "fixed-id", id)
	srv.waitCmd(t, protocol.TypeSendMessage)

	require.Eventually(t, func() bool {
		return len(c.Pending("")) == 0
	}, 2*time.Second, 10*time.Millisecond, "ack should resolve the pending send")

	msgs, err := c.Messages(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-500", msgs[0].ID)
	assert.Equal(t, protocol.StatusSent, msgs[0].Status)
	assert.Equal(t, "hello", msgs[0].Content)
}

// The outage round trip: a message sent while offline is queued, the
// reconnect replays the room joins and retransmits it with the same id, and
// the ack collapses the optimistic entry and the server row into one cached
// message.
func TestClient_OfflineSendReplayedOnReconnect(t *testing.T) {
	srv := newFakeServer()
	c, err := New(testConfig(srv))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom("room-1"))
	srv.waitCmd(t, protocol.TypeJoinRoom)

	// The server goes away.
	srv.setOffline(true)
	srv.dropConnections()
	require.Eventually(t, func() bool {
		return !c.ConnectionState().IsConnected
	}, 2*time.Second, 10*time.Millisecond)

	// Send during the outage: queued, not failed.
	srv.ackWith("offline-id", "m-500", protocol.StatusSent)
	id, err := c.Send("room-1", "while offline", protocol.MessageTypeText, SendOptions{ClientMessageID: "offline-id"})
	require.NoError(t, err)
	require.Equal(t, "offline-id", id)
	require.Len(t, c.Pending("room-1"), 1)

	// Optimistic entry is already visible.
	msgs, err := c.Messages(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ID)

	// The server comes back; the reconnect loop finds it.
	srv.setOffline(false)

	// Reconnect sequence: membership replay first, then the retransmission
	// with the original id.
	join := srv.waitCmd(t, protocol.TypeJoinRoom)
	assert.Equal(t, "room-1", join.Msg.(protocol.JoinRoomCmd).RoomID)
	retry := srv.waitCmd(t, protocol.TypeSendMessage)
	assert.Equal(t, "offline-id", retry.Msg.(protocol.SendMessageCmd).ClientMessageID)

	require.Eventually(t, func() bool {
		return len(c.Pending("")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Exactly one cached message, carrying the server-assigned id.
	msgs, err = c.Messages(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the ack must merge into the optimistic entry")
	assert.Equal(t, "m-500", msgs[0].ID)
	assert.Equal(t, protocol.StatusSent, msgs[0].Status)
}

func TestClient_KickedIsTerminal(t *testing.T) {
	srv := newFakeServer()
	c, err := New(testConfig(srv))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	dialsBefore := srv.dialCount()

	srv.push(t, protocol.TypeKicked, protocol.KickedMsg{Reason: "signed in elsewhere"})

	require.Eventually(t, func() bool {
		st := c.ConnectionState()
		return !st.IsConnected && st.Err != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, c.ConnectionState().Err, "kicked")

	// No auto-reconnect after a kick.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dialsBefore, srv.dialCount())
}

func TestClient_InboundMessageAccruesUnread(t *testing.T) {
	srv := newFakeServer()
	c, err := New(testConfig(srv))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinRoom("room-1"))
	c.SetActiveRoom("room-2")

	srv.push(t, protocol.TypeMessage, protocol.MessageMsg{Message: protocol.Message{
		ID: "m-1", RoomID: "room-1", SenderID: "u2", Content: "ping",
		Status: protocol.StatusSent, CreatedAt: time.Now().UnixMilli(),
	}})

	require.Eventually(t, func() bool {
		return c.UnreadCount("room-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := c.Messages(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)

	// Reading the room zeroes the counter and emits the receipt.
	require.NoError(t, c.MarkRead(context.Background(), "room-1"))
	assert.Equal(t, 0, c.UnreadCount("room-1"))
	srv.waitCmd(t, protocol.TypeMarkRead)
}

func TestClient_TypingProjection(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig(srv)
	cfg.TypingExpiry = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	srv.push(t, protocol.TypeTyping, protocol.TypingMsg{RoomID: "room-1", UserID: "u2", IsTyping: true})

	require.Eventually(t, func() bool {
		users := c.TypingUsers("room-1")
		return len(users) == 1 && users[0] == "u2"
	}, 2*time.Second, 5*time.Millisecond)

	// The indicator expires on its own without a stop event.
	require.Eventually(t, func() bool {
		return len(c.TypingUsers("room-1")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_RequiredConfig(t *testing.T) {
	_, err := New(Config{ServerURL: "ws://x"})
	require.Error(t, err)
	_, err = New(Config{UserID: "u1"})
	require.Error(t, err)
}
