package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/swiftcart/chatkit/internal/bus"
	"github.com/swiftcart/chatkit/protocol"
)

// flakyDialer succeeds on the first dial with a net.Pipe end whose server
// side answers the auth handshake, then refuses every later dial.
type flakyDialer struct {
	mu      sync.Mutex
	dials   int
	servers []net.Conn
}

func (f *flakyDialer) dial(_ context.Context, _ string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dials > 1 {
		return nil, errors.New("dial tcp: connection refused")
	}
	clientEnd, serverEnd := net.Pipe()
	f.servers = append(f.servers, serverEnd)
	go func() {
		if _, err := wsutil.ReadClientText(serverEnd); err != nil {
			return
		}
		frame, _ := protocol.NewMessage(protocol.TypeAuthOK, protocol.AuthOKMsg{SessionID: "s-1"})
		_ = wsutil.WriteServerMessage(serverEnd, ws.OpText, frame)
	}()
	return clientEnd, nil
}

func (f *flakyDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *flakyDialer) dropConnections() {
	f.mu.Lock()
	servers := f.servers
	f.servers = nil
	f.mu.Unlock()
	for _, c := range servers {
		c.Close()
	}
}

// The backoff between reconnect attempts must wait on the injected clock, not
// the wall clock, so tests and embedders control reconnect pacing.
func TestManager_ReconnectBackoffUsesInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	b := bus.New(16)
	defer b.Close()
	dialer := &flakyDialer{}

	cfg := DefaultConfig()
	cfg.URL = "ws://fake"
	cfg.PingInterval = 0
	cfg.ReconnectInitialDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	cfg.MaxReconnectAttempts = 5

	m := New(cfg, b, dialer.dial, mock)
	require.NoError(t, m.Connect(context.Background(), "cred", "u1"))
	defer m.Disconnect()

	dialer.dropConnections()

	// The first retry fires as soon as the loss is detected.
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// With the mock clock frozen, wall time passing must not release the
	// next attempt.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, dialer.dialCount())

	// Advancing the injected clock past the backoff interval does.
	require.Eventually(t, func() bool {
		mock.Add(2 * time.Hour)
		return dialer.dialCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}
