package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/swiftcart/chatkit/internal/ratelimit"
	"github.com/swiftcart/chatkit/protocol"
)

// fakeLimiter is a canned rateLimiter for handler tests.
type fakeLimiter struct {
	allow     bool
	remaining int
}

func (f fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return f.allow, nil
}

func (f fakeLimiter) Remaining(context.Context, string, ratelimit.Rule) (int, error) {
	return f.remaining, nil
}

// ---------------------------------------------------------------------------
// Test: REST auth wrapper surfaces the remaining rate budget
// ---------------------------------------------------------------------------

func TestWithAuth_RateLimitHeader(t *testing.T) {
	s := &Server{cfg: Config{JWTSecret: "secret"}, limiter: fakeLimiter{allow: true, remaining: 7}}

	called := false
	h := s.withAuth(func(w http.ResponseWriter, _ *http.Request, userID string) {
		if userID != "u1" {
			t.Errorf("expected user u1, got %s", userID)
		}
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	cred, err := MintCredential([]byte("secret"), "u1", time.Hour)
	if err != nil {
		t.Fatalf("mint credential: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+cred)
	rec := httptest.NewRecorder()
	h(rec, req)

	if !called {
		t.Fatal("expected the wrapped handler to run")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "7" {
		t.Fatalf("expected X-RateLimit-Remaining 7, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Over-limit REST requests are rejected before the handler runs
// ---------------------------------------------------------------------------

func TestWithAuth_OverLimit(t *testing.T) {
	s := &Server{cfg: Config{JWTSecret: "secret"}, limiter: fakeLimiter{allow: false}}

	h := s.withAuth(func(http.ResponseWriter, *http.Request, string) {
		t.Error("handler must not run when rate limited")
	})

	cred, err := MintCredential([]byte("secret"), "u1", time.Hour)
	if err != nil {
		t.Fatalf("mint credential: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+cred)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected X-RateLimit-Remaining 0, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Broker-less fan-out delivers to local members, skipping the origin
// ---------------------------------------------------------------------------

func TestServer_FanOutLocalDelivery(t *testing.T) {
	s := &Server{registry: NewRegistry()}
	c1, p1 := newTestConn("s1", "u1")
	c2, p2 := newTestConn("s2", "u2")
	defer p1.Close()
	defer p2.Close()
	s.registry.Add(c1)
	s.registry.Add(c2)
	s.registry.JoinRoom("room-1", c1)
	s.registry.JoinRoom("room-1", c2)

	frame, err := protocol.NewMessage(protocol.TypeTyping, protocol.TypingMsg{
		RoomID: "room-1", UserID: "u1", IsTyping: true,
	})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	go s.fanOut("s1", "room-1", frame)

	_ = p2.SetReadDeadline(time.Now().Add(time.Second))
	data, err := wsutil.ReadServerText(p2)
	if err != nil {
		t.Fatalf("expected s2 to receive the frame: %v", err)
	}
	msgType, _, err := protocol.ParseServerMessage(data)
	if err != nil || msgType != protocol.TypeTyping {
		t.Fatalf("expected a typing frame, got type %q err %v", msgType, err)
	}

	// The origin session must not see its own event.
	_ = p1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := wsutil.ReadServerText(p1); err == nil {
		t.Fatal("origin session must not receive its own frame")
	}
}
