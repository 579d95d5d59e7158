package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *recordingHandler) OnIncomingPush(_ context.Context, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, string(raw))
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func TestClientDeliversFramesAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		n := conns.Add(1)
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"MessageSent","n":1}`))
		_ = c.Write(ctx, websocket.MessageBinary, []byte{0x01})
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"event":"MessageSent","n":2}`))
		if n == 1 {
			// Drop the first connection to force a reconnect.
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		// Hold the second connection open until the client goes away.
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	b := bus.New()
	errs, unsub := b.Subscribe(bus.ErrorPush, 10)
	defer unsub()

	var states []bool
	var statesMu sync.Mutex
	c := New(wsURL(srv), h, b, Options{
		Token:     "tok",
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
		OnState: func(up bool) {
			statesMu.Lock()
			states = append(states, up)
			statesMu.Unlock()
		},
	}, nil)
	c.Start(context.Background())

	eventually(t, func() bool { return h.count() == 4 }, "frames from both connections not delivered")
	c.Stop()

	if conns.Load() < 2 {
		t.Errorf("connections = %d, want a reconnect", conns.Load())
	}
	select {
	case <-errs:
	default:
		t.Error("dropped connection was not reported on the error channel")
	}
	statesMu.Lock()
	defer statesMu.Unlock()
	if len(states) < 3 || !states[0] || states[1] {
		t.Errorf("state transitions = %v, want up, down, up...", states)
	}
	if c.Connected() {
		t.Error("client still connected after Stop")
	}
}

func TestClientRetriesFailedDial(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(wsURL(srv), &recordingHandler{}, bus.New(), Options{BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil)
	c.Start(context.Background())
	eventually(t, func() bool { return attempts.Load() >= 3 }, "client stopped redialing")
	c.Stop()
}

func TestReconnectorBackoff(t *testing.T) {
	r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	prev := time.Duration(0)
	for i := range 6 {
		d := r.nextDelay()
		if d > time.Second {
			t.Fatalf("delay %d = %s exceeds cap", i, d)
		}
		if i < 3 && d < prev {
			t.Errorf("delay %d = %s shrank from %s", i, d, prev)
		}
		prev = d
	}
	if d := r.nextDelay(); d != time.Second {
		t.Errorf("delay after many attempts = %s, want cap", d)
	}

	r.connectedAt = time.Now().Add(-2 * time.Minute)
	if d := r.nextDelay(); d >= 200*time.Millisecond {
		t.Errorf("delay after a long-lived connection = %s, want reset near base", d)
	}
}
