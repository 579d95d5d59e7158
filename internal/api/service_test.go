package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeChat struct {
	bus *bus.Bus

	mu       sync.Mutex
	messages []store.Message
	syncErr  error
	synced   time.Duration
}

func (f *fakeChat) SendMessage(thread store.ThreadKey, body string, opts chat.SendOptions) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := store.Message{LocalID: "l1", Thread: thread, Body: body, ReplyToID: opts.ReplyToID,
		Attachments: opts.Attachments, Status: status.Pending, CreatedAt: 1000}
	f.messages = append(f.messages, m)
	return &m, nil
}

func (f *fakeChat) RetryMessage(localID string) (*store.Message, error) {
	return nil, &store.NotFoundError{Entity: "message", Key: localID}
}

func (f *fakeChat) LoadThread(thread store.ThreadKey, _ int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.Thread == thread {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeChat) Sync(_ context.Context, wait time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = wait
	return f.syncErr
}

func (f *fakeChat) Threads() ([]store.Thread, error) {
	return []store.Thread{{Key: store.ThreadKey{Kind: store.Group, ID: "team"}, Title: "Team", LastMessageAt: 5}}, nil
}

func (f *fakeChat) PendingCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), nil
}

func (f *fakeChat) MessageCount() (int64, error) { return 7, nil }

func (f *fakeChat) Connectivity() connectivity.State {
	return connectivity.State{IsOnline: true, Quality: connectivity.Degraded, Latency: 1200 * time.Millisecond}
}

func (f *fakeChat) LastSyncedAt(store.ThreadKey) (int64, error) { return 42, nil }

func (f *fakeChat) DroppedEvents() uint64 { return f.bus.Dropped() }

func (f *fakeChat) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return f.bus.Subscribe(namespace, bufSize)
}

func startServer(t *testing.T, c Chat) *Client {
	t.Helper()
	// Short path to stay under the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "chatsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	srv := grpc.NewServer()
	RegisterChatSyncServer(srv, NewService(c, "test", nil))
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %v (%v), want %v", got, err, code)
	}
}

func TestGetStatus(t *testing.T) {
	c := startServer(t, &fakeChat{bus: bus.New()})

	resp, err := c.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	f := resp.AsMap()
	if f["profile"] != "test" || f["messages"] != float64(7) || f["threads"] != float64(1) {
		t.Errorf("status = %v", f)
	}
	conn := f["connectivity"].(map[string]any)
	if conn["online"] != true || conn["quality"] != "degraded" || conn["latencyMs"] != float64(1200) {
		t.Errorf("connectivity = %v", conn)
	}
}

func TestSendAndLoadThread(t *testing.T) {
	c := startServer(t, &fakeChat{bus: bus.New()})
	ctx := context.Background()
	thread := store.ThreadKey{Kind: store.Group, ID: "team"}

	resp, err := c.SendMessage(ctx, thread, "hello", chat.SendOptions{ReplyToID: "s0", Attachments: []string{"a.png"}})
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	f := resp.AsMap()
	if f["localId"] != "l1" || f["status"] != "pending" || f["replyToId"] != "s0" {
		t.Errorf("sent = %v", f)
	}
	if atts := f["attachments"].([]any); len(atts) != 1 || atts[0] != "a.png" {
		t.Errorf("attachments = %v", f["attachments"])
	}

	resp, err = c.LoadThread(ctx, thread, 50)
	if err != nil {
		t.Fatalf("LoadThread error = %v", err)
	}
	f = resp.AsMap()
	if msgs := f["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v", msgs)
	}
	if f["lastSyncedAt"] != float64(42) {
		t.Errorf("lastSyncedAt = %v", f["lastSyncedAt"])
	}

	resp, err = c.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads error = %v", err)
	}
	if threads := resp.AsMap()["threads"].([]any); len(threads) != 1 {
		t.Errorf("threads = %v", threads)
	}
}

func TestSendMessageValidation(t *testing.T) {
	c := startServer(t, &fakeChat{bus: bus.New()})
	ctx := context.Background()

	_, err := c.SendMessage(ctx, store.ThreadKey{Kind: "channel", ID: "x"}, "hi", chat.SendOptions{})
	wantCode(t, err, codes.InvalidArgument)

	_, err = c.SendMessage(ctx, store.ThreadKey{Kind: store.DirectConversation, ID: "bob"}, "", chat.SendOptions{})
	wantCode(t, err, codes.InvalidArgument)
}

func TestErrorCodes(t *testing.T) {
	fc := &fakeChat{bus: bus.New()}
	c := startServer(t, fc)
	ctx := context.Background()

	_, err := c.RetryMessage(ctx, "missing")
	wantCode(t, err, codes.NotFound)

	_, err = c.RetryMessage(ctx, "")
	wantCode(t, err, codes.InvalidArgument)

	fc.mu.Lock()
	fc.syncErr = intsync.ErrOffline
	fc.mu.Unlock()
	_, err = c.ForceSync(ctx, 0)
	wantCode(t, err, codes.Unavailable)

	fc.mu.Lock()
	fc.syncErr = connectivity.ErrTimeout
	fc.mu.Unlock()
	_, err = c.ForceSync(ctx, 250*time.Millisecond)
	wantCode(t, err, codes.DeadlineExceeded)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.synced != 250*time.Millisecond {
		t.Errorf("wait passed to Sync = %s", fc.synced)
	}
}

func TestWatchEvents(t *testing.T) {
	b := bus.New()
	c := startServer(t, &fakeChat{bus: b})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *structpb.Struct, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.WatchEvents(ctx, "message.", func(evt *structpb.Struct) error {
			got <- evt
			return nil
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Emit(bus.SyncStarted, map[string]any{"direction": "outbound"})
	b.Emit(bus.MessageNew, &store.Message{LocalID: "l9", ServerID: "s9", Body: "hey", Status: status.Sent,
		Thread: store.ThreadKey{Kind: store.DirectConversation, ID: "bob"}})

	select {
	case evt := <-got:
		f := evt.AsMap()
		if f["kind"] != bus.MessageNew || f["profile"] != "test" || f["eventId"] == "" {
			t.Errorf("envelope = %v", f)
		}
		if p := f["payload"].(map[string]any); p["serverId"] != "s9" || p["body"] != "hey" {
			t.Errorf("payload = %v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && grpcstatus.Code(err) != codes.Canceled && !errors.Is(err, context.Canceled) {
			t.Errorf("WatchEvents returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WatchEvents did not return after cancel")
	}
}

func TestWatchSendFailureWithoutCause(t *testing.T) {
	b := bus.New()
	c := startServer(t, &fakeChat{bus: b})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *structpb.Struct, 4)
	go func() {
		_ = c.WatchEvents(ctx, "error.", func(evt *structpb.Struct) error {
			got <- evt
			return nil
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg := &store.Message{LocalID: "l1", Body: "hi", Status: status.Failed,
		Thread: store.ThreadKey{Kind: store.DirectConversation, ID: "bob"}}
	b.Emit(bus.ErrorSendFailed, &intsync.SendFailure{Message: msg})
	b.Emit(bus.ErrorSendFailed, &intsync.SendFailure{Message: msg, Err: intsync.ErrRetriesExhausted})

	for i, wantErr := range []any{nil, intsync.ErrRetriesExhausted.Error()} {
		select {
		case evt := <-got:
			p, _ := evt.AsMap()["payload"].(map[string]any)
			if p["localId"] != "l1" {
				t.Errorf("event %d payload = %v", i, p)
			}
			if p["error"] != wantErr {
				t.Errorf("event %d error = %v, want %v", i, p["error"], wantErr)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("event %d not received", i)
		}
	}
}

func TestPayloadFieldsSendFailureWithoutMessage(t *testing.T) {
	f := payloadFields(&intsync.SendFailure{})
	if _, ok := f["error"]; ok {
		t.Errorf("fields = %v, want no error key", f)
	}
	if _, err := document(f); err != nil {
		t.Errorf("document() error = %v", err)
	}
}
