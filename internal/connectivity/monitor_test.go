package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// fakeProber returns whatever result it was last set to.
type fakeProber struct {
	mu      sync.Mutex
	latency time.Duration
	err     error
	calls   int
}

func (f *fakeProber) set(latency time.Duration, err error) {
	f.mu.Lock()
	f.latency, f.err = latency, err
	f.mu.Unlock()
}

func (f *fakeProber) Probe(_ context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.latency, f.err
}

var errUnreachable = errors.New("unreachable")

func newTestMonitor(p Prober) (*Monitor, *bus.Bus) {
	b := bus.New()
	m := New(p, b, Options{Interval: time.Hour, DegradedLatency: 500 * time.Millisecond, FailureThreshold: 2, PlatformOnline: true}, nil)
	return m, b
}

func drain(ch <-chan bus.Event) []State {
	var out []State
	for {
		select {
		case evt := <-ch:
			out = append(out, evt.Payload.(State))
		default:
			return out
		}
	}
}

func TestInitialStateAlwaysPublished(t *testing.T) {
	p := &fakeProber{err: errUnreachable}
	m, b := newTestMonitor(p)
	ch, unsub := b.Subscribe(bus.ConnectivityChanged, 10)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("got %d notifications, want 1 initial", len(got))
	}
	if got[0].IsOnline || got[0].Quality != Offline {
		t.Errorf("initial = %+v, want offline", got[0])
	}
}

func TestNotificationsAreEdgeTriggered(t *testing.T) {
	p := &fakeProber{latency: 10 * time.Millisecond}
	m, b := newTestMonitor(p)
	ch, unsub := b.Subscribe(bus.ConnectivityChanged, 10)
	defer unsub()

	ctx := context.Background()
	m.Recheck(ctx)
	m.Recheck(ctx)
	m.Recheck(ctx)

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("got %d notifications for unchanged state, want 1", len(got))
	}
	if !got[0].IsOnline || got[0].Quality != Good {
		t.Errorf("state = %+v, want online/good", got[0])
	}
}

func TestQualityClassification(t *testing.T) {
	p := &fakeProber{latency: 10 * time.Millisecond}
	m, _ := newTestMonitor(p)
	ctx := context.Background()

	tests := []struct {
		name    string
		latency time.Duration
		err     error
		online  bool
		quality Quality
	}{
		{"fast", 10 * time.Millisecond, nil, true, Good},
		{"slow", 800 * time.Millisecond, nil, true, Degraded},
		{"first failure", 0, errUnreachable, true, Poor},
		{"second failure", 0, errUnreachable, false, Offline},
		{"recovered", 20 * time.Millisecond, nil, true, Good},
	}
	for _, tt := range tests {
		p.set(tt.latency, tt.err)
		st := m.Recheck(ctx)
		if st.IsOnline != tt.online || st.Quality != tt.quality {
			t.Errorf("%s: got online=%v quality=%s, want online=%v quality=%s",
				tt.name, st.IsOnline, st.Quality, tt.online, tt.quality)
		}
	}
}

func TestPlatformOfflineVerifiedByProbe(t *testing.T) {
	p := &fakeProber{latency: 10 * time.Millisecond}
	m, b := newTestMonitor(p)
	ch, unsub := b.Subscribe(bus.ConnectivityChanged, 10)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()
	drain(ch)

	// Platform says offline but the server still answers: stay online.
	m.PlatformChanged(false)
	time.Sleep(50 * time.Millisecond)
	if !m.IsOnline() {
		t.Fatal("platform signal alone should not force offline")
	}

	// A failing probe while the platform reports offline goes straight to Offline.
	p.set(0, errUnreachable)
	m.PlatformChanged(false)

	select {
	case evt := <-ch:
		st := evt.Payload.(State)
		if st.IsOnline || st.Quality != Offline {
			t.Errorf("state = %+v, want offline", st)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for offline notification")
	}
}

func TestOfflineEmitsConnectivityError(t *testing.T) {
	p := &fakeProber{latency: 10 * time.Millisecond}
	m, b := newTestMonitor(p)
	errs, unsub := b.Subscribe("error.", 10)
	defer unsub()

	ctx := context.Background()
	m.Recheck(ctx)
	p.set(0, errUnreachable)
	m.Recheck(ctx)
	m.Recheck(ctx)

	var kinds []string
	for {
		select {
		case evt := <-errs:
			kinds = append(kinds, evt.Kind)
			continue
		default:
		}
		break
	}
	if len(kinds) != 2 {
		t.Fatalf("got %d error events, want 2 (poor, offline): %v", len(kinds), kinds)
	}
	for _, k := range kinds {
		if k != bus.ErrorConnectivity {
			t.Errorf("kind = %s, want %s", k, bus.ErrorConnectivity)
		}
	}
}

func TestWaitOnlineTimesOutAndUnsubscribes(t *testing.T) {
	p := &fakeProber{err: errUnreachable}
	m, b := newTestMonitor(p)
	m.Recheck(context.Background())

	err := m.WaitOnline(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("WaitOnline leaked %d subscriptions", n)
	}
}

func TestWaitOnlineReturnsWhenOnline(t *testing.T) {
	p := &fakeProber{err: errUnreachable}
	m, b := newTestMonitor(p)
	ctx := context.Background()
	m.Recheck(ctx)

	done := make(chan error, 1)
	go func() { done <- m.WaitOnline(ctx, 2*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	p.set(10*time.Millisecond, nil)
	m.Recheck(ctx)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitOnline = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitOnline did not return after coming online")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("WaitOnline leaked %d subscriptions", n)
	}
}

func TestWaitOnlineHonorsContext(t *testing.T) {
	p := &fakeProber{err: errUnreachable}
	m, _ := newTestMonitor(p)
	m.Recheck(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.WaitOnline(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestHTTPProber(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	if _, err := NewHTTPProber(ok.URL).Probe(context.Background()); err != nil {
		t.Errorf("healthy probe: %v", err)
	}
	if _, err := NewHTTPProber(broken.URL).Probe(context.Background()); err == nil {
		t.Error("502 should count as unreachable")
	}
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	slow := ProberFunc(func(ctx context.Context) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	b := bus.New()
	m := New(slow, b, Options{Timeout: 20 * time.Millisecond}, nil)

	st := m.Recheck(context.Background())
	if st.IsOnline {
		t.Errorf("timed-out probe left state online: %+v", st)
	}
}
