package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Quality classifies the link to the server.
type Quality string

const (
	Good     Quality = "good"
	Degraded Quality = "degraded"
	Poor     Quality = "poor"
	Offline  Quality = "offline"
)

// ErrTimeout is returned by WaitOnline when the deadline passes first.
var ErrTimeout = errors.New("timed out waiting for connectivity")

// State is the process-wide connectivity summary published on the bus as
// the payload of bus.ConnectivityChanged.
type State struct {
	IsOnline  bool
	Quality   Quality
	Latency   time.Duration
	CheckedAt time.Time
}

func (s State) same(o State) bool {
	return s.IsOnline == o.IsOnline && s.Quality == o.Quality
}

// Options tunes probing. Zero values take the defaults below.
type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	DegradedLatency  time.Duration
	FailureThreshold int
	// PlatformOnline is the reachability the platform reports at startup.
	PlatformOnline bool
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.DegradedLatency <= 0 {
		o.DegradedLatency = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 2
	}
}

// Monitor is the single source of truth for whether the server is reachable.
// The platform online/offline signal only triggers a re-probe.
type Monitor struct {
	prober Prober
	bus    *bus.Bus
	opts   Options
	logger *zap.Logger

	probeMu sync.Mutex // serializes probes so results apply in order

	mu             sync.RWMutex
	state          State
	published      bool
	failures       int
	platformOnline bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. It starts Offline until the first probe completes.
func New(prober Prober, b *bus.Bus, opts Options, logger *zap.Logger) *Monitor {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:         prober,
		bus:            b,
		opts:           opts,
		logger:         logger,
		state:          State{Quality: Offline},
		platformOnline: opts.PlatformOnline,
		kick:           make(chan struct{}, 1),
	}
}

// Start probes once, publishes the initial state, and runs the periodic
// probe loop until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.Recheck(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.RLock()
			online := m.platformOnline
			m.mu.RUnlock()
			if online {
				m.Recheck(ctx)
			}
		case <-m.kick:
			m.Recheck(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// PlatformChanged records the platform's reachability signal and schedules
// a verification probe.
func (m *Monitor) PlatformChanged(online bool) {
	m.mu.Lock()
	m.platformOnline = online
	m.mu.Unlock()
	m.logger.Info("platform reachability changed", zap.Bool("online", online))

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Recheck probes immediately and returns the resulting state. Probe failures
// only change state; they are never returned.
func (m *Monitor) Recheck(ctx context.Context) State {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	latency, err := m.prober.Probe(probeCtx)
	cancel()
	return m.apply(latency, err)
}

func (m *Monitor) apply(latency time.Duration, probeErr error) State {
	m.mu.Lock()
	prev := m.state
	next := State{CheckedAt: time.Now(), Latency: latency}

	switch {
	case probeErr == nil:
		m.failures = 0
		next.IsOnline = true
		next.Quality = Good
		if latency >= m.opts.DegradedLatency {
			next.Quality = Degraded
		}
	default:
		m.failures++
		next.Latency = 0
		if prev.IsOnline && m.platformOnline && m.failures < m.opts.FailureThreshold {
			next.IsOnline = true
			next.Quality = Poor
		} else {
			next.Quality = Offline
		}
	}

	changed := !m.published || !prev.same(next)
	m.state = next
	m.published = true
	failures := m.failures
	m.mu.Unlock()

	if probeErr != nil {
		m.logger.Warn("reachability probe failed", zap.Error(probeErr), zap.Int("consecutive_failures", failures))
	}
	if !changed {
		return next
	}

	m.logger.Info("connectivity changed",
		zap.Bool("online", next.IsOnline),
		zap.String("quality", string(next.Quality)),
		zap.Duration("latency", next.Latency))
	m.bus.Emit(bus.ConnectivityChanged, next)
	if prev.published() && (next.Quality == Offline || next.Quality == Poor) {
		m.bus.Emit(bus.ErrorConnectivity, next)
	}
	return next
}

// published reports whether s came from a probe rather than the zero state.
func (s State) published() bool {
	return !s.CheckedAt.IsZero()
}

// State returns the current connectivity summary.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the server is currently considered reachable.
func (m *Monitor) IsOnline() bool {
	return m.State().IsOnline
}

// Subscribe delivers every published state change. Call State for the
// value in effect at subscription time.
func (m *Monitor) Subscribe(bufSize int) (<-chan bus.Event, func()) {
	return m.bus.Subscribe(bus.ConnectivityChanged, bufSize)
}

// WaitOnline blocks until the monitor reports online, the timeout passes
// (ErrTimeout), or ctx is done. Its listener is always removed on return.
func (m *Monitor) WaitOnline(ctx context.Context, timeout time.Duration) error {
	ch, unsub := m.Subscribe(8)
	defer unsub()

	if m.IsOnline() {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case evt := <-ch:
			if st, ok := evt.Payload.(State); ok && st.IsOnline {
				return nil
			}
		case <-timer.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
