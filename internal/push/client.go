package push

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Handler consumes raw push payloads.
type Handler interface {
	OnIncomingPush(ctx context.Context, raw []byte) error
}

// Options tunes reconnects. Zero values take the defaults below.
type Options struct {
	Token     string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	ReadLimit int64
	// OnState is called with true after each successful dial and false
	// when the connection drops.
	OnState func(connected bool)
}

func (o *Options) defaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
}

// Client keeps a WebSocket open to the push channel and hands every text
// frame to the handler. Delivery is at-least-once; the handler dedups.
type Client struct {
	url     string
	handler Handler
	bus     *bus.Bus
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a push client for url.
func New(url string, h Handler, b *bus.Bus, opts Options, logger *zap.Logger) *Client {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{url: url, handler: h, bus: b, opts: opts, logger: logger}
}

// Start connects in the background and reconnects until Stop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop closes the connection and waits for the read loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Connected reports whether the channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(v)
	}
}

func (c *Client) run(ctx context.Context) {
	recon := &reconnector{baseDelay: c.opts.BaseDelay, maxDelay: c.opts.MaxDelay}
	for {
		err := c.session(ctx, recon)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		delay := recon.nextDelay()
		c.logger.Warn("push channel down, reconnecting", zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", recon.attempt))
		c.bus.Emit(bus.ErrorPush, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session dials once and reads until the connection fails.
func (c *Client) session(ctx context.Context, recon *reconnector) error {
	var header http.Header
	if c.opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(c.opts.ReadLimit)

	recon.markConnected()
	c.setConnected(true)
	c.logger.Info("push channel connected", zap.String("url", c.url))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return fmt.Errorf("read push channel: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		// The handler reports its own failures on the error channel.
		_ = c.handler.OnIncomingPush(ctx, data)
	}
}

// reconnector computes exponential backoff with jitter. The attempt
// counter resets once a connection has stayed up for a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}

	delay := r.baseDelay
	for range r.attempt {
		delay *= 2
		if delay >= r.maxDelay {
			break
		}
	}
	delay += time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	r.attempt++
	return min(delay, r.maxDelay)
}
