package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// ErrOffline is returned by ForceSync when no wait was requested and the
// server is unreachable.
var ErrOffline = errors.New("server unreachable")

// ErrRetriesExhausted is the failure cause for an entry whose retry budget
// was already spent before this attempt.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// Transport is the engine's view of the chat server.
type Transport interface {
	Send(ctx context.Context, msg store.Message) (transport.Ack, error)
	ListThreads(ctx context.Context) ([]store.Thread, error)
	Pull(ctx context.Context, thread store.ThreadKey, after int64, limit int) ([]store.Message, error)
}

// Connectivity gates network activity.
type Connectivity interface {
	IsOnline() bool
	WaitOnline(ctx context.Context, timeout time.Duration) error
}

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	BatchSize  int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Interval   time.Duration
	Lookback   time.Duration
	PageSize   int
	MaxPages   int
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Minute
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Lookback <= 0 {
		o.Lookback = 7 * 24 * time.Hour
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 10
	}
}

// Engine drives delivery of pending messages and backfill of missed
// inbound messages. It only mutates state through the store.
type Engine struct {
	db        *store.DB
	transport Transport
	conn      Connectivity
	bus       *bus.Bus
	opts      Options
	logger    *zap.Logger

	outboundRunning atomic.Bool
	inboundRunning  atomic.Bool

	mu       gosync.Mutex
	inflight map[string]struct{}
	timers   map[string]*time.Timer
	stopped  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, t Transport, conn Connectivity, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        db,
		transport: t,
		conn:      conn,
		bus:       b,
		opts:      opts,
		logger:    logger,
		inflight:  make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
		baseCtx:   context.Background(),
	}
}

// Start runs a tick whenever connectivity comes back and on a fixed
// interval while online.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	ch, unsub := e.bus.Subscribe(bus.ConnectivityChanged, 16)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()

		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()

		wasOnline := e.conn.IsOnline()
		if wasOnline {
			e.Tick(ctx)
		}
		for {
			select {
			case evt := <-ch:
				st, ok := evt.Payload.(connectivity.State)
				if !ok {
					continue
				}
				if st.IsOnline && !wasOnline {
					e.logger.Info("connectivity restored, syncing")
					e.Tick(ctx)
				}
				wasOnline = st.IsOnline
			case <-ticker.C:
				if e.conn.IsOnline() {
					e.Tick(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels scheduled retries and waits for in-flight work to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Tick runs one outbound pass followed by one inbound pass.
func (e *Engine) Tick(ctx context.Context) {
	e.SyncOutbound(ctx)
	_ = e.SyncAll(ctx)
}

// ForceSync runs a tick on demand. With a positive wait it first blocks
// until the server is reachable or the wait expires.
func (e *Engine) ForceSync(ctx context.Context, wait time.Duration) error {
	if wait > 0 {
		if err := e.conn.WaitOnline(ctx, wait); err != nil {
			return err
		}
	} else if !e.conn.IsOnline() {
		return ErrOffline
	}
	e.SyncOutbound(ctx)
	return e.SyncAll(ctx)
}

// SyncOutbound attempts every pending entry whose backoff has elapsed, in
// batches of BatchSize. Returns false without doing anything if another
// outbound pass is already running.
func (e *Engine) SyncOutbound(ctx context.Context) bool {
	if !e.outboundRunning.CompareAndSwap(false, true) {
		e.logger.Debug("outbound sync already running")
		return false
	}
	defer e.outboundRunning.Store(false)

	entries, err := e.db.ListPending()
	if err != nil {
		e.logger.Error("failed to list pending messages", zap.Error(err))
		e.bus.Emit(bus.ErrorSync, fmt.Errorf("list pending: %w", err))
		return true
	}

	now := time.Now()
	ready := slices.DeleteFunc(entries, func(p store.PendingEntry) bool {
		return !e.due(p, now)
	})
	if len(ready) == 0 {
		return true
	}

	e.bus.Emit(bus.SyncStarted, map[string]any{"direction": "outbound", "pending": len(ready)})
	for batch := range slices.Chunk(ready, e.opts.BatchSize) {
		var wg gosync.WaitGroup
		for _, p := range batch {
			wg.Add(1)
			go func(localID string) {
				defer wg.Done()
				e.attempt(ctx, localID)
			}(p.Message.LocalID)
		}
		wg.Wait()
	}
	e.bus.Emit(bus.SyncFinished, map[string]any{"direction": "outbound", "pending": len(ready)})
	return true
}

func (e *Engine) due(p store.PendingEntry, now time.Time) bool {
	if p.RetryCount == 0 || p.RetryCount >= e.opts.MaxRetries {
		return true
	}
	next := time.UnixMilli(p.LastRetryAt).Add(e.backoff(p.RetryCount))
	return !now.Before(next)
}

func (e *Engine) backoff(retryCount int) time.Duration {
	d := e.opts.BaseDelay
	for range retryCount {
		d *= 2
		if d >= e.opts.MaxDelay {
			return e.opts.MaxDelay
		}
	}
	return d
}

// SendNow attempts one pending message immediately if the server is
// reachable. Failures leave it queued for the next tick.
func (e *Engine) SendNow(ctx context.Context, localID string) {
	if !e.conn.IsOnline() {
		return
	}
	e.attempt(ctx, localID)
}

func (e *Engine) acquire(localID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[localID]; busy {
		return false
	}
	e.inflight[localID] = struct{}{}
	return true
}

func (e *Engine) release(localID string) {
	e.mu.Lock()
	delete(e.inflight, localID)
	e.mu.Unlock()
}

// attempt makes at most one send for localID. The entry is re-read after
// the in-flight slot is taken so a concurrent ack is never resent.
func (e *Engine) attempt(ctx context.Context, localID string) {
	if !e.acquire(localID) {
		return
	}
	defer e.release(localID)

	log := e.logger.With(zap.String("local_id", localID))

	entry, err := e.db.GetPending(localID)
	if err != nil {
		log.Error("failed to read pending entry", zap.Error(err))
		return
	}
	if entry == nil {
		return
	}
	if entry.RetryCount >= e.opts.MaxRetries {
		e.fail(localID, ErrRetriesExhausted)
		return
	}

	ack, sendErr := e.transport.Send(ctx, entry.Message)
	if sendErr == nil {
		msg, err := e.db.MarkSent(localID, ack.ServerID, ack.CreatedAt)
		if err != nil {
			log.Error("failed to record send ack", zap.Error(err), zap.String("server_id", ack.ServerID))
			return
		}
		log.Info("message sent", zap.String("server_id", ack.ServerID), zap.String("thread", msg.Thread.String()))
		e.bus.Emit(bus.MessageSent, msg)
		return
	}

	updated, err := e.db.IncrementRetry(localID)
	if errors.Is(err, store.ErrNotFound) {
		// Acknowledged through another path while this send was in flight.
		return
	}
	if err != nil {
		log.Error("failed to record retry", zap.Error(err))
		return
	}
	if updated.RetryCount >= e.opts.MaxRetries {
		e.fail(localID, sendErr)
		return
	}
	delay := e.backoff(updated.RetryCount)
	log.Warn("send failed, will retry",
		zap.Error(sendErr),
		zap.Int("retry_count", updated.RetryCount),
		zap.Duration("backoff", delay))
	e.schedule(localID, delay)
}

func (e *Engine) fail(localID string, cause error) {
	msg, err := e.db.MarkFailed(localID)
	if err != nil {
		e.logger.Error("failed to mark message failed", zap.Error(err), zap.String("local_id", localID))
		return
	}
	e.logger.Error("message failed after max retries",
		zap.String("local_id", localID),
		zap.Int("max_retries", e.opts.MaxRetries),
		zap.NamedError("last_error", cause))
	e.bus.Emit(bus.MessageFailed, msg)
	e.bus.Emit(bus.ErrorSendFailed, &SendFailure{Message: msg, Err: cause})
}

// SendFailure is the payload of bus.ErrorSendFailed.
type SendFailure struct {
	Message *store.Message
	Err     error
}

func (f *SendFailure) Error() string {
	id := ""
	if f.Message != nil {
		id = f.Message.LocalID
	}
	if f.Err == nil {
		return fmt.Sprintf("message %s failed", id)
	}
	return fmt.Sprintf("message %s failed: %v", id, f.Err)
}

func (f *SendFailure) Unwrap() error { return f.Err }

// schedule arms a single retry of localID. At fire time the retry is
// dropped if the server is unreachable; reconnection will pick it up.
func (e *Engine) schedule(localID string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if t, ok := e.timers[localID]; ok {
		t.Stop()
	}
	e.timers[localID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, localID)
		if e.stopped {
			e.mu.Unlock()
			return
		}
		ctx := e.baseCtx
		e.wg.Add(1)
		e.mu.Unlock()
		defer e.wg.Done()

		if ctx.Err() != nil || !e.conn.IsOnline() {
			return
		}
		e.attempt(ctx, localID)
	})
}

// SyncThread pulls messages newer than the thread's checkpoint and merges
// them, following full pages up to MaxPages. Returns the number of records
// inserted or changed.
func (e *Engine) SyncThread(ctx context.Context, thread store.ThreadKey) (int, error) {
	cp, err := e.db.GetCheckpoint(thread)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", thread, err)
	}
	after := time.Now().Add(-e.opts.Lookback).UnixMilli()
	if cp != nil {
		// Timestamps are not unique; re-read the checkpoint millisecond.
		after = cp.LastSyncedAt - 1
	}

	changed := 0
pages:
	for range e.opts.MaxPages {
		page, err := e.transport.Pull(ctx, thread, after, e.opts.PageSize)
		if err != nil {
			err = fmt.Errorf("pull %s: %w", thread, err)
			e.reportInbound(thread, err)
			return changed, err
		}
		if len(page) == 0 {
			break
		}
		res, err := e.db.MergeServerMessages(thread, page)
		if err != nil {
			err = fmt.Errorf("merge %s: %w", thread, err)
			e.reportInbound(thread, err)
			return changed, err
		}
		changed += res.Inserted + res.Updated
		if len(page) < e.opts.PageSize {
			break
		}
		// The next page starts inside the newest millisecond seen, so rows
		// sharing it past the page limit are not skipped. A full page that
		// sits entirely in one millisecond steps past it instead of
		// refetching itself.
		switch {
		case res.Checkpoint-1 > after:
			after = res.Checkpoint - 1
		case res.Checkpoint > after:
			after = res.Checkpoint
		default:
			break pages
		}
	}

	if changed > 0 {
		e.logger.Info("thread synced", zap.String("thread", thread.String()), zap.Int("changed", changed))
		e.bus.Emit(bus.ThreadUpdated, ThreadUpdate{Thread: thread, Changed: changed})
	}
	return changed, nil
}

// ThreadUpdate is the payload of bus.ThreadUpdated.
type ThreadUpdate struct {
	Thread  store.ThreadKey
	Changed int
}

func (e *Engine) reportInbound(thread store.ThreadKey, err error) {
	e.logger.Warn("inbound sync failed", zap.String("thread", thread.String()), zap.Error(err))
	e.bus.Emit(bus.ErrorSync, err)
}

// SyncAll refreshes the thread list and pulls every known thread. Failures
// are joined and do not stop the remaining threads. A pass already running
// makes this a no-op.
func (e *Engine) SyncAll(ctx context.Context) error {
	if !e.inboundRunning.CompareAndSwap(false, true) {
		return nil
	}
	defer e.inboundRunning.Store(false)

	var errs []error
	remote, err := e.transport.ListThreads(ctx)
	if err != nil {
		err = fmt.Errorf("list threads: %w", err)
		e.logger.Warn("thread listing failed, using cached threads", zap.Error(err))
		e.bus.Emit(bus.ErrorSync, err)
		errs = append(errs, err)
	} else if len(remote) > 0 {
		if err := e.db.UpsertThreads(remote); err != nil {
			errs = append(errs, fmt.Errorf("cache threads: %w", err))
		}
	}

	threads, err := e.db.ListThreads()
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list cached threads: %w", err))...)
	}

	e.bus.Emit(bus.SyncStarted, map[string]any{"direction": "inbound", "threads": len(threads)})
	total := 0
	for _, t := range threads {
		n, err := e.SyncThread(ctx, t.Key)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.bus.Emit(bus.SyncFinished, map[string]any{"direction": "inbound", "threads": len(threads), "changed": total})
	return errors.Join(errs...)
}
