package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Syncer is the part of the sync engine the session drives.
type Syncer interface {
	SendNow(ctx context.Context, localID string)
	SyncThread(ctx context.Context, thread store.ThreadKey) (int, error)
	ForceSync(ctx context.Context, wait time.Duration) error
}

// Connectivity reports reachability to the session.
type Connectivity interface {
	IsOnline() bool
	State() connectivity.State
}

// SendOptions are the optional parts of an outgoing message.
type SendOptions struct {
	ReplyToID   string
	Attachments []string
}

// Session is the application-facing API: send, display, and receive.
// It writes only through the store and never blocks on the network.
type Session struct {
	db     *store.DB
	syncer Syncer
	conn   Connectivity
	bus    *bus.Bus
	selfID string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session for the local user selfID.
func NewSession(db *store.DB, syncer Syncer, conn Connectivity, b *bus.Bus, selfID string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		db:     db,
		syncer: syncer,
		conn:   conn,
		bus:    b,
		selfID: selfID,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels background work started by the session and waits for it.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// SendMessage stores body as a Pending message, queues it, and returns the
// optimistic record. If the server is reachable a send is attempted in the
// background; a failure there leaves it queued.
func (s *Session) SendMessage(thread store.ThreadKey, body string, opts SendOptions) (*store.Message, error) {
	msg, err := s.db.SaveMessage(&store.Message{
		LocalID:     uuid.NewString(),
		Thread:      thread,
		SenderID:    s.selfID,
		Body:        body,
		ReplyToID:   opts.ReplyToID,
		Attachments: opts.Attachments,
		Status:      status.Pending,
		CreatedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("save outgoing message: %w", err)
	}
	if err := s.db.EnqueuePending(msg); err != nil {
		return nil, fmt.Errorf("queue outgoing message: %w", err)
	}
	s.bus.Emit(bus.MessageUpserted, msg)

	if s.conn.IsOnline() {
		localID := msg.LocalID
		s.goBackground(func(ctx context.Context) {
			s.syncer.SendNow(ctx, localID)
		})
	}
	return msg, nil
}

// RetryMessage returns a Failed message to the queue with a fresh retry
// budget and attempts it if the server is reachable.
func (s *Session) RetryMessage(localID string) (*store.Message, error) {
	msg, err := s.db.ReviveFailed(localID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("message revived for retry", zap.String("local_id", localID))
	s.bus.Emit(bus.MessageUpserted, msg)
	if s.conn.IsOnline() {
		s.goBackground(func(ctx context.Context) {
			s.syncer.SendNow(ctx, localID)
		})
	}
	return msg, nil
}

// OnIncomingPush normalizes a raw push payload and applies it. Payloads
// that cannot be normalized are reported on the error channel.
func (s *Session) OnIncomingPush(ctx context.Context, raw []byte) error {
	evt, err := Normalize(raw)
	if err != nil {
		s.logger.Warn("dropping push event", zap.Error(err), zap.ByteString("raw", truncate(raw, 256)))
		s.bus.Emit(bus.ErrorPush, err)
		return err
	}
	return s.Apply(ctx, evt)
}

// Apply reconciles a normalized event with the store. Re-applying an event
// is a no-op.
func (s *Session) Apply(_ context.Context, evt Event) error {
	switch e := evt.(type) {
	case MessageSent:
		stored, outcome, err := s.db.ReconcileServerMessage(e.Message)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", e.Message.ServerID, err)
		}
		if stored == nil {
			s.logger.Debug("ignoring redelivered deleted message", zap.String("server_id", e.Message.ServerID))
			return nil
		}
		switch outcome {
		case store.Inserted:
			s.bus.Emit(bus.MessageNew, stored)
		case store.Updated:
			s.bus.Emit(bus.MessageUpserted, stored)
		}

	case MessageEdited:
		edited, err := s.db.EditMessage(e.ID, e.Body, e.EditedAt)
		if err != nil {
			return fmt.Errorf("edit %s: %w", e.ID, err)
		}
		if edited == nil {
			s.logger.Debug("edit parked for unknown message", zap.String("id", e.ID))
			return nil
		}
		s.bus.Emit(bus.MessageUpserted, edited)

	case MessageDeleted:
		removed, err := s.db.DeleteMessage(e.ID)
		if err != nil {
			return fmt.Errorf("delete %s: %w", e.ID, err)
		}
		if removed != nil {
			s.bus.Emit(bus.MessageDeleted, removed)
		}

	case StatusUpdated:
		updated, err := s.db.ApplyStatus(e.ID, e.Status)
		if err != nil {
			return fmt.Errorf("apply status %s: %w", e.ID, err)
		}
		if updated == nil {
			s.logger.Debug("receipt parked for unknown message", zap.String("id", e.ID))
			return nil
		}
		s.bus.Emit(bus.MessageUpserted, updated)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
	return nil
}

// LoadThread returns the cached messages of a thread, oldest first, and
// pulls newer ones in the background. New data is announced with
// bus.ThreadUpdated.
func (s *Session) LoadThread(thread store.ThreadKey, limit int) ([]store.Message, error) {
	msgs, err := s.db.GetMessages(thread, limit)
	if err != nil {
		return nil, err
	}
	if s.conn.IsOnline() {
		s.goBackground(func(ctx context.Context) {
			// Failures are already on the error channel.
			_, _ = s.syncer.SyncThread(ctx, thread)
		})
	}
	return msgs, nil
}

// Sync forces an outbound and inbound pass, waiting up to wait for
// connectivity first.
func (s *Session) Sync(ctx context.Context, wait time.Duration) error {
	return s.syncer.ForceSync(ctx, wait)
}

// Threads returns the cached thread list.
func (s *Session) Threads() ([]store.Thread, error) {
	return s.db.ListThreads()
}

// PendingCount returns how many messages are waiting to be sent.
func (s *Session) PendingCount() (int, error) {
	return s.db.PendingCount()
}

// MessageCount returns how many messages are stored locally.
func (s *Session) MessageCount() (int64, error) {
	return s.db.MessageCount()
}

// Connectivity returns the current connectivity summary.
func (s *Session) Connectivity() connectivity.State {
	return s.conn.State()
}

// LastSyncedAt returns the inbound checkpoint of a thread, or 0 if it has
// never been synced.
func (s *Session) LastSyncedAt(thread store.ThreadKey) (int64, error) {
	cp, err := s.db.GetCheckpoint(thread)
	if err != nil || cp == nil {
		return 0, err
	}
	return cp.LastSyncedAt, nil
}

// Subscribe delivers bus events whose kind starts with namespace.
func (s *Session) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(namespace, bufSize)
}

// DroppedEvents returns how many notifications slow subscribers missed.
func (s *Session) DroppedEvents() uint64 {
	return s.bus.Dropped()
}

// Errors is the single error channel for the UI.
func (s *Session) Errors(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("error.", bufSize)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
