package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Chat is the part of chat.Session the control plane exposes.
type Chat interface {
	SendMessage(thread store.ThreadKey, body string, opts chat.SendOptions) (*store.Message, error)
	RetryMessage(localID string) (*store.Message, error)
	LoadThread(thread store.ThreadKey, limit int) ([]store.Message, error)
	Sync(ctx context.Context, wait time.Duration) error
	Threads() ([]store.Thread, error)
	PendingCount() (int, error)
	MessageCount() (int64, error)
	Connectivity() connectivity.State
	LastSyncedAt(thread store.ThreadKey) (int64, error)
	Subscribe(namespace string, bufSize int) (<-chan bus.Event, func())
	DroppedEvents() uint64
}

// Service implements ChatSyncServer on top of a chat session.
type Service struct {
	chat      Chat
	profile   string
	startedAt time.Time
	logger    *zap.Logger
}

// NewService creates the control-plane service for profile.
func NewService(c Chat, profile string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{chat: c, profile: profile, startedAt: time.Now(), logger: logger}
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"profile":       s.profile,
		"uptimeMs":      time.Since(s.startedAt).Milliseconds(),
		"connectivity":  stateFields(s.chat.Connectivity()),
		"droppedEvents": s.chat.DroppedEvents(),
	}
	if n, err := s.chat.PendingCount(); err == nil {
		resp["pending"] = n
	}
	if n, err := s.chat.MessageCount(); err == nil {
		resp["messages"] = n
	}
	if threads, err := s.chat.Threads(); err == nil {
		resp["threads"] = len(threads)
	}
	return document(resp)
}

func (s *Service) SendMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	thread, err := threadField(req)
	if err != nil {
		return nil, toStatus(err)
	}
	body := stringField(req, "body")
	attachments := stringsField(req, "attachments")
	if body == "" && len(attachments) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message has neither body nor attachments")
	}
	msg, err := s.chat.SendMessage(thread, body, chat.SendOptions{
		ReplyToID:   stringField(req, "replyToId"),
		Attachments: attachments,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return document(messageFields(msg))
}

func (s *Service) LoadThread(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	thread, err := threadField(req)
	if err != nil {
		return nil, toStatus(err)
	}
	msgs, err := s.chat.LoadThread(thread, int(intField(req, "limit")))
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(msgs))
	for i := range msgs {
		list = append(list, messageFields(&msgs[i]))
	}
	resp := threadArgs(thread)
	resp["messages"] = list
	if cp, err := s.chat.LastSyncedAt(thread); err == nil {
		resp["lastSyncedAt"] = cp
	}
	return document(resp)
}

func (s *Service) ListThreads(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	threads, err := s.chat.Threads()
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(threads))
	for _, t := range threads {
		f := threadArgs(t.Key)
		f["title"] = t.Title
		f["lastMessageAt"] = t.LastMessageAt
		list = append(list, f)
	}
	return document(map[string]any{"threads": list})
}

func (s *Service) ForceSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.chat.Sync(ctx, durationField(req, "waitMs")); err != nil {
		return nil, toStatus(err)
	}
	resp := map[string]any{"ok": true}
	if n, err := s.chat.PendingCount(); err == nil {
		resp["pending"] = n
	}
	return document(resp)
}

func (s *Service) RetryMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	localID := stringField(req, "localId")
	if localID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "localId is required")
	}
	msg, err := s.chat.RetryMessage(localID)
	if err != nil {
		return nil, toStatus(err)
	}
	return document(messageFields(msg))
}

// WatchEvents streams bus events under the requested namespace (all events
// when empty) until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.chat.Subscribe(stringField(req, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env := map[string]any{
				"eventId":          uuid.NewString(),
				"profile":          s.profile,
				"kind":             evt.Kind,
				"occurredAtUnixMs": evt.Timestamp.UnixMilli(),
			}
			if p := payloadFields(evt.Payload); p != nil {
				env["payload"] = p
			}
			doc, err := document(env)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(doc); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrInvalid):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, connectivity.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, intsync.ErrOffline):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
