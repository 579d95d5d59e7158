package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field readers over a request document. Missing fields read as zero.

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func intField(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func stringsField(s *structpb.Struct, key string) []string {
	var out []string
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		if str := v.GetStringValue(); str != "" {
			out = append(out, str)
		}
	}
	return out
}

func threadField(s *structpb.Struct) (store.ThreadKey, error) {
	key := store.ThreadKey{
		Kind: store.ThreadKind(stringField(s, "threadKind")),
		ID:   stringField(s, "threadId"),
	}
	if key.Kind == "" {
		key.Kind = store.DirectConversation
	}
	if key.ID == "" || !key.Kind.Valid() {
		return key, fmt.Errorf("thread %s: %w", key, store.ErrInvalid)
	}
	return key, nil
}

func threadArgs(key store.ThreadKey) map[string]any {
	return map[string]any{"threadKind": string(key.Kind), "threadId": key.ID}
}

func messageFields(m *store.Message) map[string]any {
	attachments := make([]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a)
	}
	f := map[string]any{
		"localId":     m.LocalID,
		"serverId":    m.ServerID,
		"threadKind":  string(m.Thread.Kind),
		"threadId":    m.Thread.ID,
		"senderId":    m.SenderID,
		"body":        m.Body,
		"status":      string(m.Status),
		"createdAt":   m.CreatedAt,
		"updatedAt":   m.UpdatedAt,
		"attachments": attachments,
	}
	if m.ReplyToID != "" {
		f["replyToId"] = m.ReplyToID
	}
	if m.EditedAt != 0 {
		f["editedAt"] = m.EditedAt
	}
	if m.Status.Terminal() || m.RetryCount > 0 {
		f["retryCount"] = int64(m.RetryCount)
	}
	return f
}

func stateFields(st connectivity.State) map[string]any {
	f := map[string]any{
		"online":    st.IsOnline,
		"quality":   string(st.Quality),
		"latencyMs": st.Latency.Milliseconds(),
	}
	if !st.CheckedAt.IsZero() {
		f["checkedAt"] = st.CheckedAt.UnixMilli()
	}
	return f
}

// payloadFields renders a bus payload as a document. Unknown payload
// types are dropped.
func payloadFields(payload any) map[string]any {
	switch p := payload.(type) {
	case *store.Message:
		return messageFields(p)
	case connectivity.State:
		return stateFields(p)
	case intsync.ThreadUpdate:
		f := threadArgs(p.Thread)
		f["changed"] = int64(p.Changed)
		return f
	case *intsync.SendFailure:
		f := map[string]any{}
		if p.Message != nil {
			f = messageFields(p.Message)
		}
		if p.Err != nil {
			f["error"] = p.Err.Error()
		}
		return f
	case map[string]any:
		return p
	case error:
		return map[string]any{"error": p.Error()}
	default:
		return nil
	}
}

func durationField(s *structpb.Struct, key string) time.Duration {
	return time.Duration(intField(s, key)) * time.Millisecond
}

var errNoDocument = errors.New("response document could not be built")

func document(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoDocument, err)
	}
	return s, nil
}
