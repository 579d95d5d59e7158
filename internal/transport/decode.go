package transport

import (
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/tidwall/gjson"
)

// Servers are not consistent about field names, so every field is read from
// the first alias present.
var (
	serverIDPaths    = []string{"serverId", "server_id", "id", "messageId", "message_id"}
	localIDPaths     = []string{"localId", "local_id", "clientId", "client_id", "tempId", "temp_id"}
	threadIDPaths    = []string{"threadId", "thread_id", "conversationId", "conversation_id", "groupId", "group_id", "chatId"}
	threadKindPaths  = []string{"threadKind", "thread_kind", "conversationType", "chatType"}
	bodyPaths        = []string{"body", "content", "text", "message"}
	senderPaths      = []string{"senderId", "sender_id", "sender.id", "userId", "user_id", "from"}
	replyToPaths     = []string{"replyToId", "reply_to_id", "replyTo", "parentId", "parent_id"}
	createdAtPaths   = []string{"createdAt", "created_at", "timestamp", "sentAt", "sent_at"}
	editedAtPaths    = []string{"editedAt", "edited_at"}
	statusPaths      = []string{"status", "state"}
	attachmentIDKeys = []string{"id", "ref", "url", "path"}
)

// First returns the first of paths that exists in r.
func First(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// Timestamp reads a unix seconds, unix milliseconds, numeric string, or
// RFC 3339 value as unix milliseconds. Unparseable values give 0.
func Timestamp(r gjson.Result) int64 {
	switch r.Type {
	case gjson.Number:
		return normalizeEpoch(r.Int())
	case gjson.String:
		if n, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return normalizeEpoch(n)
		}
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func normalizeEpoch(n int64) int64 {
	// Anything below 1e12 is seconds; 1e12 ms is September 2001.
	if n > 0 && n < 1e12 {
		return n * 1000
	}
	return n
}

// ParseThreadKind maps a server thread type onto a ThreadKind.
func ParseThreadKind(s string) store.ThreadKind {
	switch strings.ToLower(s) {
	case "group", "groups", "room", "team":
		return store.Group
	case "direct", "dm", "private", "conversation", "direct_conversation", "directconversation":
		return store.DirectConversation
	}
	return ""
}

// ParseStatus maps a server status string to a Status, or "" if unknown.
func ParseStatus(s string) status.Status {
	st, err := status.Parse(strings.ToLower(s))
	if err != nil {
		return ""
	}
	return st
}

// DecodeMessage converts one server message object into a store record.
// Thread fields are left empty when absent so callers can fill them in.
func DecodeMessage(r gjson.Result) store.Message {
	m := store.Message{
		ServerID:  First(r, serverIDPaths...).String(),
		LocalID:   First(r, localIDPaths...).String(),
		Body:      First(r, bodyPaths...).String(),
		SenderID:  First(r, senderPaths...).String(),
		ReplyToID: First(r, replyToPaths...).String(),
		CreatedAt: Timestamp(First(r, createdAtPaths...)),
		EditedAt:  Timestamp(First(r, editedAtPaths...)),
		Status:    ParseStatus(First(r, statusPaths...).String()),
		Thread: store.ThreadKey{
			ID:   First(r, threadIDPaths...).String(),
			Kind: ParseThreadKind(First(r, threadKindPaths...).String()),
		},
	}
	// "message" doubles as a body alias; ignore it when it is an object.
	if v := First(r, bodyPaths...); v.IsObject() {
		m.Body = ""
	}
	r.Get("attachments").ForEach(func(_, a gjson.Result) bool {
		if a.IsObject() {
			a = First(a, attachmentIDKeys...)
		}
		if ref := a.String(); ref != "" {
			m.Attachments = append(m.Attachments, ref)
		}
		return true
	})
	return m
}

// decodeList returns the elements of a bare array, or of the first array
// found under one of keys in an envelope object.
func decodeList(body []byte, keys ...string) []gjson.Result {
	r := gjson.ParseBytes(body)
	if r.IsArray() {
		return r.Array()
	}
	for _, k := range keys {
		if v := r.Get(k); v.IsArray() {
			return v.Array()
		}
	}
	return nil
}
