package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/tidwall/gjson"
)

var (
	// ErrUnknownEvent is returned for push events this package does not handle.
	ErrUnknownEvent = errors.New("unknown push event")
	// ErrMalformedEvent is returned for push events missing required fields.
	ErrMalformedEvent = errors.New("malformed push event")
)

// Event is a normalized push event: one of MessageSent, MessageEdited,
// MessageDeleted or StatusUpdated.
type Event interface {
	event()
}

// MessageSent carries a new or echoed message.
type MessageSent struct {
	Message store.Message
}

// MessageEdited replaces the body of an existing message.
type MessageEdited struct {
	Thread   store.ThreadKey
	ID       string // server id, or local id if the server has none
	Body     string
	EditedAt int64
}

// MessageDeleted removes a message.
type MessageDeleted struct {
	Thread store.ThreadKey
	ID     string
}

// StatusUpdated is a delivery or read receipt.
type StatusUpdated struct {
	Thread store.ThreadKey
	ID     string
	Status status.Status
}

func (MessageSent) event()    {}
func (MessageEdited) event()  {}
func (MessageDeleted) event() {}
func (StatusUpdated) event()  {}

type eventKind int

const (
	kindUnknown eventKind = iota
	kindSent
	kindEdited
	kindDeleted
	kindStatus
)

var eventNames = map[string]eventKind{
	"messagesent":          kindSent,
	"messagecreated":       kindSent,
	"messagenew":           kindSent,
	"newmessage":           kindSent,
	"messageedited":        kindEdited,
	"messageupdated":       kindEdited,
	"messagedeleted":       kindDeleted,
	"messageremoved":       kindDeleted,
	"messagestatusupdated": kindStatus,
	"messagestatus":        kindStatus,
	"statusupdated":        kindStatus,
	"messagedelivered":     kindStatus,
	"messageread":          kindStatus,
}

// canonicalName folds "App\Events\MessageSent", ".MessageSent",
// "message.sent" and "message_sent" into "messagesent".
func canonicalName(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '_', '-', ' ', ':':
			return -1
		}
		return r
	}, name)
}

// Normalize turns a raw push payload into an Event. The envelope name is
// read from event/type/name, and the body from data/payload, which may
// itself be a JSON-encoded string.
func Normalize(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedEvent)
	}
	root := gjson.ParseBytes(raw)
	name := transport.First(root, "event", "type", "name", "kind").String()
	kind := eventNames[canonicalName(name)]
	if kind == kindUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	payload := transport.First(root, "data", "payload")
	if payload.Type == gjson.String && gjson.Valid(payload.Str) {
		payload = gjson.Parse(payload.Str)
	}
	if !payload.IsObject() {
		payload = root
	}
	obj := payload
	if m := payload.Get("message"); m.IsObject() {
		obj = m
	}

	msg := transport.DecodeMessage(obj)
	thread := threadOf(root, payload, msg.Thread)
	msg.Thread = thread
	id := msg.ServerID
	if id == "" {
		id = msg.LocalID
	}

	switch kind {
	case kindSent:
		if msg.ServerID == "" {
			return nil, fmt.Errorf("%w: %s without message id", ErrMalformedEvent, name)
		}
		if !thread.Kind.Valid() || thread.ID == "" {
			return nil, fmt.Errorf("%w: %s without thread", ErrMalformedEvent, name)
		}
		if msg.Status == "" || msg.Status == status.Pending {
			msg.Status = status.Sent
		}
		return MessageSent{Message: msg}, nil

	case kindEdited:
		if id == "" {
			return nil, fmt.Errorf("%w: %s without message id", ErrMalformedEvent, name)
		}
		editedAt := msg.EditedAt
		if editedAt == 0 {
			editedAt = transport.Timestamp(transport.First(obj, "updatedAt", "updated_at"))
		}
		return MessageEdited{Thread: thread, ID: id, Body: msg.Body, EditedAt: editedAt}, nil

	case kindDeleted:
		if id == "" {
			return nil, fmt.Errorf("%w: %s without message id", ErrMalformedEvent, name)
		}
		return MessageDeleted{Thread: thread, ID: id}, nil

	default:
		if id == "" {
			return nil, fmt.Errorf("%w: %s without message id", ErrMalformedEvent, name)
		}
		st := msg.Status
		if st == "" {
			switch canonicalName(name) {
			case "messagedelivered":
				st = status.Delivered
			case "messageread":
				st = status.Read
			}
		}
		if st == "" {
			return nil, fmt.Errorf("%w: %s without status", ErrMalformedEvent, name)
		}
		return StatusUpdated{Thread: thread, ID: id, Status: st}, nil
	}
}

// threadOf fills in whatever the message object lacked from the enclosing
// payload, then from group markers or the channel name.
func threadOf(root, payload gjson.Result, key store.ThreadKey) store.ThreadKey {
	if key.ID == "" {
		key.ID = transport.First(payload, "threadId", "thread_id", "conversationId", "conversation_id", "groupId", "group_id").String()
	}
	if key.Kind == "" {
		key.Kind = transport.ParseThreadKind(transport.First(payload, "threadKind", "thread_kind", "conversationType").String())
	}
	if key.Kind == "" && key.ID != "" {
		channel := strings.ToLower(root.Get("channel").String())
		switch {
		case transport.First(payload, "groupId", "group_id").Exists(),
			transport.First(payload, "message.groupId", "message.group_id").Exists(),
			strings.Contains(channel, "group"):
			key.Kind = store.Group
		default:
			key.Kind = store.DirectConversation
		}
	}
	return key
}
