package store

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/status"
)

// ThreadKind distinguishes one-to-one conversations from groups.
type ThreadKind string

const (
	DirectConversation ThreadKind = "direct"
	Group              ThreadKind = "group"
)

// Valid reports whether k is a known thread kind.
func (k ThreadKind) Valid() bool {
	return k == DirectConversation || k == Group
}

// ThreadKey identifies an owning thread.
type ThreadKey struct {
	Kind ThreadKind
	ID   string
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// Message is the local record of a chat message. LocalID is stable for the
// record's lifetime; ServerID is empty until the server acknowledges it.
// Timestamps are unix milliseconds.
type Message struct {
	LocalID     string
	ServerID    string
	Thread      ThreadKey
	SenderID    string
	Body        string
	ReplyToID   string
	Attachments []string
	Status      status.Status
	CreatedAt   int64
	UpdatedAt   int64
	EditedAt    int64

	// Populated only while Status is Pending.
	RetryCount  int
	LastRetryAt int64
}

// PendingEntry is the queue projection of a Pending message.
type PendingEntry struct {
	Message     Message
	CreatedAt   int64
	RetryCount  int
	LastRetryAt int64
}

// Thread is cached thread metadata.
type Thread struct {
	Key           ThreadKey
	Title         string
	LastMessageAt int64
}

// Checkpoint is the per-thread inbound sync position.
type Checkpoint struct {
	Thread       ThreadKey
	LastSyncedAt int64
	UpdatedAt    int64
}

// MergeResult summarizes a page of server messages merged into the store.
type MergeResult struct {
	Inserted   int
	Updated    int
	Checkpoint int64
}
