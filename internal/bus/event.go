package bus

import "time"

// Event kinds. Subscribers filter on the namespace prefix ("message.", "sync.", ...).
const (
	MessageUpserted = "message.upserted"
	MessageNew      = "message.new"
	MessageDeleted  = "message.deleted"
	MessageSent     = "message.sent"
	MessageFailed   = "message.failed"

	ThreadUpdated = "thread.updated"

	SyncStarted  = "sync.started"
	SyncFinished = "sync.finished"

	ConnectivityChanged = "connectivity.changed"

	ErrorSendFailed   = "error.send_failed"
	ErrorSync         = "error.sync"
	ErrorConnectivity = "error.connectivity"
	ErrorPush         = "error.push"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
