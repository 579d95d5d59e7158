package store

import (
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/status"
)

// Outcome says what reconciling one server record did locally.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

// mergeOne reconciles a server-authored record: matched by server id, then
// by the local id the server echoes back for our own sends. The pending
// entry is dropped once the record leaves Pending. A record deleted
// locally is skipped and yields a nil message.
func mergeOne(tx *sql.Tx, sm Message, now int64) (*Message, Outcome, error) {
	if sm.ServerID == "" {
		return nil, Unchanged, fmt.Errorf("server message without id in %s: %w", sm.Thread, ErrInvalid)
	}
	// The server holding a record means it was sent, whatever status the
	// record carries on the wire.
	switch sm.Status {
	case "", status.Pending, status.Failed:
		sm.Status = status.Sent
	}
	if deleted, err := isDeleted(tx, sm.ServerID); err != nil || deleted {
		return nil, Unchanged, err
	}

	existing, err := messageByServerID(tx, sm.ServerID)
	if err != nil {
		return nil, Unchanged, err
	}
	if existing == nil && sm.LocalID != "" {
		if existing, err = messageByLocalID(tx, sm.LocalID); err != nil {
			return nil, Unchanged, err
		}
	}

	var (
		rec     Message
		outcome Outcome
	)
	if existing != nil {
		sm.LocalID = existing.LocalID
		if sm.Thread.ID == "" {
			sm.Thread = existing.Thread
		}
		rec = mergeInto(existing, sm)
		outcome = Updated
	} else {
		rec = sm
		if rec.LocalID == "" {
			rec.LocalID = uuid.NewString()
		}
		if rec.CreatedAt == 0 {
			rec.CreatedAt = now
		}
		outcome = Inserted
	}
	if err := applyParked(tx, &rec, rec.ServerID, rec.LocalID); err != nil {
		return nil, Unchanged, err
	}
	if existing != nil && sameMessage(existing, &rec) {
		return existing, Unchanged, nil
	}
	rec.UpdatedAt = now
	if err := validate(&rec); err != nil {
		return nil, Unchanged, err
	}
	if err := writeMessage(tx, &rec); err != nil {
		return nil, Unchanged, err
	}
	if rec.Status != status.Pending {
		if _, err := tx.Exec(`DELETE FROM pending_outbound WHERE local_id = ?`, rec.LocalID); err != nil {
			return nil, Unchanged, fmt.Errorf("dequeue %q: %w", rec.LocalID, err)
		}
	}
	stored, err := messageByLocalID(tx, rec.LocalID)
	return stored, outcome, err
}

// ReconcileServerMessage applies one pushed server record without touching
// any checkpoint, since a push says nothing about what was missed before it.
func (db *DB) ReconcileServerMessage(msg Message) (*Message, Outcome, error) {
	var (
		stored  *Message
		outcome Outcome
	)
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		stored, outcome, err = mergeOne(tx, msg, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return nil, Unchanged, err
	}
	return stored, outcome, nil
}

// MergeServerMessages persists a page of server-authored messages for a
// thread and advances its checkpoint to the newest server createdAt in the
// page, all in one transaction. Re-merging a page is a no-op. A page with
// no server timestamps leaves the checkpoint untouched.
func (db *DB) MergeServerMessages(thread ThreadKey, msgs []Message) (*MergeResult, error) {
	result := &MergeResult{}
	err := db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		var newest int64
		for _, sm := range msgs {
			sm.Thread = thread
			_, outcome, err := mergeOne(tx, sm, now)
			if err != nil {
				return err
			}
			switch outcome {
			case Inserted:
				result.Inserted++
			case Updated:
				result.Updated++
			}
			// Only server timestamps move the checkpoint; a defaulted
			// createdAt is local wall clock.
			newest = max(newest, sm.CreatedAt)
		}

		if newest == 0 {
			cp, err := checkpointValue(tx, thread)
			result.Checkpoint = cp
			return err
		}
		cp, err := advanceCheckpoint(tx, thread, newest)
		if err != nil {
			return fmt.Errorf("advance checkpoint %s: %w", thread, err)
		}
		result.Checkpoint = cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func checkpointValue(q queryer, thread ThreadKey) (int64, error) {
	var v int64
	err := q.QueryRow(`SELECT COALESCE(MAX(last_synced_at), 0) FROM checkpoints WHERE thread_kind = ? AND thread_id = ?`,
		string(thread.Kind), thread.ID).Scan(&v)
	return v, err
}

func sameMessage(a, b *Message) bool {
	return a.ServerID == b.ServerID &&
		a.Thread == b.Thread &&
		a.Body == b.Body &&
		a.Status == b.Status &&
		a.CreatedAt == b.CreatedAt &&
		a.SenderID == b.SenderID &&
		a.ReplyToID == b.ReplyToID &&
		a.EditedAt == b.EditedAt &&
		slices.Equal(a.Attachments, b.Attachments)
}
