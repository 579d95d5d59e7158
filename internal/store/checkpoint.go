package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetCheckpoint returns the inbound sync position for a thread, or nil if
// the thread has never been synced.
func (db *DB) GetCheckpoint(thread ThreadKey) (*Checkpoint, error) {
	c := Checkpoint{Thread: thread}
	err := db.QueryRow(`SELECT last_synced_at, updated_at FROM checkpoints WHERE thread_kind = ? AND thread_id = ?`,
		string(thread.Kind), thread.ID).Scan(&c.LastSyncedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetCheckpoint moves the thread's checkpoint forward to value. A value older
// than the stored one is ignored, so concurrent pulls completing out of order
// never rewind it. Returns the checkpoint now in effect.
func (db *DB) SetCheckpoint(thread ThreadKey, value int64) (int64, error) {
	return advanceCheckpoint(db, thread, value)
}

func advanceCheckpoint(q queryer, thread ThreadKey, value int64) (int64, error) {
	var current int64
	err := q.QueryRow(`
		INSERT INTO checkpoints (thread_kind, thread_id, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_kind, thread_id) DO UPDATE SET
			last_synced_at = MAX(checkpoints.last_synced_at, excluded.last_synced_at),
			updated_at = excluded.updated_at
		RETURNING last_synced_at`,
		string(thread.Kind), thread.ID, value, time.Now().UnixMilli()).Scan(&current)
	return current, err
}
