package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

// Receipts and edits can outrun the message they refer to, and a deleted
// message can be redelivered by a late push or an overlapping pull. Both
// cases are recorded here and settled when the record itself is merged.

const (
	parkedRetention    = 7 * 24 * time.Hour
	tombstoneRetention = 30 * 24 * time.Hour
)

// parkedUpdate is a status and/or edit held for a message not stored yet.
type parkedUpdate struct {
	Status   status.Status
	Body     sql.NullString
	EditedAt int64
}

func tombstone(q queryer, serverID string, now int64) error {
	if serverID == "" {
		return nil
	}
	if _, err := q.Exec(`INSERT INTO deleted_messages (server_id, deleted_at) VALUES (?, ?)
		ON CONFLICT(server_id) DO NOTHING`, serverID, now); err != nil {
		return fmt.Errorf("tombstone %q: %w", serverID, err)
	}
	cutoff := now - tombstoneRetention.Milliseconds()
	if _, err := q.Exec(`DELETE FROM deleted_messages WHERE deleted_at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune tombstones: %w", err)
	}
	// Updates parked for a message that will never arrive.
	if _, err := q.Exec(`DELETE FROM parked_updates WHERE message_id = ?`, serverID); err != nil {
		return fmt.Errorf("drop parked %q: %w", serverID, err)
	}
	return nil
}

func isDeleted(q queryer, serverID string) (bool, error) {
	var n int
	err := q.QueryRow(`SELECT COUNT(*) FROM deleted_messages WHERE server_id = ?`, serverID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check tombstone %q: %w", serverID, err)
	}
	return n > 0, nil
}

func parkedByID(q queryer, id string) (*parkedUpdate, error) {
	var (
		p  parkedUpdate
		st string
	)
	err := q.QueryRow(`SELECT status, body, edited_at FROM parked_updates WHERE message_id = ?`, id).
		Scan(&st, &p.Body, &p.EditedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read parked %q: %w", id, err)
	}
	p.Status = status.Status(st)
	return &p, nil
}

func writeParked(q queryer, id string, p *parkedUpdate, now int64) error {
	if _, err := q.Exec(`INSERT INTO parked_updates (message_id, status, body, edited_at, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			status = excluded.status,
			body = excluded.body,
			edited_at = excluded.edited_at,
			received_at = excluded.received_at`,
		id, string(p.Status), p.Body, p.EditedAt, now); err != nil {
		return fmt.Errorf("park update %q: %w", id, err)
	}
	cutoff := now - parkedRetention.Milliseconds()
	if _, err := q.Exec(`DELETE FROM parked_updates WHERE received_at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune parked: %w", err)
	}
	return nil
}

// parkStatus holds st for a message that is not stored yet. Repeated
// receipts keep the furthest status.
func parkStatus(q queryer, id string, st status.Status, now int64) error {
	if deleted, err := isDeleted(q, id); err != nil || deleted {
		return err
	}
	p, err := parkedByID(q, id)
	if err != nil {
		return err
	}
	if p == nil {
		p = &parkedUpdate{}
	}
	if p.Status == "" {
		p.Status = st
	} else {
		p.Status = status.Merge(p.Status, st)
	}
	return writeParked(q, id, p, now)
}

// parkEdit holds an edit for a message that is not stored yet. The newest
// edit wins.
func parkEdit(q queryer, id, body string, editedAt, now int64) error {
	if deleted, err := isDeleted(q, id); err != nil || deleted {
		return err
	}
	p, err := parkedByID(q, id)
	if err != nil {
		return err
	}
	if p == nil {
		p = &parkedUpdate{}
	}
	if !p.Body.Valid || editedAt >= p.EditedAt {
		p.Body = sql.NullString{String: body, Valid: true}
		p.EditedAt = editedAt
	}
	return writeParked(q, id, p, now)
}

// applyParked folds updates parked under any of ids into rec and removes
// them.
func applyParked(q queryer, rec *Message, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		p, err := parkedByID(q, id)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		if p.Status.Valid() {
			rec.Status = status.Merge(rec.Status, p.Status)
		}
		if p.Body.Valid && p.EditedAt >= rec.EditedAt {
			rec.Body = p.Body.String
			rec.EditedAt = p.EditedAt
		}
		if _, err := q.Exec(`DELETE FROM parked_updates WHERE message_id = ?`, id); err != nil {
			return fmt.Errorf("drop parked %q: %w", id, err)
		}
	}
	return nil
}

// ParkedCount returns the number of updates waiting for their message.
func (db *DB) ParkedCount() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM parked_updates`).Scan(&n)
	return n, err
}
