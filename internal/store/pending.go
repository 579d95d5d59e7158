package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

// EnqueuePending adds or overwrites the pending entry for msg, resetting its
// retry count. The message must already be saved.
func (db *DB) EnqueuePending(msg *Message) error {
	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO pending_outbound (local_id, created_at, retry_count, last_retry_at)
		VALUES (?, ?, 0, 0)
		ON CONFLICT(local_id) DO UPDATE SET
			created_at = excluded.created_at,
			retry_count = 0,
			last_retry_at = 0`,
		msg.LocalID, createdAt)
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", msg.LocalID, err)
	}
	return nil
}

const pendingSelect = `
	SELECT p.created_at, p.retry_count, p.last_retry_at,
	       m.local_id, m.server_id, m.thread_kind, m.thread_id, m.sender_id, m.body,
	       m.reply_to_id, m.attachments, m.status, m.created_at, m.updated_at, m.edited_at,
	       p.retry_count, p.last_retry_at
	FROM pending_outbound p
	JOIN messages m ON m.local_id = p.local_id`

type prefixedScanner struct {
	row    scanner
	prefix []any
}

func (s prefixedScanner) Scan(dest ...any) error {
	return s.row.Scan(append(s.prefix, dest...)...)
}

func scanPending(row scanner) (*PendingEntry, error) {
	var e PendingEntry
	m, err := scanMessage(prefixedScanner{row: row, prefix: []any{&e.CreatedAt, &e.RetryCount, &e.LastRetryAt}})
	if err != nil {
		return nil, err
	}
	e.Message = *m
	return &e, nil
}

// ListPending returns all pending entries, oldest first.
func (db *DB) ListPending() ([]PendingEntry, error) {
	rows, err := db.Query(pendingSelect + ` ORDER BY p.created_at ASC, p.local_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := []PendingEntry{}
	for rows.Next() {
		e, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetPending returns the pending entry for localID, or nil if none exists.
func (db *DB) GetPending(localID string) (*PendingEntry, error) {
	e, err := scanPending(db.QueryRow(pendingSelect+` WHERE p.local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// PendingCount returns the number of queued outbound messages.
func (db *DB) PendingCount() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_outbound`).Scan(&count)
	return count, err
}

// DequeuePending removes the pending entry for localID. Absent entries are ignored.
func (db *DB) DequeuePending(localID string) error {
	_, err := db.Exec(`DELETE FROM pending_outbound WHERE local_id = ?`, localID)
	return err
}

// IncrementRetry bumps the retry count of a pending entry and stamps the attempt time.
func (db *DB) IncrementRetry(localID string) (*PendingEntry, error) {
	now := time.Now().UnixMilli()
	var entry *PendingEntry
	err := db.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE pending_outbound SET retry_count = retry_count + 1, last_retry_at = ? WHERE local_id = ?`, now, localID)
		if err != nil {
			return fmt.Errorf("increment retry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Entity: "pending entry", Key: localID}
		}
		entry, err = scanPending(tx.QueryRow(pendingSelect+` WHERE p.local_id = ?`, localID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkSent records the server acknowledgement for localID: the message
// becomes Sent with serverID and the server's createdAt (if non-zero), and
// its pending entry is removed in the same transaction.
func (db *DB) MarkSent(localID, serverID string, createdAt int64) (*Message, error) {
	var sent *Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := messageByLocalID(tx, localID)
		if err != nil {
			return err
		}
		if m == nil {
			return &NotFoundError{Entity: "message", Key: localID}
		}
		// An echo of the same send may already have attached the server id.
		if other, err := messageByServerID(tx, serverID); err != nil {
			return err
		} else if other != nil && other.LocalID != localID {
			if _, err := tx.Exec(`DELETE FROM messages WHERE local_id = ?`, other.LocalID); err != nil {
				return fmt.Errorf("drop duplicate %q: %w", other.LocalID, err)
			}
			m.Status = status.Merge(m.Status, other.Status)
		}
		if createdAt == 0 {
			createdAt = m.CreatedAt
		}
		sid := m.ServerID
		if sid == "" {
			sid = serverID
		}
		next := status.Merge(m.Status, status.Sent)
		if _, err := tx.Exec(`UPDATE messages SET status = ?, server_id = ?, created_at = ?, updated_at = ? WHERE local_id = ?`,
			string(next), nullable(sid), createdAt, time.Now().UnixMilli(), localID); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM pending_outbound WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		sent, err = messageByLocalID(tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sent, nil
}

// MarkFailed moves a pending message to Failed and removes its pending entry.
func (db *DB) MarkFailed(localID string) (*Message, error) {
	var failed *Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := messageByLocalID(tx, localID)
		if err != nil {
			return err
		}
		if m == nil {
			return &NotFoundError{Entity: "message", Key: localID}
		}
		next := status.Merge(m.Status, status.Failed)
		if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE local_id = ?`,
			string(next), time.Now().UnixMilli(), localID); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM pending_outbound WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		failed, err = messageByLocalID(tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ReviveFailed is the explicit user retry: a Failed message returns to
// Pending and is re-enqueued with a zero retry count.
func (db *DB) ReviveFailed(localID string) (*Message, error) {
	var revived *Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := messageByLocalID(tx, localID)
		if err != nil {
			return err
		}
		if m == nil {
			return &NotFoundError{Entity: "message", Key: localID}
		}
		if m.Status != status.Failed {
			return fmt.Errorf("revive %q in status %s: %w", localID, m.Status, ErrInvalid)
		}
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE local_id = ?`,
			string(status.Pending), now, localID); err != nil {
			return fmt.Errorf("revive: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO pending_outbound (local_id, created_at, retry_count, last_retry_at)
			VALUES (?, ?, 0, 0)
			ON CONFLICT(local_id) DO UPDATE SET retry_count = 0, last_retry_at = 0`,
			localID, m.CreatedAt); err != nil {
			return fmt.Errorf("re-enqueue: %w", err)
		}
		revived, err = messageByLocalID(tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return revived, nil
}
