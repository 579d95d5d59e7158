package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/status"
)

const messageSelect = `
	SELECT m.local_id, m.server_id, m.thread_kind, m.thread_id, m.sender_id, m.body,
	       m.reply_to_id, m.attachments, m.status, m.created_at, m.updated_at, m.edited_at,
	       COALESCE(p.retry_count, 0), COALESCE(p.last_retry_at, 0)
	FROM messages m
	LEFT JOIN pending_outbound p ON p.local_id = m.local_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m           Message
		serverID    sql.NullString
		kind, st    string
		attachments string
	)
	if err := s.Scan(&m.LocalID, &serverID, &kind, &m.Thread.ID, &m.SenderID, &m.Body,
		&m.ReplyToID, &attachments, &st, &m.CreatedAt, &m.UpdatedAt, &m.EditedAt,
		&m.RetryCount, &m.LastRetryAt); err != nil {
		return nil, err
	}
	m.ServerID = serverID.String
	m.Thread.Kind = ThreadKind(kind)
	m.Status = status.Status(st)
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %q: %w", m.LocalID, err)
		}
	}
	return &m, nil
}

func queryOne(q queryer, where string, args ...any) (*Message, error) {
	m, err := scanMessage(q.QueryRow(messageSelect+" WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func messageByLocalID(q queryer, localID string) (*Message, error) {
	return queryOne(q, "m.local_id = ?", localID)
}

func messageByServerID(q queryer, serverID string) (*Message, error) {
	if serverID == "" {
		return nil, nil
	}
	return queryOne(q, "m.server_id = ?", serverID)
}

// lookupMessage resolves id as a server id first, then as a local id.
func lookupMessage(q queryer, id string) (*Message, error) {
	m, err := messageByServerID(q, id)
	if err != nil || m != nil {
		return m, err
	}
	return messageByLocalID(q, id)
}

func encodeAttachments(a []string) (string, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(b), nil
}

func writeMessage(q queryer, m *Message) error {
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	_, err = q.Exec(`
		INSERT INTO messages (local_id, server_id, thread_kind, thread_id, sender_id, body,
		                      reply_to_id, attachments, status, created_at, updated_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id,
			thread_kind = excluded.thread_kind,
			thread_id = excluded.thread_id,
			sender_id = excluded.sender_id,
			body = excluded.body,
			reply_to_id = excluded.reply_to_id,
			attachments = excluded.attachments,
			status = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			edited_at = excluded.edited_at`,
		m.LocalID, nullable(m.ServerID), string(m.Thread.Kind), m.Thread.ID, m.SenderID, m.Body,
		m.ReplyToID, attachments, string(m.Status), m.CreatedAt, m.UpdatedAt, m.EditedAt)
	if err != nil {
		return fmt.Errorf("write message %q: %w", m.LocalID, err)
	}
	return touchThread(q, m.Thread, m.CreatedAt)
}

// mergeInto folds an incoming version of a record into the stored one.
// Status only moves forward; identity and timestamps are never cleared.
func mergeInto(existing *Message, incoming Message) Message {
	if existing == nil {
		return incoming
	}
	incoming.Status = status.Merge(existing.Status, incoming.Status)
	if incoming.ServerID == "" {
		incoming.ServerID = existing.ServerID
	}
	if incoming.CreatedAt == 0 {
		incoming.CreatedAt = existing.CreatedAt
	}
	if incoming.EditedAt < existing.EditedAt {
		incoming.EditedAt = existing.EditedAt
		incoming.Body = existing.Body
	} else if incoming.Body == "" && incoming.EditedAt == existing.EditedAt {
		incoming.Body = existing.Body
	}
	if incoming.SenderID == "" {
		incoming.SenderID = existing.SenderID
	}
	if incoming.ReplyToID == "" {
		incoming.ReplyToID = existing.ReplyToID
	}
	if len(incoming.Attachments) == 0 {
		incoming.Attachments = existing.Attachments
	}
	return incoming
}

func validate(m *Message) error {
	if m.Thread.ID == "" || !m.Thread.Kind.Valid() {
		return fmt.Errorf("message %q has thread %s: %w", m.LocalID, m.Thread, ErrInvalid)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("message %q has status %q: %w", m.LocalID, m.Status, ErrInvalid)
	}
	return nil
}

// SaveMessage upserts a message by LocalID, generating one if empty, and
// returns the stored record. Re-saving the same LocalID updates in place.
func (db *DB) SaveMessage(msg *Message) (*Message, error) {
	rec := *msg
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = status.Pending
	}
	now := time.Now().UnixMilli()

	var saved *Message
	err := db.withTx(func(tx *sql.Tx) error {
		existing, err := messageByLocalID(tx, rec.LocalID)
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		merged := mergeInto(existing, rec)
		if merged.CreatedAt == 0 {
			merged.CreatedAt = now
		}
		merged.UpdatedAt = now
		if err := validate(&merged); err != nil {
			return err
		}
		if err := writeMessage(tx, &merged); err != nil {
			return err
		}
		saved, err = messageByLocalID(tx, merged.LocalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// GetMessages returns up to limit of the newest messages in a thread,
// ordered oldest first for display.
func (db *DB) GetMessages(thread ThreadKey, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(messageSelect+`
		WHERE m.thread_kind = ? AND m.thread_id = ?
		ORDER BY m.created_at DESC, m.local_id DESC
		LIMIT ?`, string(thread.Kind), thread.ID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// GetMessage looks a message up by server id, falling back to local id.
// Returns nil without error if neither matches.
func (db *DB) GetMessage(id string) (*Message, error) {
	return lookupMessage(db, id)
}

// UpdateMessageStatus moves a message forward to st and attaches serverID if
// given. Backward moves are ignored; the stored record is returned either way.
func (db *DB) UpdateMessageStatus(localID string, st status.Status, serverID string) (*Message, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("status %q: %w", st, ErrInvalid)
	}
	var updated *Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := messageByLocalID(tx, localID)
		if err != nil {
			return err
		}
		if m == nil {
			return &NotFoundError{Entity: "message", Key: localID}
		}
		next := status.Merge(m.Status, st)
		sid := m.ServerID
		if sid == "" {
			sid = serverID
		}
		if _, err := tx.Exec(`UPDATE messages SET status = ?, server_id = ?, updated_at = ? WHERE local_id = ?`,
			string(next), nullable(sid), time.Now().UnixMilli(), localID); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		updated, err = messageByLocalID(tx, localID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyStatus is UpdateMessageStatus addressed by server or local id, for
// receipts arriving from the server. A receipt for an unknown message is
// parked until the message is merged, and nil is returned.
func (db *DB) ApplyStatus(id string, st status.Status) (*Message, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("status %q: %w", st, ErrInvalid)
	}
	var updated *Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return parkStatus(tx, id, st, time.Now().UnixMilli())
		}
		next := status.Merge(m.Status, st)
		if next == m.Status {
			updated = m
			return nil
		}
		if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE local_id = ?`,
			string(next), time.Now().UnixMilli(), m.LocalID); err != nil {
			return fmt.Errorf("apply status: %w", err)
		}
		// Any forward move out of Pending means the server has the message.
		if _, err := tx.Exec(`DELETE FROM pending_outbound WHERE local_id = ?`, m.LocalID); err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		updated, err = messageByLocalID(tx, m.LocalID)
		return err
	})
	return updated, err
}

// EditMessage replaces the body of a message if editedAt is not older than
// the last applied edit. An edit for an unknown message is parked like a
// receipt, and nil is returned.
func (db *DB) EditMessage(id, body string, editedAt int64) (*Message, error) {
	var edited *Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return parkEdit(tx, id, body, editedAt, time.Now().UnixMilli())
		}
		if editedAt < m.EditedAt {
			edited = m
			return nil
		}
		if _, err := tx.Exec(`UPDATE messages SET body = ?, edited_at = ?, updated_at = ? WHERE local_id = ?`,
			body, editedAt, time.Now().UnixMilli(), m.LocalID); err != nil {
			return fmt.Errorf("edit message: %w", err)
		}
		edited, err = messageByLocalID(tx, m.LocalID)
		return err
	})
	return edited, err
}

// DeleteMessage removes a message by server or local id, along with any
// pending entry, and tombstones its server id so a redelivery does not
// bring it back. Returns the removed record, or nil if nothing matched; an
// unmatched id is tombstoned as a server id.
func (db *DB) DeleteMessage(id string) (*Message, error) {
	var removed *Message
	err := db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		m, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return tombstone(tx, id, now)
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE local_id = ?`, m.LocalID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		removed = m
		return tombstone(tx, m.ServerID, now)
	})
	return removed, err
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// ThreadMessageCount returns the number of stored messages in a thread.
func (db *DB) ThreadMessageCount(thread ThreadKey) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_kind = ? AND thread_id = ?`,
		string(thread.Kind), thread.ID).Scan(&count)
	return count, err
}
