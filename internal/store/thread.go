package store

import (
	"database/sql"
	"fmt"
	"time"
)

func touchThread(q queryer, thread ThreadKey, lastMessageAt int64) error {
	_, err := q.Exec(`
		INSERT INTO threads (thread_kind, thread_id, last_message_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_kind, thread_id) DO UPDATE SET
			last_message_at = MAX(threads.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		string(thread.Kind), thread.ID, lastMessageAt, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("touch thread %s: %w", thread, err)
	}
	return nil
}

// UpsertThreads caches thread metadata in a single transaction. Titles are
// only overwritten when the incoming one is non-empty.
func (db *DB) UpsertThreads(threads []Thread) error {
	return db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, t := range threads {
			if !t.Key.Kind.Valid() || t.Key.ID == "" {
				return fmt.Errorf("thread %s: %w", t.Key, ErrInvalid)
			}
			if _, err := tx.Exec(`
				INSERT INTO threads (thread_kind, thread_id, title, last_message_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(thread_kind, thread_id) DO UPDATE SET
					title = CASE WHEN excluded.title != '' THEN excluded.title ELSE threads.title END,
					last_message_at = MAX(threads.last_message_at, excluded.last_message_at),
					updated_at = excluded.updated_at`,
				string(t.Key.Kind), t.Key.ID, t.Title, t.LastMessageAt, now); err != nil {
				return fmt.Errorf("upsert thread %s: %w", t.Key, err)
			}
		}
		return nil
	})
}

// ListThreads returns cached threads, most recently active first.
func (db *DB) ListThreads() ([]Thread, error) {
	rows, err := db.Query(`
		SELECT thread_kind, thread_id, title, last_message_at
		FROM threads
		ORDER BY last_message_at DESC, thread_kind, thread_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		var (
			t    Thread
			kind string
		)
		if err := rows.Scan(&kind, &t.Key.ID, &t.Title, &t.LastMessageAt); err != nil {
			return nil, err
		}
		t.Key.Kind = ThreadKind(kind)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}
