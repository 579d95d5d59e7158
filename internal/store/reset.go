package store

import (
	"database/sql"
	"fmt"
)

// ClearAll wipes every local table. Only logout and reset call this.
func (db *DB) ClearAll() error {
	return db.withTx(func(tx *sql.Tx) error {
		for _, table := range []string{"pending_outbound", "messages", "checkpoints", "threads", "deleted_messages", "parked_updates"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}
