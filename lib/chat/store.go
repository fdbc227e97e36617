// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/vatrpc/lib/sqlitepool"
)

// HistoryStore persists room history across restarts. A Factory
// without one keeps history in memory only.
type HistoryStore interface {
	// Load returns the stored messages of room, oldest first.
	Load(ctx context.Context, room string) ([]string, error)

	// Append stores text as the newest message of room. When keep is
	// positive, only the newest keep messages are retained.
	Append(ctx context.Context, room, text string, keep int) error
}

const historySchema = `
CREATE TABLE IF NOT EXISTS messages (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	text TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_room ON messages (room, id);
`

// SQLiteHistory is a HistoryStore in a SQLite database file.
type SQLiteHistory struct {
	pool *sqlitepool.Pool
}

var _ HistoryStore = (*SQLiteHistory)(nil)

// OpenSQLiteHistory opens (creating if needed) the history database
// at path.
func OpenSQLiteHistory(path string, logger *slog.Logger) (*SQLiteHistory, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		Schema: historySchema,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteHistory{pool: pool}, nil
}

func (h *SQLiteHistory) Load(ctx context.Context, room string) ([]string, error) {
	var messages []string
	err := h.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT text FROM messages WHERE room = ? ORDER BY id", &sqlitex.ExecOptions{
			Args: []any{room},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, stmt.ColumnText(0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", room, err)
	}
	return messages, nil
}

func (h *SQLiteHistory) Append(ctx context.Context, room, text string, keep int) error {
	err := h.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		if err := sqlitex.Execute(conn, "INSERT INTO messages (room, text) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{room, text},
		}); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		return sqlitex.Execute(conn, `
			DELETE FROM messages WHERE room = ? AND id NOT IN (
				SELECT id FROM messages WHERE room = ? ORDER BY id DESC LIMIT ?
			)`, &sqlitex.ExecOptions{
			Args: []any{room, room, keep},
		})
	})
	if err != nil {
		return fmt.Errorf("storing message in %s: %w", room, err)
	}
	return nil
}

// Close closes the database.
func (h *SQLiteHistory) Close() error {
	return h.pool.Close()
}
