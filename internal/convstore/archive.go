package convstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Archive persists evicted conversations to SQLite so history survives store
// eviction and process restarts.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenArchive(dbPath string, logger *slog.Logger) (*Archive, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create archive directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open archive: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	a := &Archive{db: db, logger: logger}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migration failed: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		app_id       TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		channel      TEXT NOT NULL,
		last_updated DATETIME,
		archived_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_key ON conversations(app_id, user_id, channel);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT,
		tool_calls      TEXT,
		tool_call_id    TEXT,
		mode            TEXT,
		created_at      DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Save writes a conversation and its messages in one transaction.
func (a *Archive) Save(conv *Conversation) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO conversations (app_id, user_id, channel, last_updated) VALUES (?, ?, ?, ?)`,
		conv.AppID, conv.UserID, conv.Channel, conv.LastUpdated,
	)
	if err != nil {
		return err
	}
	convID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range conv.Messages {
		var toolCalls string
		if len(m.ToolCalls) > 0 {
			if data, err := json.Marshal(m.ToolCalls); err == nil {
				toolCalls = string(data)
			}
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.Exec(convID, string(m.Role), m.Content, toolCalls, m.ToolCallID, string(m.Mode), ts); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (a *Archive) Close() error {
	return a.db.Close()
}
