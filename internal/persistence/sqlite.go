// Package persistence stores slot bindings and last-known session state in
// SQLite so the workspace is resumable across host restarts.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const busyTimeout = 5 * time.Second

// Open opens the workdeck SQLite database and applies the schema.
func Open(dbPath string) (*sqlx.DB, func() error, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("prepare database dir: %w", err)
		}
	}

	// WAL for read concurrency, single writer connection to avoid
	// SQLITE_BUSY under concurrent slot updates.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}

	cleanup := func() error {
		_, _ = db.Exec("PRAGMA optimize")
		return db.Close()
	}
	return db, cleanup, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS slot_bindings (
	slot            INTEGER   NOT NULL,
	backend         TEXT      NOT NULL,
	project_id      TEXT      NOT NULL,
	project_root    TEXT      NOT NULL,
	session_id      TEXT      NOT NULL DEFAULT '',
	permission_mode TEXT      NOT NULL DEFAULT 'default',
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (slot, backend)
);
`
