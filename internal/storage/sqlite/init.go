package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  id             TEXT PRIMARY KEY,
  direction      TEXT NOT NULL CHECK(direction IN ('upload','download')),
  file_id        TEXT NOT NULL DEFAULT '',
  parent_id      TEXT NOT NULL DEFAULT '',
  drive_id       TEXT NOT NULL DEFAULT '',
  user_id        TEXT NOT NULL DEFAULT '',
  name           TEXT NOT NULL DEFAULT '',
  local_path     TEXT NOT NULL DEFAULT '',
  asset_id       TEXT NOT NULL DEFAULT '',
  remote_locator TEXT NOT NULL DEFAULT '',
  size           INTEGER NOT NULL DEFAULT 0,
  status         TEXT NOT NULL CHECK(status IN ('pending','running','succeeded','failed','cancelled')) DEFAULT 'pending',
  retry_budget   INTEGER NOT NULL DEFAULT 3,
  priority       INTEGER NOT NULL DEFAULT 0,
  error_kind     TEXT NOT NULL DEFAULT '',
  error_code     TEXT NOT NULL DEFAULT '',
  error_message  TEXT NOT NULL DEFAULT '',
  rescheduled    INTEGER NOT NULL DEFAULT 0,
  remove_source  INTEGER NOT NULL DEFAULT 0,
  created_at     INTEGER NOT NULL,
  completed_at   INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_parent
ON transfers (direction, parent_id, created_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_locator
ON transfers (remote_locator);
`,
	`
CREATE TABLE IF NOT EXISTS files (
  id           TEXT PRIMARY KEY,
  parent_id    TEXT NOT NULL DEFAULT '',
  drive_id     TEXT NOT NULL DEFAULT '',
  name         TEXT NOT NULL,
  size         INTEGER NOT NULL DEFAULT 0,
  content_type TEXT NOT NULL DEFAULT '',
  updated_at   INTEGER NOT NULL
);
`,
}

// InitDB opens the SQLite database at path and applies the schema.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer; one connection keeps upserts serialized.
	db.SetMaxOpenConns(1)

	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to apply migration %d: %w", i, err)
		}
	}

	return db, nil
}
