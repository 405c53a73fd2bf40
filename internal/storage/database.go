package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// New opens a SQLite database connection at the given path.
// Foreign keys, WAL journaling and a busy timeout are set on every pooled
// connection through the DSN, since concurrent jobs share the file.
func New(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates the index catalog and metadata tables.
// It is idempotent and can be run multiple times safely.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS index_stores (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			collection TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS index_blobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS index_files (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			blob_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (store_id) REFERENCES index_stores(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_index_files_store ON index_files(store_id);`,
		`CREATE TABLE IF NOT EXISTS metadata_entries (
			index_file_id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL,
			pipeline_id TEXT NOT NULL,
			index_store_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			location_path TEXT NOT NULL DEFAULT '',
			local_relative_path TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			last_modified TEXT NOT NULL DEFAULT '',
			web_url TEXT NOT NULL DEFAULT '',
			indexed_at TEXT NOT NULL,
			properties TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metadata_remote ON metadata_entries(remote_id, indexed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_metadata_pipeline ON metadata_entries(pipeline_id);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// FormatTime renders t the way every table stores timestamps.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. Rows written by SQLite defaults use
// its own layout, which is accepted too.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
		}
	}
	return t, nil
}
