// Package metadata keeps one catalog entry per indexed file. Entries for the
// same remote item form its version history; custom properties set on one
// version are carried over to the next.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"contentsync/internal/storage"
)

// ErrNotFound is returned when no entry exists for an index file id.
var ErrNotFound = errors.New("metadata entry not found")

// ErrSchemaField is returned when a custom property would shadow a schema field.
var ErrSchemaField = errors.New("property name is a schema field")

// SchemaFields are the fixed column names. Custom properties may not use them
// and they are never carried over.
var SchemaFields = map[string]bool{
	"index_file_id":       true,
	"remote_id":           true,
	"pipeline_id":         true,
	"index_store_id":      true,
	"display_name":        true,
	"location_path":       true,
	"local_relative_path": true,
	"size":                true,
	"last_modified":       true,
	"web_url":             true,
	"indexed_at":          true,
}

// Entry describes one indexed version of a remote item.
type Entry struct {
	IndexFileID       string
	RemoteID          string
	PipelineID        string
	IndexStoreID      string
	DisplayName       string
	LocationPath      string
	LocalRelativePath string
	Size              int64
	LastModified      time.Time
	WebURL            string
	IndexedAt         time.Time
	Properties        map[string]string
}

// Index stores entries in SQLite.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewIndex returns an index over an already migrated database.
func NewIndex(db *sql.DB, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{db: db, logger: logger.With("component", "metadata")}
}

const entryColumns = "index_file_id, remote_id, pipeline_id, index_store_id, display_name, location_path, " +
	"local_relative_path, size, last_modified, web_url, indexed_at, properties"

// Record stores a newly indexed file. Custom properties of the most recent
// earlier entry for the same remote id are copied in unless e already has
// them. Earlier entries are left as they are. Recording an index file id
// again keeps the properties already set on it.
func (x *Index) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.IndexFileID == "" || e.RemoteID == "" {
		return Entry{}, fmt.Errorf("entry requires index_file_id and remote_id")
	}
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now().UTC()
	}
	props := make(map[string]string, len(e.Properties))
	for k, v := range e.Properties {
		if SchemaFields[k] {
			return Entry{}, fmt.Errorf("%w: %s", ErrSchemaField, k)
		}
		props[k] = v
	}

	existing, err := x.Get(ctx, e.IndexFileID)
	switch {
	case err == nil:
		for k, v := range existing.Properties {
			if _, ok := props[k]; !ok && !SchemaFields[k] {
				props[k] = v
			}
		}
	case !errors.Is(err, ErrNotFound):
		return Entry{}, err
	}

	prior, err := x.latest(ctx, e.RemoteID, e.IndexFileID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}
	carried := 0
	if prior != nil {
		for k, v := range prior.Properties {
			if SchemaFields[k] {
				continue
			}
			if _, ok := props[k]; !ok {
				props[k] = v
				carried++
			}
		}
	}
	e.Properties = props

	if err := x.upsert(ctx, e); err != nil {
		return Entry{}, err
	}
	if carried > 0 {
		x.logger.DebugContext(ctx, "carried over properties",
			"remote_id", e.RemoteID, "from", prior.IndexFileID, "to", e.IndexFileID, "count", carried)
	}
	return e, nil
}

// SetProperty sets one custom property on an existing entry.
func (x *Index) SetProperty(ctx context.Context, indexFileID, key, value string) error {
	if SchemaFields[key] {
		return fmt.Errorf("%w: %s", ErrSchemaField, key)
	}
	e, err := x.Get(ctx, indexFileID)
	if err != nil {
		return err
	}
	if e.Properties == nil {
		e.Properties = map[string]string{}
	}
	e.Properties[key] = value
	return x.upsert(ctx, e)
}

// Get returns the entry for an index file id, or ErrNotFound.
func (x *Index) Get(ctx context.Context, indexFileID string) (Entry, error) {
	row := x.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM metadata_entries WHERE index_file_id = ?", indexFileID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, indexFileID)
	}
	return e, err
}

// History returns every entry for a remote item, newest first.
func (x *Index) History(ctx context.Context, remoteID string) ([]Entry, error) {
	rows, err := x.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM metadata_entries WHERE remote_id = ? ORDER BY indexed_at DESC, rowid DESC", remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup removes the entries of an index store whose file id is not in live
// and reports how many were removed and how many remain.
func (x *Index) Cleanup(ctx context.Context, storeID string, live map[string]bool) (removed, remaining int, err error) {
	rows, err := x.db.QueryContext(ctx,
		"SELECT index_file_id FROM metadata_entries WHERE index_store_id = ?", storeID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list entries: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		if live[id] {
			remaining++
			continue
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, "DELETE FROM metadata_entries WHERE index_file_id = ?", id); err != nil {
			return 0, 0, fmt.Errorf("failed to delete entry %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}

	x.logger.InfoContext(ctx, "metadata cleanup finished", "store_id", storeID, "removed", len(stale), "remaining", remaining)
	return len(stale), remaining, nil
}

// latest returns the newest entry for remoteID other than exclude.
func (x *Index) latest(ctx context.Context, remoteID, exclude string) (*Entry, error) {
	row := x.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM metadata_entries WHERE remote_id = ? AND index_file_id <> ? "+
			"ORDER BY indexed_at DESC, rowid DESC LIMIT 1", remoteID, exclude)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (x *Index) upsert(ctx context.Context, e Entry) error {
	props, err := json.Marshal(maps.Clone(e.Properties))
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if e.Properties == nil {
		props = []byte("{}")
	}
	_, err = x.db.ExecContext(ctx,
		"INSERT INTO metadata_entries ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(index_file_id) DO UPDATE SET remote_id = excluded.remote_id, pipeline_id = excluded.pipeline_id, "+
			"index_store_id = excluded.index_store_id, display_name = excluded.display_name, "+
			"location_path = excluded.location_path, local_relative_path = excluded.local_relative_path, "+
			"size = excluded.size, last_modified = excluded.last_modified, web_url = excluded.web_url, "+
			"indexed_at = excluded.indexed_at, properties = excluded.properties",
		e.IndexFileID, e.RemoteID, e.PipelineID, e.IndexStoreID, e.DisplayName, e.LocationPath,
		e.LocalRelativePath, e.Size, storage.FormatTime(e.LastModified), e.WebURL,
		storage.FormatTime(e.IndexedAt), string(props),
	)
	if err != nil {
		return fmt.Errorf("failed to store metadata entry: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var modified, indexed, props string
	err := s.Scan(&e.IndexFileID, &e.RemoteID, &e.PipelineID, &e.IndexStoreID, &e.DisplayName, &e.LocationPath,
		&e.LocalRelativePath, &e.Size, &modified, &e.WebURL, &indexed, &props)
	if err != nil {
		return Entry{}, err
	}
	if modified != "" {
		if e.LastModified, err = storage.ParseTime(modified); err != nil {
			return Entry{}, err
		}
	}
	if e.IndexedAt, err = storage.ParseTime(indexed); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
		return Entry{}, fmt.Errorf("failed to decode properties: %w", err)
	}
	return e, nil
}
