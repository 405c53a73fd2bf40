package model

import (
	"path"
	"strings"
	"time"
)

// RemoteItem is one entry of the authoritative remote listing. It is rebuilt on
// every run and never persisted except as a row of the remote ledger.
type RemoteItem struct {
	RemoteID     string    // Immutable, never reused
	DisplayName  string    // File name as shown by the source
	LocationPath string    // Parent folder path, slash separated, no leading slash
	Size         int64     // Size in bytes
	LastModified time.Time // Last modification time reported by the source
	WebURL       string    // Human-facing URL, optional
	DownloadURL  string    // Direct content URL, optional
}

// SourcePath returns the path used to download the item from the source.
func (r RemoteItem) SourcePath() string {
	if r.LocationPath == "" {
		return r.DisplayName
	}
	return path.Join(r.LocationPath, r.DisplayName)
}

// LocalFileRecord tracks one remote item in the local mirror.
// LocalRelativePath is empty if and only if the file is not on disk.
type LocalFileRecord struct {
	RemoteID          string
	DisplayName       string
	LocationPath      string
	LocalRelativePath string
	Size              int64
	LastModified      time.Time
	DownloadedAt      time.Time
	FetchError        string
	ProcessError      string
}

// Present reports whether the record claims a materialized file.
func (r LocalFileRecord) Present() bool {
	return r.LocalRelativePath != ""
}

// IndexedFileRecord tracks one local file attached to the downstream index.
type IndexedFileRecord struct {
	IndexFileID       string
	IndexStoreID      string
	BlobID            string
	LocalRelativePath string
	RemoteID          string
	Size              int64
	LastModified      time.Time
	UploadedAt        time.Time
	IndexedAt         time.Time
	FetchError        string
	ProcessError      string
	IndexError        string
}

// ChangeSet is the diff of two ledgers keyed by remote id.
type ChangeSet struct {
	Added   []RemoteItem
	Removed []LocalFileRecord
	Changed []RemoteItem
}

// Empty reports whether the change set carries no work.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Total returns the number of items in the change set.
func (c ChangeSet) Total() int {
	return len(c.Added) + len(c.Removed) + len(c.Changed)
}

// ExpectedRelPath returns where an item is mirrored relative to the local root.
// Both the download executor and the integrity auditor use it, so a layout
// change only has to happen here.
func ExpectedRelPath(item RemoteItem) string {
	name := sanitizeSegment(item.DisplayName)
	if item.LocationPath == "" {
		return name
	}
	parts := strings.Split(strings.Trim(item.LocationPath, "/"), "/")
	clean := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, sanitizeSegment(p))
	}
	clean = append(clean, name)
	return path.Join(clean...)
}

func sanitizeSegment(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
	s = r.Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
