// Package change diffs ledgers by immutable remote id.
//
// Ids, not names, are authoritative: a rename, move, content update or
// rollback keeps the id and is reported as changed; a copy or replacement
// gets a new id and is reported as added (with the old id removed).
package change

import (
	"slices"
	"strings"

	"contentsync/internal/model"
)

// FileChecker reports whether a local relative path exists on disk right now.
type FileChecker func(relPath string) bool

// Detect compares the fresh remote snapshot with the local ledger.
//
// An id only in remote is added, an id only in the ledger is removed, and an
// id in both is changed when (display name, location, size, last modified)
// differ. A ledger row that claims a file which onDisk says is absent, or a
// row whose previous fetch failed transiently, is also reported as changed so
// it gets fetched again. onDisk may be nil to skip the disk check.
func Detect(remote []model.RemoteItem, local []model.LocalFileRecord, onDisk FileChecker) model.ChangeSet {
	remoteByID := make(map[string]model.RemoteItem, len(remote))
	for _, item := range remote {
		remoteByID[item.RemoteID] = item
	}
	localByID := make(map[string]model.LocalFileRecord, len(local))
	for _, rec := range local {
		localByID[rec.RemoteID] = rec
	}

	var cs model.ChangeSet
	for id, item := range remoteByID {
		rec, ok := localByID[id]
		switch {
		case !ok:
			cs.Added = append(cs.Added, item)
		case differs(item, rec):
			cs.Changed = append(cs.Changed, item)
		case needsRefetch(rec, onDisk):
			cs.Changed = append(cs.Changed, item)
		}
	}
	for id, rec := range localByID {
		if _, ok := remoteByID[id]; !ok {
			cs.Removed = append(cs.Removed, rec)
		}
	}

	sortChangeSet(&cs)
	return cs
}

func differs(item model.RemoteItem, rec model.LocalFileRecord) bool {
	return item.DisplayName != rec.DisplayName ||
		item.LocationPath != rec.LocationPath ||
		item.Size != rec.Size ||
		!item.LastModified.Equal(rec.LastModified)
}

func needsRefetch(rec model.LocalFileRecord, onDisk FileChecker) bool {
	if rec.Present() {
		return onDisk != nil && !onDisk(rec.LocalRelativePath)
	}
	// Not materialized: retry unless the last failure was terminal or the
	// file was deliberately demoted after a failed indexing attempt.
	if rec.ProcessError != "" {
		return false
	}
	return rec.FetchError != "" && !model.IsTerminalText(rec.FetchError)
}

// IndexChangeSet is the diff between the local ledger and the index ledger.
type IndexChangeSet struct {
	Added   []model.LocalFileRecord
	Changed []model.LocalFileRecord
	Removed []model.IndexedFileRecord
}

// Empty reports whether there is nothing to do.
func (c IndexChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// DetectIndexed compares local files with indexed files using only size and
// last modified: renames and moves alone do not require re-indexing.
// Local rows that are not materialized or failed processing are not
// candidates; if they were indexed before, they are removed from the index.
// A row that never reached the index is kept while its item is still in the
// local ledger, so the recorded failure stays visible.
func DetectIndexed(local []model.LocalFileRecord, indexed []model.IndexedFileRecord) IndexChangeSet {
	candidates := make(map[string]model.LocalFileRecord, len(local))
	known := make(map[string]bool, len(local))
	for _, rec := range local {
		known[rec.RemoteID] = true
		if rec.Present() && rec.ProcessError == "" {
			candidates[rec.RemoteID] = rec
		}
	}
	indexedByID := make(map[string]model.IndexedFileRecord, len(indexed))
	for _, rec := range indexed {
		indexedByID[rec.RemoteID] = rec
	}

	var cs IndexChangeSet
	for id, rec := range candidates {
		idx, ok := indexedByID[id]
		switch {
		case !ok:
			cs.Added = append(cs.Added, rec)
		case idx.Size != rec.Size || !idx.LastModified.Equal(rec.LastModified):
			cs.Changed = append(cs.Changed, rec)
		case idx.IndexError != "" && idx.IndexFileID == "":
			// A previous attempt never reached the index; try again.
			cs.Changed = append(cs.Changed, rec)
		}
	}
	for id, rec := range indexedByID {
		if _, ok := candidates[id]; ok {
			continue
		}
		if known[id] && rec.IndexFileID == "" && rec.BlobID == "" {
			continue
		}
		cs.Removed = append(cs.Removed, rec)
	}

	slices.SortFunc(cs.Added, byLocalID)
	slices.SortFunc(cs.Changed, byLocalID)
	slices.SortFunc(cs.Removed, func(a, b model.IndexedFileRecord) int { return strings.Compare(a.RemoteID, b.RemoteID) })
	return cs
}

func byLocalID(a, b model.LocalFileRecord) int { return strings.Compare(a.RemoteID, b.RemoteID) }

func byRemoteID(a, b model.RemoteItem) int { return strings.Compare(a.RemoteID, b.RemoteID) }

// sortChangeSet makes output order deterministic; the sets themselves are
// order-free.
func sortChangeSet(cs *model.ChangeSet) {
	slices.SortFunc(cs.Added, byRemoteID)
	slices.SortFunc(cs.Changed, byRemoteID)
	slices.SortFunc(cs.Removed, byLocalID)
}
