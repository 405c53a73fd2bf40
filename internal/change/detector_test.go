package change

import (
	"testing"
	"time"

	"contentsync/internal/model"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func item(id, name string, size int64) model.RemoteItem {
	return model.RemoteItem{RemoteID: id, DisplayName: name, Size: size, LastModified: t0}
}

func record(it model.RemoteItem) model.LocalFileRecord {
	return model.LocalFileRecord{
		RemoteID:          it.RemoteID,
		DisplayName:       it.DisplayName,
		LocationPath:      it.LocationPath,
		LocalRelativePath: model.ExpectedRelPath(it),
		Size:              it.Size,
		LastModified:      it.LastModified,
	}
}

func ids[T any](xs []T, id func(T) string) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = id(x)
	}
	return out
}

func remoteIDs(xs []model.RemoteItem) []string {
	return ids(xs, func(r model.RemoteItem) string { return r.RemoteID })
}

func localIDs(xs []model.LocalFileRecord) []string {
	return ids(xs, func(r model.LocalFileRecord) string { return r.RemoteID })
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func allPresent(string) bool { return true }

func TestDetect_Example(t *testing.T) {
	a := item("1", "x.txt", 10)
	b := item("2", "y.txt", 20)

	cs := Detect([]model.RemoteItem{a, b}, []model.LocalFileRecord{record(a)}, allPresent)
	if !equal(remoteIDs(cs.Added), []string{"2"}) || len(cs.Removed) != 0 || len(cs.Changed) != 0 {
		t.Errorf("Detect() = added %v removed %v changed %v", remoteIDs(cs.Added), localIDs(cs.Removed), remoteIDs(cs.Changed))
	}
}

func TestDetect_Idempotent(t *testing.T) {
	remote := []model.RemoteItem{item("1", "x.txt", 10), item("2", "y.txt", 20)}
	local := []model.LocalFileRecord{record(remote[0]), record(remote[1])}

	for i := 0; i < 2; i++ {
		if cs := Detect(remote, local, allPresent); !cs.Empty() {
			t.Fatalf("run %d: Detect() on unchanged input = %+v, want empty", i, cs)
		}
	}
}

func TestDetect_Classification(t *testing.T) {
	base := item("1", "x.txt", 10)

	tests := []struct {
		name        string
		remote      []model.RemoteItem
		local       []model.LocalFileRecord
		wantAdded   []string
		wantRemoved []string
		wantChanged []string
	}{
		{
			name:        "rename keeps id",
			remote:      []model.RemoteItem{item("1", "renamed.txt", 10)},
			local:       []model.LocalFileRecord{record(base)},
			wantChanged: []string{"1"},
		},
		{
			name: "move keeps id",
			remote: []model.RemoteItem{func() model.RemoteItem {
				moved := base
				moved.LocationPath = "archive"
				return moved
			}()},
			local:       []model.LocalFileRecord{record(base)},
			wantChanged: []string{"1"},
		},
		{
			name: "rollback changes modified time",
			remote: []model.RemoteItem{func() model.RemoteItem {
				older := base
				older.LastModified = t0.Add(-time.Hour)
				return older
			}()},
			local:       []model.LocalFileRecord{record(base)},
			wantChanged: []string{"1"},
		},
		{
			name:        "content update changes size",
			remote:      []model.RemoteItem{item("1", "x.txt", 11)},
			local:       []model.LocalFileRecord{record(base)},
			wantChanged: []string{"1"},
		},
		{
			name:        "delete and recreate same name",
			remote:      []model.RemoteItem{item("9", "x.txt", 10)},
			local:       []model.LocalFileRecord{record(base)},
			wantAdded:   []string{"9"},
			wantRemoved: []string{"1"},
		},
		{
			name:      "copy gets new id",
			remote:    []model.RemoteItem{base, item("2", "x.txt", 10)},
			local:     []model.LocalFileRecord{record(base)},
			wantAdded: []string{"2"},
		},
		{
			name:      "trash restore reappears as added",
			remote:    []model.RemoteItem{base},
			local:     nil,
			wantAdded: []string{"1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := Detect(tt.remote, tt.local, allPresent)
			if !equal(remoteIDs(cs.Added), tt.wantAdded) {
				t.Errorf("added = %v, want %v", remoteIDs(cs.Added), tt.wantAdded)
			}
			if !equal(localIDs(cs.Removed), tt.wantRemoved) {
				t.Errorf("removed = %v, want %v", localIDs(cs.Removed), tt.wantRemoved)
			}
			if !equal(remoteIDs(cs.Changed), tt.wantChanged) {
				t.Errorf("changed = %v, want %v", remoteIDs(cs.Changed), tt.wantChanged)
			}
		})
	}
}

func TestDetect_MissingOnDiskRefetches(t *testing.T) {
	a := item("1", "doc.pdf", 10)
	a.LocationPath = "src"
	rec := record(a)

	onDisk := func(rel string) bool { return rel != "src/doc.pdf" }
	cs := Detect([]model.RemoteItem{a}, []model.LocalFileRecord{rec}, onDisk)
	if !equal(remoteIDs(cs.Changed), []string{"1"}) {
		t.Errorf("changed = %v, want [1]", remoteIDs(cs.Changed))
	}

	if cs := Detect([]model.RemoteItem{a}, []model.LocalFileRecord{rec}, nil); !cs.Empty() {
		t.Errorf("nil checker should skip the disk check, got %+v", cs)
	}
}

func TestDetect_FailedRows(t *testing.T) {
	a := item("1", "x.txt", 10)

	transient := record(a)
	transient.LocalRelativePath = ""
	transient.FetchError = "timeout"

	terminal := transient
	terminal.FetchError = model.TerminalPrefix + "zero size"

	demoted := record(a)
	demoted.LocalRelativePath = ""
	demoted.ProcessError = "index failed"

	if cs := Detect([]model.RemoteItem{a}, []model.LocalFileRecord{transient}, allPresent); !equal(remoteIDs(cs.Changed), []string{"1"}) {
		t.Errorf("transient failure should be retried, got %+v", cs)
	}
	if cs := Detect([]model.RemoteItem{a}, []model.LocalFileRecord{terminal}, allPresent); !cs.Empty() {
		t.Errorf("terminal failure should not be retried, got %+v", cs)
	}
	if cs := Detect([]model.RemoteItem{a}, []model.LocalFileRecord{demoted}, allPresent); !cs.Empty() {
		t.Errorf("demoted item should wait for a remote change, got %+v", cs)
	}

	changed := item("1", "x.txt", 12)
	if cs := Detect([]model.RemoteItem{changed}, []model.LocalFileRecord{demoted}, allPresent); !equal(remoteIDs(cs.Changed), []string{"1"}) {
		t.Errorf("remote change should take precedence over demotion, got %+v", cs)
	}
}

func TestDetectIndexed(t *testing.T) {
	a := record(item("1", "a.txt", 10))
	b := record(item("2", "b.txt", 20))
	c := record(item("3", "c.txt", 30))
	notPresent := record(item("4", "d.txt", 40))
	notPresent.LocalRelativePath = ""

	indexed := []model.IndexedFileRecord{
		{IndexFileID: "f1", RemoteID: "1", Size: 10, LastModified: t0, LocalRelativePath: "old/a.txt"},
		{IndexFileID: "f2", RemoteID: "2", Size: 21, LastModified: t0},
		{IndexFileID: "f9", RemoteID: "9", Size: 1, LastModified: t0},
		{IndexFileID: "f4", RemoteID: "4", Size: 40, LastModified: t0},
		{RemoteID: "5", Size: 50, LastModified: t0, IndexError: "index failed"},
	}
	demoted := record(item("5", "e.txt", 50))
	demoted.LocalRelativePath = ""
	demoted.ProcessError = "index failed"

	cs := DetectIndexed([]model.LocalFileRecord{a, b, c, notPresent, demoted}, indexed)
	if !equal(localIDs(cs.Added), []string{"3"}) {
		t.Errorf("added = %v, want [3]", localIDs(cs.Added))
	}
	if !equal(localIDs(cs.Changed), []string{"2"}) {
		t.Errorf("changed = %v, want [2] (path-only difference must not count)", localIDs(cs.Changed))
	}
	removed := ids(cs.Removed, func(r model.IndexedFileRecord) string { return r.RemoteID })
	if !equal(removed, []string{"4", "9"}) {
		t.Errorf("removed = %v, want [4 9] (demoted row 5 stays)", removed)
	}
}
