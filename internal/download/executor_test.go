package download

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"contentsync/internal/ledger"
	"contentsync/internal/model"
	"contentsync/internal/remote/mocks"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	items    []model.RemoteItem
	content  map[string]string
	failures map[string]int
	terminal map[string]bool
	attempts map[string]int
	// onDownload runs before each download, outside the lock.
	onDownload func(p string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		content:  make(map[string]string),
		failures: make(map[string]int),
		terminal: make(map[string]bool),
		attempts: make(map[string]int),
	}
}

func (f *fakeSource) put(id, loc, name, body string, mod time.Time) model.RemoteItem {
	it := model.RemoteItem{RemoteID: id, DisplayName: name, LocationPath: loc, Size: int64(len(body)), LastModified: mod}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].RemoteID == id {
			f.items[i] = it
			f.content[it.SourcePath()] = body
			return it
		}
	}
	f.items = append(f.items, it)
	f.content[it.SourcePath()] = body
	return it
}

func (f *fakeSource) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].RemoteID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return
		}
	}
}

func (f *fakeSource) List(ctx context.Context, scope string) ([]model.RemoteItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.RemoteItem(nil), f.items...), nil
}

func (f *fakeSource) Download(ctx context.Context, p string, w io.Writer) error {
	if f.onDownload != nil {
		f.onDownload(p)
	}
	f.mu.Lock()
	f.attempts[p]++
	body, ok := f.content[p]
	terminal := f.terminal[p]
	fail := f.failures[p] > 0
	if fail {
		f.failures[p]--
	}
	f.mu.Unlock()

	switch {
	case terminal:
		return model.Terminal("unsupported item")
	case fail:
		return errors.New("connection reset by peer")
	case !ok:
		return errors.New("not found")
	}
	_, err := io.WriteString(w, body)
	return err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newExecutor(t *testing.T, src *fakeSource, opts Options) (*Executor, *ledger.Store) {
	t.Helper()
	store, err := ledger.NewStore(t.TempDir(), ledger.Options{FlushEvery: 1, RetryBackoff: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.Clock == nil {
		opts.Clock = fixedClock{t: baseTime.Add(time.Hour)}
	}
	return NewExecutor(src, store, opts), store
}

func localRows(t *testing.T, store *ledger.Store) map[string]model.LocalFileRecord {
	t.Helper()
	rows, err := ledger.ReadMap(store, ledger.Local)
	if err != nil {
		t.Fatalf("ReadMap() error = %v", err)
	}
	return rows
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", rel, err)
	}
	return string(data)
}

func TestSync_DownloadsNewItems(t *testing.T) {
	src := newFakeSource()
	src.put("a", "docs", "a.md", "# alpha", baseTime)
	src.put("b", "", "b.txt", "bravo", baseTime)
	exec, store := newExecutor(t, src, Options{})

	res, err := exec.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Processed != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 processed", res)
	}
	if got := readFile(t, exec.Root(), "docs/a.md"); got != "# alpha" {
		t.Errorf("docs/a.md = %q", got)
	}
	info, err := os.Stat(filepath.Join(exec.Root(), "b.txt"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !info.ModTime().Equal(baseTime) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), baseTime)
	}

	rows := localRows(t, store)
	if len(rows) != 2 {
		t.Fatalf("ledger rows = %d, want 2", len(rows))
	}
	if rows["a"].LocalRelativePath != "docs/a.md" {
		t.Errorf("a path = %q", rows["a"].LocalRelativePath)
	}
	if !rows["a"].DownloadedAt.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("a downloaded_at = %v", rows["a"].DownloadedAt)
	}
	remoteRows, err := ledger.ReadAll(store, ledger.Remote)
	if err != nil || len(remoteRows) != 2 {
		t.Errorf("remote ledger = %d rows, err %v", len(remoteRows), err)
	}

	// Second run with nothing changed is a no-op.
	res, err = exec.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("second run processed = %d, want 0", res.Processed)
	}
}

func TestSync_RenameRemovesStaleCopy(t *testing.T) {
	src := newFakeSource()
	src.put("a", "docs", "old.md", "body", baseTime)
	exec, store := newExecutor(t, src, Options{})
	if _, err := exec.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	src.put("a", "archive", "new.md", "body", baseTime)
	res, err := exec.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Details["changed"] != 1 {
		t.Errorf("details = %v, want one change", res.Details)
	}
	if exec.Exists("docs/old.md") {
		t.Error("stale copy still on disk")
	}
	if !exec.Exists("archive/new.md") {
		t.Error("renamed copy missing")
	}
	if got := localRows(t, store)["a"].LocalRelativePath; got != "archive/new.md" {
		t.Errorf("ledger path = %q", got)
	}
}

func assertUniquePaths(t *testing.T, rows map[string]model.LocalFileRecord) {
	t.Helper()
	owners := make(map[string]string, len(rows))
	for id, rec := range rows {
		if !rec.Present() {
			continue
		}
		if other, ok := owners[rec.LocalRelativePath]; ok {
			t.Errorf("%s and %s both claim %s", other, id, rec.LocalRelativePath)
		}
		owners[rec.LocalRelativePath] = id
	}
}

func TestSync_NameReusedAfterRename(t *testing.T) {
	tests := []struct {
		name     string
		cancelAt int // Checkpoint that cancels; 0 never cancels
	}{
		{name: "complete run"},
		{name: "cancelled before the renamed item", cancelAt: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.put("a", "", "x.txt", "AAAA", baseTime)
			exec, store := newExecutor(t, src, Options{})
			if _, err := exec.Sync(context.Background(), nil); err != nil {
				t.Fatalf("Sync() error = %v", err)
			}

			// a moves away and an unrelated item takes its old name.
			src.put("a", "", "y.txt", "AAAA", baseTime)
			src.put("b", "", "x.txt", "BBBBBB", baseTime)

			calls := 0
			cp := model.CheckpointFunc(func(context.Context) error {
				calls++
				if tt.cancelAt > 0 && calls >= tt.cancelAt {
					return model.ErrCancelled
				}
				return nil
			})
			_, err := exec.Sync(context.Background(), cp)

			if tt.cancelAt > 0 {
				if !errors.Is(err, model.ErrCancelled) {
					t.Fatalf("Sync() error = %v, want ErrCancelled", err)
				}
				rows := localRows(t, store)
				assertUniquePaths(t, rows)
				if rows["a"].Present() || rows["a"].FetchError == "" {
					t.Errorf("interrupted row = %+v, want empty path and a pending fetch", rows["a"])
				}
				if got := readFile(t, exec.Root(), "x.txt"); got != "BBBBBB" {
					t.Fatalf("x.txt after cancel = %q, want BBBBBB", got)
				}
				_, err = exec.Sync(context.Background(), nil)
			}
			if err != nil {
				t.Fatalf("Sync() error = %v", err)
			}

			if got := readFile(t, exec.Root(), "x.txt"); got != "BBBBBB" {
				t.Errorf("x.txt = %q, want BBBBBB", got)
			}
			if got := readFile(t, exec.Root(), "y.txt"); got != "AAAA" {
				t.Errorf("y.txt = %q, want AAAA", got)
			}
			rows := localRows(t, store)
			assertUniquePaths(t, rows)
			if rows["a"].LocalRelativePath != "y.txt" || rows["b"].LocalRelativePath != "x.txt" {
				t.Errorf("ledger paths a=%q b=%q", rows["a"].LocalRelativePath, rows["b"].LocalRelativePath)
			}
			if src.attempts["x.txt"] != 2 {
				t.Errorf("x.txt downloads = %d, want 2", src.attempts["x.txt"])
			}
		})
	}
}

func TestSync_ConcurrentRewriteKeepsBatchRows(t *testing.T) {
	src := newFakeSource()
	for _, id := range []string{"a", "b", "c"} {
		src.put(id, "", id+".txt", "body "+id, baseTime)
	}
	exec, store := newExecutor(t, src, Options{BatchSize: 1})

	var seen map[string]model.LocalFileRecord
	src.onDownload = func(p string) {
		switch p {
		case "b.txt":
			// Another job compacts the ledger between two batches.
			other := []model.LocalFileRecord{{RemoteID: "other", DisplayName: "other.txt", LocalRelativePath: "other.txt", Size: 1, LastModified: baseTime}}
			if err := ledger.Rewrite(store, ledger.Local, other); err != nil {
				t.Errorf("Rewrite() error = %v", err)
			}
		case "c.txt":
			rows, err := ledger.ReadMap(store, ledger.Local)
			if err != nil {
				t.Errorf("ReadMap() error = %v", err)
			}
			seen = rows
		}
	}

	if _, err := exec.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, ok := seen["other"]; !ok {
		t.Errorf("ledger before c = %v, want the concurrent row", seen)
	}
	if seen["b"].LocalRelativePath != "b.txt" {
		t.Errorf("row for b after the rewrite = %+v, want b.txt", seen["b"])
	}
}

func TestSync_RemovedItemDeleted(t *testing.T) {
	src := newFakeSource()
	src.put("a", "", "a.txt", "alpha", baseTime)
	src.put("b", "", "b.txt", "bravo", baseTime)
	exec, store := newExecutor(t, src, Options{})
	if _, err := exec.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	src.drop("b")
	res, err := exec.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Details["removed"] != 1 {
		t.Errorf("details = %v", res.Details)
	}
	if exec.Exists("b.txt") {
		t.Error("removed file still on disk")
	}
	rows := localRows(t, store)
	if _, ok := rows["b"]; ok {
		t.Error("removed item still in ledger")
	}
	if _, ok := rows["a"]; !ok {
		t.Error("untouched item dropped from ledger")
	}
}

func TestSync_RetryRounds(t *testing.T) {
	tests := []struct {
		name       string
		rounds     int
		wantFailed int
		wantPath   string
	}{
		{name: "retry recovers", rounds: 2, wantFailed: 0, wantPath: "a.txt"},
		{name: "single round gives up", rounds: 1, wantFailed: 1, wantPath: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.put("a", "", "a.txt", "alpha", baseTime)
			src.failures["a.txt"] = 1
			exec, store := newExecutor(t, src, Options{RetryRounds: tt.rounds})

			res, err := exec.Sync(context.Background(), nil)
			if err != nil {
				t.Fatalf("Sync() error = %v", err)
			}
			if res.Failed != tt.wantFailed {
				t.Errorf("failed = %d, want %d", res.Failed, tt.wantFailed)
			}
			row := localRows(t, store)["a"]
			if row.LocalRelativePath != tt.wantPath {
				t.Errorf("path = %q, want %q", row.LocalRelativePath, tt.wantPath)
			}
			if tt.wantFailed > 0 && row.FetchError == "" {
				t.Error("failed row has no fetch_error")
			}
			if tt.wantFailed == 0 && row.FetchError != "" {
				t.Errorf("recovered row kept fetch_error %q", row.FetchError)
			}
		})
	}
}

func TestSync_TerminalErrorsNotRetried(t *testing.T) {
	src := newFakeSource()
	src.put("a", "", "a.txt", "alpha", baseTime)
	src.put("z", "", "empty.txt", "", baseTime)
	src.terminal["a.txt"] = true
	exec, store := newExecutor(t, src, Options{RetryRounds: 3})

	res, err := exec.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Failed != 2 || res.Details["terminal"] != 2 {
		t.Errorf("result = %+v, want two terminal failures", res)
	}
	if src.attempts["a.txt"] != 1 {
		t.Errorf("attempts = %d, want 1", src.attempts["a.txt"])
	}
	if src.attempts["empty.txt"] != 0 {
		t.Errorf("zero size item was downloaded")
	}
	rows := localRows(t, store)
	for _, id := range []string{"a", "z"} {
		if !model.IsTerminalText(rows[id].FetchError) {
			t.Errorf("%s fetch_error = %q, want terminal", id, rows[id].FetchError)
		}
	}
}

func TestSync_RejectsUnsupportedTypes(t *testing.T) {
	src := newFakeSource()
	src.put("a", "", "a.md", "alpha", baseTime)
	src.put("b", "", "b.exe", "bravo", baseTime)
	exec, store := newExecutor(t, src, Options{Extensions: []string{".md"}})

	res, err := exec.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Skipped != 1 || res.Details["rejected"] != 1 {
		t.Errorf("result = %+v", res)
	}
	if exec.Exists("b.exe") {
		t.Error("rejected file downloaded")
	}
	if _, ok := localRows(t, store)["b"]; ok {
		t.Error("rejected item recorded in ledger")
	}
}

func TestSync_CancelStopsBetweenItems(t *testing.T) {
	src := newFakeSource()
	for _, id := range []string{"a", "b", "c", "d"} {
		src.put(id, "", id+".txt", "body "+id, baseTime)
	}
	exec, store := newExecutor(t, src, Options{})

	calls := 0
	cp := model.CheckpointFunc(func(context.Context) error {
		calls++
		if calls > 2 {
			return model.ErrCancelled
		}
		return nil
	})
	res, err := exec.Sync(context.Background(), cp)
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("Sync() error = %v, want ErrCancelled", err)
	}
	if res.Processed != 2 {
		t.Errorf("processed = %d, want 2", res.Processed)
	}
	if got := len(localRows(t, store)); got != 2 {
		t.Errorf("ledger rows = %d, want 2", got)
	}

	// The next run picks up where the cancelled one stopped.
	res, err = exec.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Processed != 2 {
		t.Errorf("resumed processed = %d, want 2", res.Processed)
	}
}

func TestSync_MissingOnDiskRefetched(t *testing.T) {
	src := newFakeSource()
	src.put("a", "", "a.txt", "alpha", baseTime)
	exec, _ := newExecutor(t, src, Options{})
	if _, err := exec.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := os.Remove(filepath.Join(exec.Root(), "a.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !exec.Exists("a.txt") {
		t.Error("missing file not re-downloaded")
	}
}

func TestSync_ListFailureIsSetupError(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	src.EXPECT().List(gomock.Any(), "docs").Return(nil, errors.New("unreachable"))

	store, err := ledger.NewStore(t.TempDir(), ledger.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(src, store, Options{Root: t.TempDir(), Scope: "docs"})

	_, err = exec.Sync(context.Background(), nil)
	var setupErr *model.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("Sync() error = %v, want SetupError", err)
	}
	if store.Exists(ledger.KindLocal) {
		t.Error("local ledger created after setup failure")
	}
}

func TestPreview_LeavesMirrorUntouched(t *testing.T) {
	src := newFakeSource()
	src.put("a", "", "a.txt", "alpha", baseTime)
	exec, store := newExecutor(t, src, Options{})

	tmp, cleanup, err := store.Temp("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	cs, err := exec.Preview(context.Background(), tmp)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(cs.Added) != 1 {
		t.Errorf("added = %d, want 1", len(cs.Added))
	}
	if exec.Exists("a.txt") {
		t.Error("preview downloaded a file")
	}
	if store.Exists(ledger.KindLocal) || store.Exists(ledger.KindRemote) {
		t.Error("preview wrote live ledgers")
	}
	rows, err := ledger.ReadMap(tmp, ledger.Local)
	if err != nil || rows["a"].LocalRelativePath != "a.txt" {
		t.Errorf("preview ledger = %v, err %v", rows, err)
	}
}

func TestFilter(t *testing.T) {
	f := NewFilter([]string{"md", ".PDF", " "})
	tests := map[string]bool{
		"notes.md":   true,
		"REPORT.pdf": true,
		"image.png":  false,
		"noext":      false,
	}
	for name, want := range tests {
		if got := f.Accepts(name); got != want {
			t.Errorf("Accepts(%q) = %v, want %v", name, got, want)
		}
	}
	if !NewFilter(nil).Accepts("anything.bin") {
		t.Error("empty filter should accept everything")
	}
}
