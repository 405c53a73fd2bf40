package embed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"contentsync/internal/indexstore"
	"contentsync/internal/indexstore/mocks"
	"contentsync/internal/ledger"
	"contentsync/internal/metadata"
	"contentsync/internal/model"
)

var (
	modTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	now     = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type dirArtifacts struct{ root string }

func (a dirArtifacts) OutputPath(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel)+".txt")
}

func (a dirArtifacts) HasOutput(rel string) bool {
	_, err := os.Stat(a.OutputPath(rel))
	return err == nil
}

type recorder struct{ entries []metadata.Entry }

func (r *recorder) Record(ctx context.Context, e metadata.Entry) (metadata.Entry, error) {
	r.entries = append(r.entries, e)
	return e, nil
}

type saver struct{ pipeline, store string }

func (s *saver) SaveStoreID(pipelineID, storeID string) error {
	s.pipeline, s.store = pipelineID, storeID
	return nil
}

type fixture struct {
	t         *testing.T
	index     *mocks.MockStore
	ledgers   *ledger.Store
	artifacts dirArtifacts
	mirror    string
	failed    string
	recorder  *recorder
	saver     *saver
	opts      Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ledgers, err := ledger.NewStore(filepath.Join(dir, "ledgers"), ledger.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		t:         t,
		index:     mocks.NewMockStore(gomock.NewController(t)),
		ledgers:   ledgers,
		artifacts: dirArtifacts{root: filepath.Join(dir, "processed")},
		mirror:    filepath.Join(dir, "mirror"),
		failed:    filepath.Join(dir, "failed"),
		recorder:  &recorder{},
		saver:     &saver{},
	}
	f.opts = Options{
		PipelineID:   "docs",
		StoreID:      "store-1",
		MirrorRoot:   f.mirror,
		FailedRoot:   f.failed,
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
		Clock:        fixedClock{t: now},
	}
	return f
}

func (f *fixture) executor() *Executor {
	return NewExecutor(f.index, f.ledgers, f.artifacts, f.recorder, f.saver, f.opts)
}

// mirrored writes a mirrored file plus its processed text and returns its row.
func (f *fixture) mirrored(id, rel string, size int64) model.LocalFileRecord {
	f.t.Helper()
	for _, p := range []string{filepath.Join(f.mirror, rel), f.artifacts.OutputPath(rel)} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			f.t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("content of "+rel), 0644); err != nil {
			f.t.Fatal(err)
		}
	}
	return model.LocalFileRecord{
		RemoteID: id, DisplayName: filepath.Base(rel), LocalRelativePath: rel,
		Size: size, LastModified: modTime, DownloadedAt: modTime,
	}
}

func (f *fixture) writeLocal(rows ...model.LocalFileRecord) {
	f.t.Helper()
	if err := ledger.Rewrite(f.ledgers, ledger.Local, rows); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) writeIndexed(rows ...model.IndexedFileRecord) {
	f.t.Helper()
	if err := ledger.Rewrite(f.ledgers, ledger.Indexed, rows); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) indexed() map[string]model.IndexedFileRecord {
	f.t.Helper()
	rows, err := ledger.ReadMap(f.ledgers, ledger.Indexed)
	if err != nil {
		f.t.Fatalf("ReadMap(indexed) error = %v", err)
	}
	return rows
}

func TestRun_UploadsAndRecordsCompleted(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(f.mirrored("r1", "docs/a.md", 10))
	if err := ledger.Rewrite(f.ledgers, ledger.Remote, []model.RemoteItem{
		{RemoteID: "r1", DisplayName: "a.md", LocationPath: "docs", Size: 10, LastModified: modTime, WebURL: "https://example.test/a"},
	}); err != nil {
		t.Fatal(err)
	}

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return(nil, nil)
	f.index.EXPECT().UploadBlob(gomock.Any(), "docs/a.md", gomock.Any()).Return("b1", nil)
	f.index.EXPECT().AttachBlob(gomock.Any(), "store-1", "b1", map[string]string{"remote_id": "r1", "path": "docs/a.md"}).Return("f1", nil)
	gomock.InOrder(
		f.index.EXPECT().Status(gomock.Any(), "store-1", "f1").Return(indexstore.FileInfo{FileID: "f1", Status: indexstore.StatusPending}, nil),
		f.index.EXPECT().Status(gomock.Any(), "store-1", "f1").Return(indexstore.FileInfo{FileID: "f1", Status: indexstore.StatusCompleted}, nil),
	)

	result, err := f.executor().Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Processed != 1 || result.Failed != 0 || result.Details["added"] != 1 {
		t.Errorf("result = %+v", result)
	}

	row := f.indexed()["r1"]
	if row.IndexFileID != "f1" || row.BlobID != "b1" || row.IndexStoreID != "store-1" {
		t.Errorf("indexed row = %+v", row)
	}
	if !row.UploadedAt.Equal(now) || !row.IndexedAt.Equal(now) {
		t.Errorf("timestamps = %v / %v, want %v", row.UploadedAt, row.IndexedAt, now)
	}

	if len(f.recorder.entries) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(f.recorder.entries))
	}
	e := f.recorder.entries[0]
	if e.IndexFileID != "f1" || e.PipelineID != "docs" || e.WebURL != "https://example.test/a" || e.DisplayName != "a.md" {
		t.Errorf("metadata entry = %+v", e)
	}
}

func TestRun_ItemDeletedRemotelyIsDetached(t *testing.T) {
	f := newFixture(t)
	f.writeLocal()
	f.writeIndexed(model.IndexedFileRecord{
		IndexFileID: "f1", IndexStoreID: "store-1", BlobID: "b1", RemoteID: "r1",
		LocalRelativePath: "a.md", Size: 10, LastModified: modTime, IndexedAt: modTime,
	})

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return([]indexstore.FileInfo{{FileID: "f1", Status: indexstore.StatusCompleted}}, nil)
	f.index.EXPECT().DetachBlob(gomock.Any(), "store-1", "f1").Return(nil)
	f.index.EXPECT().DeleteBlob(gomock.Any(), "b1").Return(nil)

	result, err := f.executor().Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Details["removed"] != 1 {
		t.Errorf("result = %+v", result)
	}
	if rows := f.indexed(); len(rows) != 0 {
		t.Errorf("indexed ledger = %+v, want empty", rows)
	}
}

func TestRun_PrunesFilesDeletedFromIndex(t *testing.T) {
	f := newFixture(t)
	f.writeLocal()
	f.writeIndexed(model.IndexedFileRecord{
		IndexFileID: "f1", IndexStoreID: "store-1", BlobID: "b1", RemoteID: "r1", Size: 10, LastModified: modTime, IndexedAt: modTime,
	})

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return(nil, nil)

	result, err := f.executor().Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Details["pruned"] != 1 || result.Details["removed"] != 0 {
		t.Errorf("result = %+v", result)
	}
	if rows := f.indexed(); len(rows) != 0 {
		t.Errorf("indexed ledger = %+v, want empty", rows)
	}
}

func TestRun_ChangedDetachesBeforeUpload(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(f.mirrored("r1", "a.md", 20))
	f.writeIndexed(model.IndexedFileRecord{
		IndexFileID: "f1", IndexStoreID: "store-1", BlobID: "b1", RemoteID: "r1",
		LocalRelativePath: "a.md", Size: 10, LastModified: modTime, IndexedAt: modTime,
	})

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return([]indexstore.FileInfo{{FileID: "f1", Status: indexstore.StatusCompleted}}, nil)
	gomock.InOrder(
		f.index.EXPECT().DetachBlob(gomock.Any(), "store-1", "f1").Return(nil),
		f.index.EXPECT().DeleteBlob(gomock.Any(), "b1").Return(nil),
		f.index.EXPECT().UploadBlob(gomock.Any(), "a.md", gomock.Any()).Return("b2", nil),
		f.index.EXPECT().AttachBlob(gomock.Any(), "store-1", "b2", gomock.Any()).Return("f2", nil),
		f.index.EXPECT().Status(gomock.Any(), "store-1", "f2").Return(indexstore.FileInfo{FileID: "f2", Status: indexstore.StatusCompleted}, nil),
	)

	result, err := f.executor().Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Details["changed"] != 1 || result.Processed != 1 {
		t.Errorf("result = %+v", result)
	}
	if row := f.indexed()["r1"]; row.IndexFileID != "f2" || row.Size != 20 {
		t.Errorf("indexed row = %+v", row)
	}
}

func TestRun_DemotesFailedFiles(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(f.mirrored("r1", "docs/bad.md", 10), f.mirrored("r2", "docs/good.md", 12))

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil).Times(2)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return(nil, nil)
	f.index.EXPECT().UploadBlob(gomock.Any(), "docs/bad.md", gomock.Any()).Return("b1", nil)
	f.index.EXPECT().UploadBlob(gomock.Any(), "docs/good.md", gomock.Any()).Return("b2", nil)
	f.index.EXPECT().AttachBlob(gomock.Any(), "store-1", "b1", gomock.Any()).Return("f1", nil)
	f.index.EXPECT().AttachBlob(gomock.Any(), "store-1", "b2", gomock.Any()).Return("f2", nil)
	f.index.EXPECT().Status(gomock.Any(), "store-1", "f1").Return(indexstore.FileInfo{FileID: "f1", Status: indexstore.StatusFailed, Error: "no text content"}, nil)
	f.index.EXPECT().Status(gomock.Any(), "store-1", "f2").Return(indexstore.FileInfo{FileID: "f2", Status: indexstore.StatusCompleted}, nil)
	f.index.EXPECT().DetachBlob(gomock.Any(), "store-1", "f1").Return(nil)
	f.index.EXPECT().DeleteBlob(gomock.Any(), "b1").Return(nil)

	result, err := f.executor().Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Processed != 1 || result.Failed != 1 || result.Details["demoted"] != 1 {
		t.Errorf("result = %+v", result)
	}

	if _, err := os.Stat(filepath.Join(f.failed, "docs", "bad.md")); err != nil {
		t.Errorf("demoted file not in failure area: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.mirror, "docs", "bad.md")); !os.IsNotExist(err) {
		t.Errorf("demoted file still in mirror: %v", err)
	}

	bad := f.indexed()["r1"]
	if bad.IndexFileID != "" || bad.BlobID != "" || bad.IndexError != "index failed: no text content" {
		t.Errorf("demoted indexed row = %+v", bad)
	}
	local, err := ledger.ReadMap(f.ledgers, ledger.Local)
	if err != nil {
		t.Fatal(err)
	}
	if local["r1"].Present() || local["r1"].ProcessError == "" {
		t.Errorf("demoted local row = %+v", local["r1"])
	}
	if !local["r2"].Present() {
		t.Errorf("good local row changed: %+v", local["r2"])
	}

	// The next run leaves the demoted item alone.
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return([]indexstore.FileInfo{{FileID: "f2", Status: indexstore.StatusCompleted}}, nil)
	if _, err := f.executor().Run(context.Background(), nil); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if row := f.indexed()["r1"]; row.IndexError == "" {
		t.Errorf("demotion stamp lost: %+v", row)
	}
}

func TestRun_SettlesFilesLeftPending(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(f.mirrored("r1", "a.md", 10))
	f.writeIndexed(model.IndexedFileRecord{
		IndexFileID: "f1", IndexStoreID: "store-1", BlobID: "b1", RemoteID: "r1",
		LocalRelativePath: "a.md", Size: 10, LastModified: modTime, UploadedAt: modTime,
	})

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return([]indexstore.FileInfo{{FileID: "f1", Status: indexstore.StatusPending}}, nil)
	f.index.EXPECT().Status(gomock.Any(), "store-1", "f1").Return(indexstore.FileInfo{FileID: "f1", Status: indexstore.StatusCompleted}, nil)

	if _, err := f.executor().Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if row := f.indexed()["r1"]; !row.IndexedAt.Equal(now) {
		t.Errorf("indexed row = %+v, want indexed_at set", row)
	}
}

func TestRun_CancelWhilePolling(t *testing.T) {
	f := newFixture(t)
	f.opts.PollTimeout = time.Hour
	f.writeLocal(f.mirrored("r1", "a.md", 10))
	f.writeIndexed(model.IndexedFileRecord{
		IndexFileID: "f1", IndexStoreID: "store-1", BlobID: "b1", RemoteID: "r1",
		LocalRelativePath: "a.md", Size: 10, LastModified: modTime, UploadedAt: modTime,
	})

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return([]indexstore.FileInfo{{FileID: "f1", Status: indexstore.StatusPending}}, nil)
	f.index.EXPECT().Status(gomock.Any(), "store-1", "f1").Return(indexstore.FileInfo{FileID: "f1", Status: indexstore.StatusPending}, nil).MinTimes(1)

	cp := model.CheckpointFunc(func(context.Context) error { return model.ErrCancelled })
	start := time.Now()
	result, err := f.executor().Run(context.Background(), cp)
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run() took %v after cancel", elapsed)
	}
	if result.Details["pending"] != 1 {
		t.Errorf("details = %v, want one pending file", result.Details)
	}
	row := f.indexed()["r1"]
	if row.IndexFileID != "f1" || !row.IndexedAt.IsZero() {
		t.Errorf("indexed row = %+v, want it kept for the next run", row)
	}
}

func TestRun_MissingArtifactSkipped(t *testing.T) {
	f := newFixture(t)
	rec := f.mirrored("r1", "a.md", 10)
	if err := os.Remove(f.artifacts.OutputPath("a.md")); err != nil {
		t.Fatal(err)
	}
	f.writeLocal(rec)

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return(nil, nil)

	result, err := f.executor().Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Skipped != 1 || result.Details["missing_artifact"] != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestRun_Bootstrap(t *testing.T) {
	t.Run("creates and persists store", func(t *testing.T) {
		f := newFixture(t)
		f.opts.StoreID = ""
		f.writeLocal()

		f.index.EXPECT().CreateStore(gomock.Any(), "docs").Return("store-new", nil)
		f.index.EXPECT().ListContents(gomock.Any(), "store-new").Return(nil, nil)

		ex := f.executor()
		if _, err := ex.Run(context.Background(), nil); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if ex.StoreID() != "store-new" || f.saver.store != "store-new" || f.saver.pipeline != "docs" {
			t.Errorf("store id = %q, saved %+v", ex.StoreID(), f.saver)
		}
	})

	t.Run("configured name wins", func(t *testing.T) {
		f := newFixture(t)
		f.opts.StoreID = ""
		f.opts.StoreName = "Team docs"

		f.index.EXPECT().CreateStore(gomock.Any(), "Team docs").Return("store-new", nil)
		f.index.EXPECT().ListContents(gomock.Any(), "store-new").Return(nil, nil)

		if _, err := f.executor().Run(context.Background(), nil); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	})

	t.Run("creation failure skips the stage", func(t *testing.T) {
		f := newFixture(t)
		f.opts.StoreID = ""
		f.index.EXPECT().CreateStore(gomock.Any(), "docs").Return("", errors.New("quota exceeded"))

		result, err := f.executor().Run(context.Background(), nil)
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
		if result.Details["no_store"] != 1 || f.saver.store != "" {
			t.Errorf("result = %+v, saved %+v", result, f.saver)
		}
	})

	t.Run("deleted store is a setup error", func(t *testing.T) {
		f := newFixture(t)
		f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(false, nil)

		_, err := f.executor().Run(context.Background(), nil)
		var setup *model.SetupError
		if !errors.As(err, &setup) || !errors.Is(err, indexstore.ErrStoreNotFound) {
			t.Errorf("Run() error = %v, want setup error wrapping ErrStoreNotFound", err)
		}
	})
}

func TestRun_CancelStopsBeforeNextItem(t *testing.T) {
	f := newFixture(t)
	f.writeLocal(f.mirrored("r1", "a.md", 10), f.mirrored("r2", "b.md", 10))

	f.index.EXPECT().StoreExists(gomock.Any(), "store-1").Return(true, nil)
	f.index.EXPECT().ListContents(gomock.Any(), "store-1").Return(nil, nil)
	f.index.EXPECT().UploadBlob(gomock.Any(), "a.md", gomock.Any()).Return("b1", nil)
	f.index.EXPECT().AttachBlob(gomock.Any(), "store-1", "b1", gomock.Any()).Return("f1", nil)

	calls := 0
	cp := model.CheckpointFunc(func(ctx context.Context) error {
		calls++
		if calls > 1 {
			return model.ErrCancelled
		}
		return nil
	})
	_, err := f.executor().Run(context.Background(), cp)
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	rows := f.indexed()
	if len(rows) != 1 || rows["r1"].IndexFileID != "f1" || !rows["r1"].IndexedAt.IsZero() {
		t.Errorf("indexed ledger = %+v, want only r1 awaiting its result", rows)
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{49, time.Second},
		{50, 2 * time.Second},
		{260, 6 * time.Second},
		{10000, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := pollInterval(time.Second, tt.n); got != tt.want {
			t.Errorf("pollInterval(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
