package storage

import (
	"context"
	"errors"
	"testing"
)

func TestStoreRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewStoreRepo(newTestDB(t))

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	rec := &StoreRecord{ID: "s1", Name: "docs", Collection: "contentsync_s1"}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := repo.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "docs" || got.Collection != "contentsync_s1" || got.CreatedAt.IsZero() {
		t.Errorf("Get() = %+v", got)
	}

	if err := repo.Create(ctx, &StoreRecord{ID: "s2", Name: "dup", Collection: "contentsync_s1"}); err == nil {
		t.Error("Create() with duplicate collection should fail")
	}
}

func TestFileRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	stores := NewStoreRepo(db)
	files := NewFileRepo(db)

	if err := stores.Create(ctx, &StoreRecord{ID: "s1", Name: "docs", Collection: "c1"}); err != nil {
		t.Fatal(err)
	}

	rec := &FileRecord{
		ID: "f1", StoreID: "s1", BlobID: "b1", Name: "a.md",
		Status: StatusPending, Attributes: map[string]string{"remote_id": "r1"},
	}
	if err := files.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := files.Get(ctx, "s1", "f1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPending || got.Attributes["remote_id"] != "r1" {
		t.Errorf("Get() = %+v", got)
	}
	if _, err := files.Get(ctx, "other", "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() from another store error = %v, want ErrNotFound", err)
	}

	if err := files.SetStatus(ctx, "f1", StatusFailed, "embedding failed"); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	list, err := files.ListByStore(ctx, "s1")
	if err != nil {
		t.Fatalf("ListByStore() error = %v", err)
	}
	if len(list) != 1 || list[0].Error != "embedding failed" {
		t.Errorf("ListByStore() = %+v", list)
	}

	deleted, err := files.Delete(ctx, "s1", "f1")
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v", deleted, err)
	}
	if err := files.SetStatus(ctx, "f1", StatusCompleted, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetStatus() after delete error = %v, want ErrNotFound", err)
	}
	deleted, err = files.Delete(ctx, "s1", "f1")
	if err != nil || deleted {
		t.Errorf("second Delete() = %v, %v", deleted, err)
	}
}

func TestFileRepo_FailPending(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := NewStoreRepo(db).Create(ctx, &StoreRecord{ID: "s1", Name: "docs", Collection: "c1"}); err != nil {
		t.Fatal(err)
	}
	files := NewFileRepo(db)
	for _, f := range []FileRecord{
		{ID: "f1", StoreID: "s1", BlobID: "b1", Name: "a", Status: StatusPending},
		{ID: "f2", StoreID: "s1", BlobID: "b2", Name: "b", Status: StatusCompleted},
	} {
		if err := files.Insert(ctx, &f); err != nil {
			t.Fatal(err)
		}
	}

	n, err := files.FailPending(ctx, "interrupted")
	if err != nil || n != 1 {
		t.Fatalf("FailPending() = %d, %v; want 1", n, err)
	}
	got, _ := files.Get(ctx, "s1", "f2")
	if got.Status != StatusCompleted {
		t.Errorf("completed file changed to %s", got.Status)
	}
}

func TestStoreRepo_DeleteCascadesFiles(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	stores := NewStoreRepo(db)
	files := NewFileRepo(db)
	if err := stores.Create(ctx, &StoreRecord{ID: "s1", Name: "docs", Collection: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := files.Insert(ctx, &FileRecord{ID: "f1", StoreID: "s1", BlobID: "b1", Name: "a", Status: StatusPending}); err != nil {
		t.Fatal(err)
	}
	if err := stores.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	list, err := files.ListByStore(ctx, "s1")
	if err != nil || len(list) != 0 {
		t.Errorf("files after store delete = %+v, %v", list, err)
	}
}

func TestBlobRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewBlobRepo(newTestDB(t))
	if err := repo.Insert(ctx, &BlobRecord{ID: "b1", Name: "a.md.txt", Size: 42}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, err := repo.Get(ctx, "b1")
	if err != nil || got.Size != 42 {
		t.Fatalf("Get() = %+v, %v", got, err)
	}
	if err := repo.Delete(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}
