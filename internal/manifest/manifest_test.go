//go:build cgo

package manifest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "manifest.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(context.Background(), db)
	if err != nil {
		t.Fatalf("creating manifest store: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	f, err := s.Get(context.Background(), "acme", "/docs/a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil for unseen path, got %+v", f)
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := model.File{
		AbsolutePath: "/docs/a.txt",
		Tenant:       "acme",
		ContentHash:  "deadbeef",
		ModTime:      time.Unix(1700000000, 0).UTC(),
		Size:         42,
		Extension:    ".txt",
		VirtualPath:  "a.txt",
	}
	if err := s.Upsert(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Get(ctx, "acme", "/docs/a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected row, got nil")
	}
	if got.ContentHash != want.ContentHash || got.Size != want.Size || got.VirtualPath != want.VirtualPath {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestUpsertOverwritesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := model.File{AbsolutePath: "/docs/a.txt", Tenant: "acme", ContentHash: "v1", Size: 1, Extension: ".txt", VirtualPath: "a.txt"}
	if err := s.Upsert(ctx, base); err != nil {
		t.Fatalf("upsert v1: %v", err)
	}
	base.ContentHash = "v2"
	base.Size = 2
	if err := s.Upsert(ctx, base); err != nil {
		t.Fatalf("upsert v2: %v", err)
	}

	got, err := s.Get(ctx, "acme", "/docs/a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentHash != "v2" || got.Size != 2 {
		t.Fatalf("expected updated row, got %+v", got)
	}
}

func TestChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := model.File{AbsolutePath: "/docs/a.txt", Tenant: "acme", ContentHash: "v1", Size: 1, Extension: ".txt", VirtualPath: "a.txt"}

	changed, err := s.Changed(ctx, f)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if !changed {
		t.Fatal("expected new file to be reported as changed")
	}

	if err := s.Upsert(ctx, f); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	changed, err = s.Changed(ctx, f)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if changed {
		t.Fatal("expected identical file to be reported as unchanged")
	}

	f.ContentHash = "v2"
	changed, err = s.Changed(ctx, f)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if !changed {
		t.Fatal("expected hash change to be reported as changed")
	}
}

func TestSweepOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"/docs/a.txt", "/docs/b.txt", "/docs/c.txt"} {
		if err := s.Upsert(ctx, model.File{AbsolutePath: p, Tenant: "acme", ContentHash: "h", VirtualPath: p}); err != nil {
			t.Fatalf("upsert %s: %v", p, err)
		}
	}

	seen, err := s.BeginSweep(ctx, "acme")
	if err != nil {
		t.Fatalf("begin sweep: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(seen))
	}

	// Simulate a crawl that only revisited a.txt and b.txt.
	delete(seen, "/docs/a.txt")
	delete(seen, "/docs/b.txt")

	n, err := s.SweepOrphans(ctx, "acme", seen)
	if err != nil {
		t.Fatalf("sweep orphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", n)
	}

	got, err := s.Get(ctx, "acme", "/docs/c.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected c.txt to be removed from manifest")
	}

	got, err = s.Get(ctx, "acme", "/docs/a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a.txt to remain in manifest")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := model.File{AbsolutePath: "/docs/a.txt", Tenant: "acme", ContentHash: "h", VirtualPath: "a.txt"}
	if err := s.Upsert(ctx, f); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Delete(ctx, "acme", "/docs/a.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.Get(ctx, "acme", "/docs/a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected row to be gone after delete")
	}
}
