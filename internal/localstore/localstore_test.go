package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	// A fresh install points at ~/.stylesync/stylesync.db before anything
	// has created the directory.
	path := filepath.Join(t.TempDir(), ".stylesync", "nested", "cache.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open in missing directory: %v", err)
	}
	defer store.Close()
	if err := store.Put(context.Background(), sampleSnapshot("proj_a_1000", 1), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func sampleSnapshot(id string, version int64) stylesync.Snapshot {
	return stylesync.Snapshot{
		ID:          id,
		Kind:        stylesync.KindProject,
		SyncVersion: version,
		UpdatedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Doc:         map[string]any{"id": id, "ownerId": "user-1", "title": "Runway"},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("proj_a_1000", 3)
	if err := store.Put(ctx, snap, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != snap.ID || got.Kind != snap.Kind || got.SyncVersion != snap.SyncVersion {
		t.Fatalf("round trip: got %+v", got)
	}
	if !got.UpdatedAt.Equal(snap.UpdatedAt) {
		t.Fatalf("updatedAt: got %s, want %s", got.UpdatedAt, snap.UpdatedAt)
	}
	if got.Doc["title"] != "Runway" {
		t.Fatalf("doc: got %v", got.Doc)
	}
}

func TestPutUpserts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, sampleSnapshot("proj_a_1000", 1), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, sampleSnapshot("proj_a_1000", 2), true); err != nil {
		t.Fatalf("Put upsert: %v", err)
	}
	got, err := store.Get(ctx, "proj_a_1000")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SyncVersion != 2 {
		t.Fatalf("upsert kept stale row: version %d", got.SyncVersion)
	}
	ids, err := store.DirtyIDs(ctx)
	if err != nil {
		t.Fatalf("DirtyIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "proj_a_1000" {
		t.Fatalf("dirty ids: %v", ids)
	}
}

func TestGetMissing(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, stylesync.ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
}

func TestDirtyLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i, id := range []string{"proj_a_1000", "proj_b_2000"} {
		if err := store.Put(ctx, sampleSnapshot(id, int64(i+1)), true); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	ids, err := store.DirtyIDs(ctx)
	if err != nil {
		t.Fatalf("DirtyIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("dirty ids: %v", ids)
	}
	if err := store.SetDirty(ctx, "proj_a_1000", false); err != nil {
		t.Fatalf("SetDirty: %v", err)
	}
	ids, err = store.DirtyIDs(ctx)
	if err != nil {
		t.Fatalf("DirtyIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "proj_b_2000" {
		t.Fatalf("dirty ids after ack: %v", ids)
	}
	if err := store.SetDirty(ctx, "absent", false); !errors.Is(err, stylesync.ErrNotFound) {
		t.Fatalf("SetDirty missing: got %v, want ErrNotFound", err)
	}
	if dirty, err := store.IsDirty(ctx, "proj_a_1000"); err != nil || dirty {
		t.Fatalf("IsDirty after ack: %v %v", dirty, err)
	}
	if dirty, err := store.IsDirty(ctx, "proj_b_2000"); err != nil || !dirty {
		t.Fatalf("IsDirty: %v %v", dirty, err)
	}
	if _, err := store.IsDirty(ctx, "absent"); !errors.Is(err, stylesync.ErrNotFound) {
		t.Fatalf("IsDirty missing: got %v, want ErrNotFound", err)
	}
}

func TestDeleteAndListKind(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, sampleSnapshot("proj_a_1000", 1), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ward := stylesync.Snapshot{
		ID:        "ward_b_2000",
		Kind:      stylesync.KindWardrobeItem,
		UpdatedAt: time.Now().UTC(),
		Doc:       map[string]any{"id": "ward_b_2000", "url": "https://cdn/x.jpg", "category": "tops"},
	}
	if err := store.Put(ctx, ward, false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	projects, err := store.ListKind(ctx, stylesync.KindProject)
	if err != nil {
		t.Fatalf("ListKind: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "proj_a_1000" {
		t.Fatalf("ListKind(project): %v", projects)
	}

	if err := store.Delete(ctx, "proj_a_1000"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "proj_a_1000"); !errors.Is(err, stylesync.ErrNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
	// Deleting an absent row is a no-op.
	if err := store.Delete(ctx, "proj_a_1000"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}
