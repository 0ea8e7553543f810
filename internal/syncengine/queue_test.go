package syncengine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atelierworks/stylesync/internal/localstore"
	"github.com/atelierworks/stylesync/internal/remotestore"
	"github.com/atelierworks/stylesync/internal/stylesync"
)

func testStores(t *testing.T) (*localstore.Store, *remotestore.MemoryStore) {
	t.Helper()
	local, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	return local, remotestore.NewMemoryStore()
}

func testCoordinator(t *testing.T, local *localstore.Store, remote *remotestore.MemoryStore, debounce time.Duration) *Coordinator {
	t.Helper()
	gate, err := stylesync.NewGate()
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	coord := newCoordinator(local, remote, gate, nopLogger{}, debounce, 5*time.Second, time.Now)
	t.Cleanup(coord.Close)
	return coord
}

func putProject(t *testing.T, local *localstore.Store, id, title string, version int64) {
	t.Helper()
	snap := stylesync.Snapshot{
		ID:          id,
		Kind:        stylesync.KindProject,
		SyncVersion: version,
		UpdatedAt:   time.Now().UTC(),
		Doc:         map[string]any{"id": id, "ownerId": "user-1", "title": title},
	}
	if err := local.Put(context.Background(), snap, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotifyCoalescesBurst(t *testing.T) {
	local, remote := testStores(t)
	coord := testCoordinator(t, local, remote, 20*time.Millisecond)
	ctx := context.Background()

	// A burst of edits inside one debounce window yields one remote write
	// carrying the last state.
	for i := 0; i < 5; i++ {
		putProject(t, local, "proj_a_1000", "draft", int64(i+1))
		coord.Notify("proj_a_1000")
	}
	putProject(t, local, "proj_a_1000", "final", 6)
	coord.Notify("proj_a_1000")

	waitFor(t, time.Second, "debounced write", func() bool { return remote.Writes() == 1 })
	got, err := remote.Read(ctx, "proj_a_1000")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Doc["title"] != "final" || got.SyncVersion != 6 {
		t.Fatalf("remote write missed coalesced edits: %+v", got)
	}
	waitFor(t, time.Second, "dirty flag cleared", func() bool {
		ids, err := local.DirtyIDs(ctx)
		return err == nil && len(ids) == 0
	})
	// The window is closed; no further writes arrive.
	time.Sleep(60 * time.Millisecond)
	if remote.Writes() != 1 {
		t.Fatalf("writes after settling: got %d, want 1", remote.Writes())
	}
}

func TestNotifyDuringFlightRequeues(t *testing.T) {
	local, remote := testStores(t)
	remote.WriteDelay = 30 * time.Millisecond
	coord := testCoordinator(t, local, remote, 10*time.Millisecond)

	putProject(t, local, "proj_a_1000", "first", 1)
	coord.Notify("proj_a_1000")

	// Mutate while the first write is in flight: no second concurrent
	// write starts, the entity is re-queued instead.
	time.Sleep(15 * time.Millisecond)
	putProject(t, local, "proj_a_1000", "second", 2)
	coord.Notify("proj_a_1000")

	waitFor(t, 2*time.Second, "requeued write", func() bool { return remote.Writes() == 2 })
	got, _ := remote.Read(context.Background(), "proj_a_1000")
	if got.Doc["title"] != "second" {
		t.Fatalf("requeued write carried stale state: %+v", got)
	}
}

func TestFailedPushLeavesEntityDirty(t *testing.T) {
	local, remote := testStores(t)
	remote.FailWrites = stylesync.ErrRemoteUnavailable
	coord := testCoordinator(t, local, remote, 10*time.Millisecond)
	ctx := context.Background()

	putProject(t, local, "proj_a_1000", "draft", 1)
	coord.Notify("proj_a_1000")

	// No retry loop: the entity simply stays dirty for the next mutation
	// or session start to pick up.
	time.Sleep(80 * time.Millisecond)
	if remote.Writes() != 0 {
		t.Fatalf("failed writes were recorded: %d", remote.Writes())
	}
	ids, err := local.DirtyIDs(ctx)
	if err != nil {
		t.Fatalf("DirtyIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "proj_a_1000" {
		t.Fatalf("entity should stay dirty after a failed push: %v", ids)
	}
}

func TestPushSkipsEntityDeletedWhilePending(t *testing.T) {
	local, remote := testStores(t)
	coord := testCoordinator(t, local, remote, 10*time.Millisecond)
	ctx := context.Background()

	putProject(t, local, "proj_a_1000", "draft", 1)
	coord.Notify("proj_a_1000")
	if err := local.Delete(ctx, "proj_a_1000"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if remote.Writes() != 0 {
		t.Fatalf("deleted entity was pushed: %d", remote.Writes())
	}
}

func TestForceFlushBypassesDebounce(t *testing.T) {
	local, remote := testStores(t)
	coord := testCoordinator(t, local, remote, time.Minute)
	ctx := context.Background()

	putProject(t, local, "proj_a_1000", "draft", 1)
	coord.Notify("proj_a_1000")

	if err := coord.ForceFlush(ctx, "proj_a_1000"); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if remote.Writes() != 1 {
		t.Fatalf("writes: got %d, want 1", remote.Writes())
	}
	ids, _ := local.DirtyIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("flushed entity still dirty: %v", ids)
	}
	// The pending timer was consumed by the flush.
	time.Sleep(30 * time.Millisecond)
	if remote.Writes() != 1 {
		t.Fatalf("debounced write ran after flush: %d", remote.Writes())
	}
}

func TestForceFlushSurfacesRemoteError(t *testing.T) {
	local, remote := testStores(t)
	remote.FailWrites = stylesync.ErrRemoteUnavailable
	coord := testCoordinator(t, local, remote, time.Minute)
	ctx := context.Background()

	putProject(t, local, "proj_a_1000", "draft", 1)
	err := coord.ForceFlush(ctx, "proj_a_1000")
	if !errors.Is(err, stylesync.ErrRemoteUnavailable) {
		t.Fatalf("ForceFlush: got %v, want ErrRemoteUnavailable", err)
	}
	ids, _ := local.DirtyIDs(ctx)
	if len(ids) != 1 {
		t.Fatalf("entity should stay dirty after a failed flush: %v", ids)
	}
}

func TestForceFlushRejectsInvalidEntity(t *testing.T) {
	local, remote := testStores(t)
	coord := testCoordinator(t, local, remote, time.Minute)
	ctx := context.Background()

	snap := stylesync.Snapshot{
		ID:        "proj_a_1000",
		Kind:      stylesync.KindProject,
		UpdatedAt: time.Now().UTC(),
		Doc:       map[string]any{"id": "proj_a_1000", "title": "no owner"},
	}
	if err := local.Put(ctx, snap, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := coord.ForceFlush(ctx, "proj_a_1000")
	if !errors.Is(err, stylesync.ErrMalformedEntity) {
		t.Fatalf("ForceFlush: got %v, want ErrMalformedEntity", err)
	}
	if remote.Writes() != 0 {
		t.Fatalf("invalid entity reached the remote: %d", remote.Writes())
	}
}

func TestForceFlushWaitsOutInFlightWrite(t *testing.T) {
	local, remote := testStores(t)
	remote.WriteDelay = 40 * time.Millisecond
	coord := testCoordinator(t, local, remote, 5*time.Millisecond)
	ctx := context.Background()

	putProject(t, local, "proj_a_1000", "draft", 1)
	coord.Notify("proj_a_1000")
	time.Sleep(10 * time.Millisecond) // let the debounced write take off

	if err := coord.ForceFlush(ctx, "proj_a_1000"); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	// Both the queued write and the flush completed, never concurrently.
	if got := remote.Writes(); got != 2 {
		t.Fatalf("writes: got %d, want 2", got)
	}
}

func TestMirrorStylingOnStatePush(t *testing.T) {
	local, remote := testStores(t)
	coord := testCoordinator(t, local, remote, time.Minute)
	ctx := context.Background()

	state := stylesync.ProjectState{
		ProjectID: "proj_a_1000",
		History: []stylesync.HistoryItem{
			{ID: "gen_r_500", Type: stylesync.ItemBaseGeneration, BaseModelID: "gen_r_500"},
		},
		Styling: map[string][]stylesync.HistoryItem{
			"gen_r_500": {{ID: "sty_a_1000", ParentID: "gen_r_500", Type: stylesync.ItemStyling, BaseModelID: "gen_r_500"}},
		},
	}
	snap, err := stylesync.NewSnapshot(stylesync.StateID(state.ProjectID), stylesync.KindProjectState, state, 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if err := local.Put(ctx, snap, true); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := coord.ForceFlush(ctx, snap.ID); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	items, err := remote.ReadStyling(ctx, "proj_a_1000", "gen_r_500")
	if err != nil || len(items) != 1 || items[0].ID != "sty_a_1000" {
		t.Fatalf("styling not mirrored: %v %v", items, err)
	}
}

func TestCancelAllDropsPendingWrites(t *testing.T) {
	local, remote := testStores(t)
	coord := testCoordinator(t, local, remote, 20*time.Millisecond)

	putProject(t, local, "proj_a_1000", "draft", 1)
	putProject(t, local, "proj_b_2000", "draft", 1)
	coord.Notify("proj_a_1000")
	coord.Notify("proj_b_2000")
	coord.CancelAll()

	time.Sleep(60 * time.Millisecond)
	if remote.Writes() != 0 {
		t.Fatalf("cancelled writes still ran: %d", remote.Writes())
	}
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	local, remote := testStores(t)
	coord := testCoordinator(t, local, remote, 10*time.Millisecond)

	coord.Close()
	putProject(t, local, "proj_a_1000", "draft", 1)
	coord.Notify("proj_a_1000")
	time.Sleep(40 * time.Millisecond)
	if remote.Writes() != 0 {
		t.Fatalf("closed coordinator accepted work: %d", remote.Writes())
	}
	if err := coord.ForceFlush(context.Background(), "proj_a_1000"); !errors.Is(err, stylesync.ErrSessionClosed) {
		t.Fatalf("ForceFlush after close: got %v, want ErrSessionClosed", err)
	}
}
