package remotestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

func TestMemoryStoreReadWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap := stylesync.Snapshot{
		ID:   "proj_a_1000",
		Kind: stylesync.KindProject,
		Doc:  map[string]any{"id": "proj_a_1000", "title": "Runway"},
	}
	if err := store.Write(ctx, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := store.Read(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Doc["title"] != "Runway" {
		t.Fatalf("Read: %v", got.Doc)
	}
	// Mutating the returned snapshot must not leak into the store.
	got.Doc["title"] = "mutated"
	again, _ := store.Read(ctx, snap.ID)
	if again.Doc["title"] != "Runway" {
		t.Fatal("Read returned a shared document")
	}

	if _, err := store.Read(ctx, "absent"); !errors.Is(err, stylesync.ErrNotFound) {
		t.Fatalf("Read missing: got %v, want ErrNotFound", err)
	}
	if err := store.Write(ctx, stylesync.Snapshot{}); !errors.Is(err, stylesync.ErrInvalidInput) {
		t.Fatalf("Write without id: got %v, want ErrInvalidInput", err)
	}
}

func TestMemoryStoreSubscribeDelivers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var events []Event
	cancel, err := store.Subscribe(ctx, "proj_a_1000", func(event Event) {
		events = append(events, event)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	snap := stylesync.Snapshot{ID: "proj_a_1000", Kind: stylesync.KindProject, Doc: map[string]any{"id": "proj_a_1000"}}
	if err := store.Write(ctx, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Delete(ctx, "proj_a_1000"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2 (%v)", len(events), events)
	}
	if events[0].Type != EventUpdated || events[0].Snapshot == nil {
		t.Fatalf("first event: %+v", events[0])
	}
	if events[1].Type != EventDeleted || events[1].Snapshot != nil {
		t.Fatalf("second event: %+v", events[1])
	}

	cancel()
	cancel() // idempotent
	if err := store.Write(ctx, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(events) != 2 {
		t.Fatal("cancelled subscription still received events")
	}
	if store.SubscriberCount("proj_a_1000") != 0 {
		t.Fatalf("subscriber leak: %d", store.SubscriberCount("proj_a_1000"))
	}
}

func TestMemoryStoreStylingPartition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	items := []stylesync.HistoryItem{
		{ID: "sty_a_1000", Type: stylesync.ItemStyling, BaseModelID: "gen_r_500"},
		{ID: "sty_b_2000", Type: stylesync.ItemStylingRevision, ParentID: "sty_a_1000", BaseModelID: "gen_r_500"},
	}
	if err := store.WriteStyling(ctx, "proj_p_100", "gen_r_500", items); err != nil {
		t.Fatalf("WriteStyling: %v", err)
	}
	got, err := store.ReadStyling(ctx, "proj_p_100", "gen_r_500")
	if err != nil || len(got) != 2 {
		t.Fatalf("ReadStyling: %v %v", got, err)
	}

	roots, err := store.ListStylingRoots(ctx, "proj_p_100")
	if err != nil || len(roots) != 1 || roots[0] != "gen_r_500" {
		t.Fatalf("ListStylingRoots: %v %v", roots, err)
	}

	if err := store.DeleteStylingItem(ctx, "proj_p_100", "gen_r_500", "sty_b_2000"); err != nil {
		t.Fatalf("DeleteStylingItem: %v", err)
	}
	got, _ = store.ReadStyling(ctx, "proj_p_100", "gen_r_500")
	if len(got) != 1 || got[0].ID != "sty_a_1000" {
		t.Fatalf("after item delete: %v", got)
	}

	if err := store.DeleteStylingRoot(ctx, "proj_p_100", "gen_r_500"); err != nil {
		t.Fatalf("DeleteStylingRoot: %v", err)
	}
	roots, _ = store.ListStylingRoots(ctx, "proj_p_100")
	if len(roots) != 0 {
		t.Fatalf("root survived delete: %v", roots)
	}
}

func TestMemoryStoreStylingSubscribe(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var events []Event
	cancel, err := store.SubscribeStyling(ctx, "proj_p_100", "gen_r_500", func(event Event) {
		events = append(events, event)
	})
	if err != nil {
		t.Fatalf("SubscribeStyling: %v", err)
	}
	defer cancel()

	if err := store.WriteStyling(ctx, "proj_p_100", "gen_r_500", nil); err != nil {
		t.Fatalf("WriteStyling: %v", err)
	}
	// A different root must not reach this subscriber.
	if err := store.WriteStyling(ctx, "proj_p_100", "gen_other_600", nil); err != nil {
		t.Fatalf("WriteStyling: %v", err)
	}
	if err := store.DeleteStylingRoot(ctx, "proj_p_100", "gen_r_500"); err != nil {
		t.Fatalf("DeleteStylingRoot: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2 (%v)", len(events), events)
	}
	if events[0].Type != EventUpdated || events[1].Type != EventDeleted {
		t.Fatalf("event types: %v", events)
	}
}

func TestMemoryStoreClosedRejectsSubscribe(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := store.Subscribe(context.Background(), "proj_a_1000", func(Event) {})
	if !errors.Is(err, stylesync.ErrSessionClosed) {
		t.Fatalf("Subscribe after close: got %v, want ErrSessionClosed", err)
	}
}

func TestMemoryStoreWriteRespectsContext(t *testing.T) {
	store := NewMemoryStore()
	store.WriteDelay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := store.Write(ctx, stylesync.Snapshot{ID: "proj_a_1000"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Write with expired context: got %v", err)
	}
}
