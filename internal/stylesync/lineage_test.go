package stylesync

import (
	"errors"
	"testing"
	"time"
)

func TestRootAncestorWalksChain(t *testing.T) {
	items := []HistoryItem{
		{ID: "gen_a_1000", Type: ItemBaseGeneration},
		{ID: "gen_b_2000", ParentID: "gen_a_1000", Type: ItemRevision},
		{ID: "gen_c_3000", ParentID: "gen_b_2000", Type: ItemRevision},
	}
	index := IndexItems(items)
	root, err := RootAncestor(index, "gen_c_3000")
	if err != nil {
		t.Fatalf("RootAncestor: %v", err)
	}
	if root != "gen_a_1000" {
		t.Fatalf("root: got %q, want gen_a_1000", root)
	}
}

func TestRootAncestorErrors(t *testing.T) {
	index := IndexItems([]HistoryItem{
		{ID: "a", ParentID: "b"},
		{ID: "b", ParentID: "a"},
		{ID: "orphan", ParentID: "missing"},
	})

	if _, err := RootAncestor(index, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing start: got %v, want ErrNotFound", err)
	}
	if _, err := RootAncestor(index, "orphan"); !errors.Is(err, ErrLineageDisconnected) {
		t.Fatalf("broken chain: got %v, want ErrLineageDisconnected", err)
	}
	if _, err := RootAncestor(index, "a"); !errors.Is(err, ErrLineageCycle) {
		t.Fatalf("cycle: got %v, want ErrLineageCycle", err)
	}
}

func TestCheckForest(t *testing.T) {
	good := []HistoryItem{
		{ID: "r1"},
		{ID: "c1", ParentID: "r1"},
		{ID: "r2"},
	}
	if err := CheckForest(good); err != nil {
		t.Fatalf("well-formed forest rejected: %v", err)
	}
	bad := append(good, HistoryItem{ID: "c2", ParentID: "ghost"})
	if err := CheckForest(bad); !errors.Is(err, ErrLineageDisconnected) {
		t.Fatalf("broken forest: got %v, want ErrLineageDisconnected", err)
	}
}

func TestSortByCreation(t *testing.T) {
	items := []HistoryItem{
		{ID: "gen_c_3000"},
		{ID: "gen_a_1000"},
		{ID: "gen_x_2000"},
		{ID: "gen_b_2000"},
	}
	SortByCreation(items)
	want := []string{"gen_a_1000", "gen_b_2000", "gen_x_2000", "gen_c_3000"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("order[%d]: got %q, want %q", i, items[i].ID, id)
		}
	}
}

func TestItemTime(t *testing.T) {
	item := HistoryItem{ID: "gen_a_1500"}
	if got := ItemTime(item); !got.Equal(time.UnixMilli(1500).UTC()) {
		t.Fatalf("ItemTime: got %s", got)
	}
	if got := ItemTime(HistoryItem{ID: "plain"}); !got.IsZero() {
		t.Fatalf("ItemTime without suffix: got %s, want zero", got)
	}
}
