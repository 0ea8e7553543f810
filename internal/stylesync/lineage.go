package stylesync

import (
	"fmt"
	"sort"
	"time"
)

// maxLineageHops bounds parent walks so a corrupted chain cannot loop
// forever. Lineages stay in the low thousands of nodes.
const maxLineageHops = 10000

// RootAncestor walks parent links from id until it reaches a node with no
// parent and returns that node's id. The walk fails on a missing parent or
// when the hop bound is exceeded (cycle).
func RootAncestor(index map[string]HistoryItem, id string) (string, error) {
	current, ok := index[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for hops := 0; hops < maxLineageHops; hops++ {
		if current.ParentID == "" {
			return current.ID, nil
		}
		parent, ok := index[current.ParentID]
		if !ok {
			return "", fmt.Errorf("%w: %s -> %s", ErrLineageDisconnected, current.ID, current.ParentID)
		}
		current = parent
	}
	return "", fmt.Errorf("%w: starting at %s", ErrLineageCycle, id)
}

// IndexItems builds an id lookup over one or more item slices.
func IndexItems(groups ...[]HistoryItem) map[string]HistoryItem {
	index := map[string]HistoryItem{}
	for _, items := range groups {
		for _, item := range items {
			index[item.ID] = item
		}
	}
	return index
}

// CheckForest verifies that every parent walk terminates. It returns the
// first lineage error found, or nil for a well-formed forest.
func CheckForest(items []HistoryItem) error {
	index := IndexItems(items)
	for _, item := range items {
		if _, err := RootAncestor(index, item.ID); err != nil {
			return err
		}
	}
	return nil
}

// ItemTime is the recency key of a history item: the timestamp encoded in
// its id suffix, or zero when the id carries none.
func ItemTime(item HistoryItem) time.Time {
	if ts, ok := TimeOf(item.ID); ok {
		return ts
	}
	return time.Time{}
}

// SortByCreation orders items chronologically by id-encoded timestamp,
// breaking ties by id so the order is stable across devices.
func SortByCreation(items []HistoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := ItemTime(items[i]), ItemTime(items[j])
		if ti.Equal(tj) {
			return NewerID(items[j].ID, items[i].ID)
		}
		return ti.Before(tj)
	})
}
