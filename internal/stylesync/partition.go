package stylesync

// The remote store physically segregates one logical lineage into two
// collections: the primary lineage array on the project-state document and a
// per-root styling sub-collection. The partitioner is the only code that
// knows about the split; callers always see one unified, chronologically
// ordered lineage.

// Unify reassembles the lineage of one root: primary items whose resolved
// root ancestor is rootID plus the styling partition entry for that root,
// sorted by id-encoded creation time.
func Unify(state *ProjectState, rootID string) []HistoryItem {
	if state == nil {
		return nil
	}
	index := stateIndex(state)
	out := make([]HistoryItem, 0, len(state.History))
	for _, item := range state.History {
		if resolveRoot(index, item) == rootID {
			out = append(out, item)
		}
	}
	out = append(out, state.Styling[rootID]...)
	SortByCreation(out)
	return out
}

// Partition folds a unified lineage for one root back into the two physical
// collections, merging into whatever already exists there: an existing id is
// updated in place, a new id is appended.
func Partition(state *ProjectState, rootID string, unified []HistoryItem) {
	if state == nil {
		return
	}
	for _, item := range unified {
		if item.BaseModelID == "" {
			item.BaseModelID = rootID
		}
		if item.Type.Styling() {
			if state.Styling == nil {
				state.Styling = map[string][]HistoryItem{}
			}
			state.Styling[rootID] = upsertItem(state.Styling[rootID], item)
		} else {
			state.History = upsertItem(state.History, item)
		}
	}
}

// RemoveItem deletes one node from either partition. Children of the
// deleted node are re-parented to the deleted node's own parent, so lineage
// connectivity is preserved: deleting a root promotes its children to roots.
// Denormalized root ids and the styling map keys are recomputed afterwards.
// The caller is responsible for removing the node's remote counterpart.
func RemoveItem(state *ProjectState, id string) (HistoryItem, bool) {
	if state == nil {
		return HistoryItem{}, false
	}
	removed, found := HistoryItem{}, false
	if filtered, item, ok := dropItem(state.History, id); ok {
		state.History = filtered
		removed, found = item, true
	}
	if !found {
		for rootID, items := range state.Styling {
			filtered, item, ok := dropItem(items, id)
			if !ok {
				continue
			}
			if len(filtered) == 0 {
				delete(state.Styling, rootID)
			} else {
				state.Styling[rootID] = filtered
			}
			removed, found = item, true
			break
		}
	}
	if !found {
		return HistoryItem{}, false
	}

	reparent(state.History, removed)
	for _, items := range state.Styling {
		reparent(items, removed)
	}
	recomputeBaseModels(state)
	return removed, true
}

func reparent(items []HistoryItem, removed HistoryItem) {
	for i := range items {
		if items[i].ParentID == removed.ID {
			items[i].ParentID = removed.ParentID
		}
	}
}

// recomputeBaseModels re-derives every BaseModelID by walking parent links
// and regroups the styling partition under the new roots.
func recomputeBaseModels(state *ProjectState) {
	index := stateIndex(state)
	for i := range state.History {
		state.History[i].BaseModelID = resolveRoot(index, state.History[i])
	}
	if len(state.Styling) == 0 {
		return
	}
	regrouped := map[string][]HistoryItem{}
	for _, items := range state.Styling {
		for _, item := range items {
			item.BaseModelID = resolveRoot(index, item)
			regrouped[item.BaseModelID] = append(regrouped[item.BaseModelID], item)
		}
	}
	for _, items := range regrouped {
		SortByCreation(items)
	}
	state.Styling = regrouped
}

// resolveRoot prefers the parent walk and falls back to the denormalized
// field when the chain is broken, so one damaged node cannot hide a lineage.
func resolveRoot(index map[string]HistoryItem, item HistoryItem) string {
	if root, err := RootAncestor(index, item.ID); err == nil {
		return root
	}
	return item.BaseModelID
}

func stateIndex(state *ProjectState) map[string]HistoryItem {
	groups := make([][]HistoryItem, 0, 1+len(state.Styling))
	groups = append(groups, state.History)
	for _, items := range state.Styling {
		groups = append(groups, items)
	}
	return IndexItems(groups...)
}

func upsertItem(items []HistoryItem, item HistoryItem) []HistoryItem {
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

func dropItem(items []HistoryItem, id string) ([]HistoryItem, HistoryItem, bool) {
	for i := range items {
		if items[i].ID == id {
			removed := items[i]
			return append(items[:i:i], items[i+1:]...), removed, true
		}
	}
	return items, HistoryItem{}, false
}
