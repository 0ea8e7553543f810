package stylesync

import (
	"reflect"
	"sort"
	"time"
)

// Strategy selects how a local and a remote snapshot of the same entity are
// reconciled.
type Strategy int

const (
	// PreferLocal discards the remote snapshot except for monotonic
	// counters, which take the max.
	PreferLocal Strategy = iota
	// PreferRemote is the symmetric choice.
	PreferRemote
	// Smart is the default on load: scalars follow the snapshot with the
	// larger wall-clock UpdatedAt, collections are unioned by id with the
	// newer item winning a collision.
	Smart
)

// MergeConflict is a diagnostic record of one field-level disagreement.
// It is surfaced for observability and optional manual resolution; it never
// blocks a merge. Not persisted.
type MergeConflict struct {
	Field      string    `json:"field"`
	Local      any       `json:"local"`
	Remote     any       `json:"remote"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Merge reconciles two snapshots of the same entity. This is the only
// permitted point of reconciliation for the race between outgoing local
// writes and incoming remote pushes; neither side may overwrite the other
// directly.
func Merge(local, remote Snapshot, strategy Strategy) Snapshot {
	switch strategy {
	case PreferLocal:
		out := local.Clone()
		out.SyncVersion = maxVersion(local, remote)
		return out
	case PreferRemote:
		out := remote.Clone()
		out.SyncVersion = maxVersion(local, remote)
		return out
	}

	newer, older := local, remote
	if remote.UpdatedAt.After(local.UpdatedAt) {
		newer, older = remote, local
	}
	out := newer.Clone()
	if out.Doc == nil {
		out.Doc = map[string]any{}
	}
	for _, key := range sortedKeys(older.Doc) {
		olderVal := older.Doc[key]
		newerVal, present := out.Doc[key]
		if !present {
			out.Doc[key] = cloneValue(olderVal)
			continue
		}
		switch {
		case isItemCollection(newerVal) && isItemCollection(olderVal):
			out.Doc[key] = mergeCollections(asSlice(newerVal), asSlice(olderVal))
		case isCollectionMap(newerVal) && isCollectionMap(olderVal):
			out.Doc[key] = mergeCollectionMaps(newerVal.(map[string]any), olderVal.(map[string]any))
		default:
			// Scalar: the newer snapshot already won.
		}
	}

	out.UpdatedAt = laterTime(local.UpdatedAt, remote.UpdatedAt)
	out.Doc["updatedAt"] = out.UpdatedAt.Format(time.RFC3339Nano)
	version := maxVersion(local, remote)
	if !docEqual(out.Doc, local.Doc) || !docEqual(out.Doc, remote.Doc) {
		version++
	}
	out.SyncVersion = version
	// Doc values stay in their JSON-decoded form, so numbers are float64.
	out.Doc["syncVersion"] = float64(version)
	return out
}

// DetectConflicts reports field-level disagreements between two snapshots
// that were both updated within window of each other. Outside the window
// the later write is assumed intentional and nothing is reported.
func DetectConflicts(local, remote Snapshot, window time.Duration, now time.Time) []MergeConflict {
	delta := local.UpdatedAt.Sub(remote.UpdatedAt)
	if delta < 0 {
		delta = -delta
	}
	if window <= 0 || delta > window {
		return nil
	}
	var conflicts []MergeConflict
	for _, key := range sortedKeys(unionKeys(local.Doc, remote.Doc)) {
		if key == "updatedAt" || key == "syncVersion" {
			continue
		}
		lv, lok := local.Doc[key]
		rv, rok := remote.Doc[key]
		if lok && rok && isItemCollection(lv) && isItemCollection(rv) {
			localOnly, remoteOnly := idSetDifference(asSlice(lv), asSlice(rv))
			if len(localOnly) > 0 || len(remoteOnly) > 0 {
				conflicts = append(conflicts, MergeConflict{
					Field:      key,
					Local:      localOnly,
					Remote:     remoteOnly,
					DetectedAt: now,
				})
			}
			continue
		}
		if !reflect.DeepEqual(lv, rv) {
			conflicts = append(conflicts, MergeConflict{
				Field:      key,
				Local:      lv,
				Remote:     rv,
				DetectedAt: now,
			})
		}
	}
	return conflicts
}

// mergeCollections unions two id-keyed collections. On an id collision the
// item with the newer recency key wins; the result is re-sorted
// chronologically so both devices converge on the same order.
func mergeCollections(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	index := map[string]int{}
	for _, raw := range a {
		item, id := itemWithID(raw)
		if id == "" {
			out = append(out, cloneValue(raw))
			continue
		}
		index[id] = len(out)
		out = append(out, cloneValue(item))
	}
	for _, raw := range b {
		item, id := itemWithID(raw)
		if id == "" {
			continue
		}
		if pos, ok := index[id]; ok {
			existing, _ := itemWithID(out[pos])
			if itemRecency(item).After(itemRecency(existing)) {
				out[pos] = cloneValue(item)
			}
			continue
		}
		index[id] = len(out)
		out = append(out, cloneValue(item))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ii, iid := itemWithID(out[i])
		jj, jid := itemWithID(out[j])
		ti, tj := itemRecency(ii), itemRecency(jj)
		if ti.Equal(tj) {
			return iid < jid
		}
		return ti.Before(tj)
	})
	return out
}

func mergeCollectionMaps(a, b map[string]any) map[string]any {
	out := map[string]any{}
	for key, val := range a {
		out[key] = cloneValue(val)
	}
	for key, val := range b {
		existing, ok := out[key]
		if !ok {
			out[key] = cloneValue(val)
			continue
		}
		out[key] = mergeCollections(asSlice(existing), asSlice(val))
	}
	return out
}

// itemRecency is an item's merge recency: its explicit updatedAt when set,
// otherwise the timestamp encoded in its id suffix.
func itemRecency(item map[string]any) time.Time {
	if raw, ok := item["updatedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	if id, ok := item["id"].(string); ok {
		if ts, ok := TimeOf(id); ok {
			return ts
		}
	}
	return time.Time{}
}

func itemWithID(raw any) (map[string]any, string) {
	item, ok := raw.(map[string]any)
	if !ok {
		return nil, ""
	}
	id, _ := item["id"].(string)
	return item, id
}

// isItemCollection recognizes a JSON array whose elements are objects
// carrying an "id" field. Plain value arrays (tags and the like) are scalars
// to the merge.
func isItemCollection(v any) bool {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return ok
	}
	for _, raw := range items {
		if _, id := itemWithID(raw); id == "" {
			return false
		}
	}
	return true
}

// isCollectionMap recognizes the styling-map shape: object values that are
// all item collections. An explicitly empty map qualifies, like an empty
// array above; treating it as a scalar would let it replace a populated map
// wholesale and drop lineage items.
func isCollectionMap(v any) bool {
	entries, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, val := range entries {
		if !isItemCollection(val) {
			return false
		}
	}
	return true
}

func idSetDifference(a, b []any) (aOnly, bOnly []string) {
	inA := map[string]bool{}
	inB := map[string]bool{}
	for _, raw := range a {
		if _, id := itemWithID(raw); id != "" {
			inA[id] = true
		}
	}
	for _, raw := range b {
		if _, id := itemWithID(raw); id != "" {
			inB[id] = true
		}
	}
	for id := range inA {
		if !inB[id] {
			aOnly = append(aOnly, id)
		}
	}
	for id := range inB {
		if !inA[id] {
			bOnly = append(bOnly, id)
		}
	}
	sort.Strings(aOnly)
	sort.Strings(bOnly)
	return aOnly, bOnly
}

func asSlice(v any) []any {
	items, _ := v.([]any)
	return items
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, val := range typed {
			out[key] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

func docEqual(a, b map[string]any) bool {
	ac, bc := cloneDoc(a), cloneDoc(b)
	stripBookkeeping(ac)
	stripBookkeeping(bc)
	return reflect.DeepEqual(ac, bc)
}

func stripBookkeeping(doc map[string]any) {
	delete(doc, "updatedAt")
	delete(doc, "syncVersion")
}

func maxVersion(a, b Snapshot) int64 {
	if a.SyncVersion > b.SyncVersion {
		return a.SyncVersion
	}
	return b.SyncVersion
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func unionKeys(a, b map[string]any) map[string]any {
	out := map[string]any{}
	for key := range a {
		out[key] = nil
	}
	for key := range b {
		out[key] = nil
	}
	return out
}

func sortedKeys(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
