// Package stylesync holds the shared data model of the replication engine:
// projects, their working state, the branching history of generated images,
// and the merge, partition and validation rules that keep a local cache and
// the authoritative remote store reconciled.
package stylesync

import (
	"encoding/json"
	"time"
)

// Kind identifies which logical collection an entity snapshot belongs to.
type Kind string

const (
	KindProject         Kind = "project"
	KindProjectState    Kind = "project_state"
	KindWardrobeItem    Kind = "wardrobe_item"
	KindArtifactRequest Kind = "artifact_request"
)

func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindProjectState, KindWardrobeItem, KindArtifactRequest:
		return true
	}
	return false
}

// ItemType distinguishes the four node flavors of a history lineage. The
// generation types live in the primary lineage array; the styling types live
// in the per-root styling map.
type ItemType string

const (
	ItemBaseGeneration  ItemType = "base_generation"
	ItemRevision        ItemType = "revision"
	ItemStyling         ItemType = "styling"
	ItemStylingRevision ItemType = "styling_revision"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemBaseGeneration, ItemRevision, ItemStyling, ItemStylingRevision:
		return true
	}
	return false
}

// Styling reports whether items of this type are stored in the per-root
// styling partition rather than the primary lineage array.
func (t ItemType) Styling() bool {
	return t == ItemStyling || t == ItemStylingRevision
}

// HistoryItem is one node of the directed forest of generated-image
// revisions. Its ID suffix encodes the creation timestamp and is the node's
// total order key.
type HistoryItem struct {
	ID          string   `json:"id"`
	ParentID    string   `json:"parentId,omitempty"`
	Type        ItemType `json:"type"`
	ImageURL    string   `json:"imageUrl"`
	BaseModelID string   `json:"baseModelId"`
	Starred     bool     `json:"isStarred,omitempty"`
	Name        string   `json:"name,omitempty"`
}

// Project is the metadata record of one unit of creative work. It is
// soft-absent (Deleted flag) until an explicit delete cascades everywhere.
type Project struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	Tags        []string  `json:"tags,omitempty"`
	Status      string    `json:"status,omitempty"`
	Deadline    string    `json:"deadline,omitempty"`
	SyncVersion int64     `json:"syncVersion"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// ProjectState is the mutable working set attached to a project: a settings
// blob, the primary history lineage and the per-root styling partition.
// Exactly one exists per project; its ID is derived from the project ID.
type ProjectState struct {
	ProjectID   string                   `json:"projectId"`
	Settings    map[string]any           `json:"settings,omitempty"`
	History     []HistoryItem            `json:"history"`
	Styling     map[string][]HistoryItem `json:"styling,omitempty"`
	SyncVersion int64                    `json:"syncVersion"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// WardrobeItem is a reusable library asset with a lifecycle independent from
// history items. ProjectID is empty for globally shared items.
type WardrobeItem struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Category    string    `json:"category"`
	DisplayName string    `json:"displayName"`
	ProjectID   string    `json:"projectId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ArtifactRequest is the bookkeeping record of one asynchronous artifact
// production job (for example an upscale). Only its replication is handled
// here; the producer itself is an external collaborator.
type ArtifactRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	SourceURL string    `json:"sourceUrl,omitempty"`
	OutputURL string    `json:"outputUrl,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	RequestQueued    = "queued"
	RequestCompleted = "completed"
	RequestFailed    = "failed"
)

// Snapshot is the wire and storage form of any entity: a JSON document plus
// the replication bookkeeping the merge engine operates on. Doc is the
// entity's JSON-object form; typed accessors below convert back and forth.
type Snapshot struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	SyncVersion int64          `json:"syncVersion"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Doc         map[string]any `json:"doc"`
}

// Clone returns a deep copy via a JSON round trip.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Doc = cloneDoc(s.Doc)
	return out
}

func cloneDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return map[string]any{}
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return map[string]any{}
	}
	return clone
}

// EncodeDoc converts a typed entity into its document form.
func EncodeDoc(entity any) (map[string]any, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DecodeDoc converts a document back into a typed entity.
func DecodeDoc(doc map[string]any, entity any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, entity)
}

// NewSnapshot wraps a typed entity into a snapshot.
func NewSnapshot(id string, kind Kind, entity any, version int64, updatedAt time.Time) (Snapshot, error) {
	doc, err := EncodeDoc(entity)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:          id,
		Kind:        kind,
		SyncVersion: version,
		UpdatedAt:   updatedAt,
		Doc:         doc,
	}, nil
}

// StateID derives the project-state entity id for a project.
func StateID(projectID string) string {
	return projectID + ":state"
}
