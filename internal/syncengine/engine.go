package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atelierworks/stylesync/internal/localstore"
	"github.com/atelierworks/stylesync/internal/remotestore"
	"github.com/atelierworks/stylesync/internal/stylesync"
)

// Options tunes an Engine. Zero values pick the defaults.
type Options struct {
	Debounce       time.Duration
	ConflictWindow time.Duration
	WriteTimeout   time.Duration
	Logger         Logger
	Blobs          BlobStore
	Producer       ImageProducer
	Now            func() time.Time
}

// Engine is the single logical owner of the local store. External callers
// request mutations and read snapshots through it; nothing else writes
// underneath it. Its state is explicit and session-scoped: Init binds a
// user identity and starts the pipeline, Teardown cancels pending timers
// and closes every subscription.
type Engine struct {
	local    *localstore.Store
	remote   remotestore.Store
	gate     *stylesync.Gate
	logger   Logger
	blobs    BlobStore
	producer ImageProducer
	opts     Options
	now      func() time.Time

	mu       sync.Mutex
	identity string
	coord    *Coordinator
	subs     *Manager
	active   bool
}

func New(local *localstore.Store, remote remotestore.Store, opts Options) (*Engine, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("%w: local and remote stores are required", stylesync.ErrInvalidInput)
	}
	gate, err := stylesync.NewGate()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		local:    local,
		remote:   remote,
		gate:     gate,
		logger:   logger,
		blobs:    opts.Blobs,
		producer: opts.Producer,
		opts:     opts,
		now:      now,
	}, nil
}

// Init starts a session for one user identity. An identity change tears
// the previous session down first: its subscriptions are invalidated and
// its write queue cleared. Entities left dirty by an earlier session are
// re-enqueued once.
func (e *Engine) Init(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", stylesync.ErrInvalidInput)
	}
	e.mu.Lock()
	if e.active && e.identity == identity {
		e.mu.Unlock()
		return nil
	}
	if e.active {
		e.teardownLocked()
	}
	e.identity = identity
	e.coord = newCoordinator(e.local, e.remote, e.gate, e.logger, e.opts.Debounce, e.opts.WriteTimeout, e.now)
	e.subs = newManager(e.local, e.remote, e.logger, e.opts.ConflictWindow, e.now)
	e.active = true
	coord := e.coord
	e.mu.Unlock()

	dirty, err := e.local.DirtyIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range dirty {
		coord.Notify(id)
	}
	return nil
}

// Teardown ends the session: pending debounce timers are drained without
// executing and all subscriptions close. In-flight writes complete but
// their results are discarded.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

func (e *Engine) teardownLocked() {
	if !e.active {
		return
	}
	e.subs.CloseAll()
	e.coord.CancelAll()
	e.coord.Close()
	e.active = false
	e.identity = ""
}

func (e *Engine) session() (*Coordinator, *Manager, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil, nil, "", stylesync.ErrSessionClosed
	}
	return e.coord, e.subs, e.identity, nil
}

// SaveEntity applies a patch to an entity. The local write is immediate
// and synchronous; the remote write is debounced behind it.
func (e *Engine) SaveEntity(ctx context.Context, id string, patch map[string]any) error {
	coord, _, identity, err := e.session()
	if err != nil {
		return err
	}
	snap, err := e.local.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.checkOwnership(snap, identity); err != nil {
		return err
	}
	for key, value := range patch {
		snap.Doc[key] = value
	}
	e.stamp(&snap)
	if err := e.local.Put(ctx, snap, true); err != nil {
		return err
	}
	coord.Notify(id)
	return nil
}

// LoadEntity returns the freshest available snapshot: the local one merged
// with a best-effort remote read under the smart strategy. A remote
// failure falls back to the cached snapshot; staleness resolves on a later
// load or mutation.
func (e *Engine) LoadEntity(ctx context.Context, id string) (stylesync.Snapshot, error) {
	if _, _, _, err := e.session(); err != nil {
		return stylesync.Snapshot{}, err
	}
	snap, _, err := e.loadMerged(ctx, id)
	return snap, err
}

func (e *Engine) loadMerged(ctx context.Context, id string) (stylesync.Snapshot, bool, error) {
	local, localErr := e.local.Get(ctx, id)
	remote, remoteErr := e.remote.Read(ctx, id)
	switch {
	case localErr == nil && remoteErr == nil:
		merged := stylesync.Merge(local, remote, stylesync.Smart)
		dirty := merged.SyncVersion > remote.SyncVersion
		if err := e.local.Put(ctx, merged, dirty); err != nil {
			return stylesync.Snapshot{}, false, err
		}
		return merged, dirty, nil
	case localErr == nil:
		if !errors.Is(remoteErr, stylesync.ErrNotFound) {
			e.logger.Printf("load %s: remote read failed, serving cached snapshot: %v", id, remoteErr)
		}
		dirty, err := e.local.IsDirty(ctx, id)
		if err != nil {
			dirty = false
		}
		return local, dirty, nil
	case remoteErr == nil:
		if err := e.local.Put(ctx, remote, false); err != nil {
			return stylesync.Snapshot{}, false, err
		}
		return remote, false, nil
	default:
		return stylesync.Snapshot{}, false, localErr
	}
}

// LoadProjectState loads and reassembles a project's working state: the
// merged state document plus the remote styling partitions folded in, with
// orphaned remote roots (whose base generation no longer exists) removed.
func (e *Engine) LoadProjectState(ctx context.Context, projectID string) (stylesync.ProjectState, error) {
	if _, _, _, err := e.session(); err != nil {
		return stylesync.ProjectState{}, err
	}
	stateID := stylesync.StateID(projectID)
	snap, dirty, err := e.loadMerged(ctx, stateID)
	if err != nil {
		return stylesync.ProjectState{}, err
	}
	var state stylesync.ProjectState
	if err := stylesync.DecodeDoc(snap.Doc, &state); err != nil {
		return stylesync.ProjectState{}, fmt.Errorf("%w: %v", stylesync.ErrMalformedEntity, err)
	}

	roots, err := e.remote.ListStylingRoots(ctx, projectID)
	if err != nil {
		e.logger.Printf("load %s: styling roots unavailable: %v", projectID, err)
		return state, nil
	}
	known := lineageRoots(&state)
	for _, rootID := range roots {
		if known[rootID] {
			items, err := e.remote.ReadStyling(ctx, projectID, rootID)
			if err != nil {
				e.logger.Printf("load styling %s/%s: %v", projectID, rootID, err)
				continue
			}
			stylesync.Partition(&state, rootID, items)
			continue
		}
		// Orphaned remote root: its local counterpart was deleted.
		if err := e.remote.DeleteStylingRoot(ctx, projectID, rootID); err != nil {
			e.logger.Printf("reconcile orphan styling %s/%s: %v", projectID, rootID, err)
		}
	}

	// A merge of a stale remote copy can leave dangling parent links.
	// Damage is logged, not fatal: the state still loads.
	if err := stylesync.CheckForest(stateItems(&state)); err != nil {
		e.logger.Printf("load %s: lineage damaged: %v", projectID, err)
	}

	doc, err := stylesync.EncodeDoc(state)
	if err != nil {
		return stylesync.ProjectState{}, err
	}
	snap.Doc = doc
	if err := e.local.Put(ctx, snap, dirty); err != nil {
		return stylesync.ProjectState{}, err
	}
	return state, nil
}

// CreateProject mints a project and its state record. Creation must not be
// lost to a closed session, so the project document is force-flushed; the
// flush error, if any, surfaces to the caller while the local records
// stay dirty for retry.
func (e *Engine) CreateProject(ctx context.Context, title string) (stylesync.Project, error) {
	coord, _, identity, err := e.session()
	if err != nil {
		return stylesync.Project{}, err
	}
	now := e.now().UTC()
	project := stylesync.Project{
		ID:          stylesync.NewID("proj", now),
		OwnerID:     identity,
		Title:       title,
		SyncVersion: 1,
		UpdatedAt:   now,
	}
	state := stylesync.ProjectState{
		ProjectID:   project.ID,
		History:     []stylesync.HistoryItem{},
		SyncVersion: 1,
		UpdatedAt:   now,
	}
	projectSnap, err := stylesync.NewSnapshot(project.ID, stylesync.KindProject, project, 1, now)
	if err != nil {
		return stylesync.Project{}, err
	}
	stateSnap, err := stylesync.NewSnapshot(stylesync.StateID(project.ID), stylesync.KindProjectState, state, 1, now)
	if err != nil {
		return stylesync.Project{}, err
	}
	if err := e.local.Put(ctx, projectSnap, true); err != nil {
		return stylesync.Project{}, err
	}
	if err := e.local.Put(ctx, stateSnap, true); err != nil {
		return stylesync.Project{}, err
	}
	coord.Notify(stateSnap.ID)
	return project, coord.ForceFlush(ctx, project.ID)
}

// DeleteEntity removes an entity locally and its remote counterpart
// explicitly. Deleting a project cascades through its state record, its
// wardrobe items and every remote styling root.
func (e *Engine) DeleteEntity(ctx context.Context, id string) error {
	coord, _, identity, err := e.session()
	if err != nil {
		return err
	}
	ids := []string{id}
	snap, err := e.local.Get(ctx, id)
	if err == nil && snap.Kind == stylesync.KindProject {
		if err := e.checkOwnership(snap, identity); err != nil {
			return err
		}
		ids = append(ids, stylesync.StateID(id))
		wardrobe, err := e.local.ListKind(ctx, stylesync.KindWardrobeItem)
		if err != nil {
			return err
		}
		for _, item := range wardrobe {
			if owner, _ := item.Doc["projectId"].(string); owner == id {
				ids = append(ids, item.ID)
			}
		}
		roots, err := e.remote.ListStylingRoots(ctx, id)
		if err != nil && !errors.Is(err, stylesync.ErrNotFound) {
			return err
		}
		for _, rootID := range roots {
			if err := e.remote.DeleteStylingRoot(ctx, id, rootID); err != nil {
				return err
			}
		}
	}
	for _, entityID := range ids {
		coord.Cancel(entityID)
		if err := e.remote.Delete(ctx, entityID); err != nil {
			return err
		}
		if err := e.local.Delete(ctx, entityID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteHistoryItem removes one lineage node: children re-parent to the
// node's former parent, root ids are recomputed and the node's remote
// counterpart is deleted explicitly rather than left to reconciliation.
func (e *Engine) DeleteHistoryItem(ctx context.Context, projectID, itemID string) error {
	coord, _, _, err := e.session()
	if err != nil {
		return err
	}
	stateID := stylesync.StateID(projectID)
	snap, err := e.local.Get(ctx, stateID)
	if err != nil {
		return err
	}
	var state stylesync.ProjectState
	if err := stylesync.DecodeDoc(snap.Doc, &state); err != nil {
		return fmt.Errorf("%w: %v", stylesync.ErrMalformedEntity, err)
	}
	removed, ok := stylesync.RemoveItem(&state, itemID)
	if !ok {
		return fmt.Errorf("%w: history item %s", stylesync.ErrNotFound, itemID)
	}
	doc, err := stylesync.EncodeDoc(state)
	if err != nil {
		return err
	}
	snap.Doc = doc
	e.stamp(&snap)
	if err := e.local.Put(ctx, snap, true); err != nil {
		return err
	}
	coord.Notify(stateID)

	if removed.Type.Styling() {
		if err := e.remote.DeleteStylingItem(ctx, projectID, removed.BaseModelID, itemID); err != nil {
			e.logger.Printf("delete remote styling item %s: %v", itemID, err)
		}
	}
	if removed.ParentID == "" {
		// A dead root re-keys its styling partition; drop the old key,
		// the next push mirrors the regrouped entries.
		if err := e.remote.DeleteStylingRoot(ctx, projectID, removed.ID); err != nil {
			e.logger.Printf("delete remote styling root %s: %v", removed.ID, err)
		}
	}
	return nil
}

// AddHistoryItem wraps a produced artifact into the lineage. Inline
// payloads are externalized through the blob store first; the validation
// gate would reject them otherwise.
func (e *Engine) AddHistoryItem(ctx context.Context, projectID string, item stylesync.HistoryItem) (stylesync.HistoryItem, error) {
	coord, _, identity, err := e.session()
	if err != nil {
		return stylesync.HistoryItem{}, err
	}
	if !item.Type.Valid() {
		return stylesync.HistoryItem{}, fmt.Errorf("%w: item type %q", stylesync.ErrInvalidInput, item.Type)
	}
	now := e.now().UTC()
	if item.ID == "" {
		item.ID = stylesync.NewID("hist", now)
	}
	if stylesync.IsInlineBinary(item.ImageURL) {
		if e.blobs == nil {
			return stylesync.HistoryItem{}, fmt.Errorf("%w: inline payload and no blob store configured", stylesync.ErrValidationRejected)
		}
		data, contentType, err := decodeDataURI(item.ImageURL)
		if err != nil {
			return stylesync.HistoryItem{}, err
		}
		ref, err := e.blobs.Upload(ctx, BlobPath(identity, item.ID), data, contentType)
		if err != nil {
			return stylesync.HistoryItem{}, err
		}
		item.ImageURL = ref
	}

	stateID := stylesync.StateID(projectID)
	snap, err := e.local.Get(ctx, stateID)
	if err != nil {
		return stylesync.HistoryItem{}, err
	}
	var state stylesync.ProjectState
	if err := stylesync.DecodeDoc(snap.Doc, &state); err != nil {
		return stylesync.HistoryItem{}, fmt.Errorf("%w: %v", stylesync.ErrMalformedEntity, err)
	}
	if item.ParentID == "" {
		item.BaseModelID = item.ID
	} else {
		index := stylesync.IndexItems(state.History)
		root, err := stylesync.RootAncestor(index, item.ParentID)
		if err != nil {
			return stylesync.HistoryItem{}, err
		}
		item.BaseModelID = root
	}
	stylesync.Partition(&state, item.BaseModelID, []stylesync.HistoryItem{item})

	doc, err := stylesync.EncodeDoc(state)
	if err != nil {
		return stylesync.HistoryItem{}, err
	}
	snap.Doc = doc
	e.stamp(&snap)
	if err := e.local.Put(ctx, snap, true); err != nil {
		return stylesync.HistoryItem{}, err
	}
	coord.Notify(stateID)
	return item, nil
}

// ProduceHistoryItem drives the generative-image collaborator and folds
// its output into the lineage.
func (e *Engine) ProduceHistoryItem(ctx context.Context, projectID, parentID string, itemType stylesync.ItemType, request map[string]any) (stylesync.HistoryItem, error) {
	if e.producer == nil {
		return stylesync.HistoryItem{}, fmt.Errorf("%w: no image producer configured", stylesync.ErrInvalidInput)
	}
	_, _, identity, err := e.session()
	if err != nil {
		return stylesync.HistoryItem{}, err
	}
	artifact, err := e.producer.Produce(ctx, request)
	if err != nil {
		return stylesync.HistoryItem{}, err
	}
	item := stylesync.HistoryItem{
		ID:       stylesync.NewID("hist", e.now().UTC()),
		ParentID: parentID,
		Type:     itemType,
		ImageURL: artifact.URL,
	}
	if artifact.IsInline() {
		if e.blobs == nil {
			return stylesync.HistoryItem{}, fmt.Errorf("%w: inline artifact and no blob store configured", stylesync.ErrValidationRejected)
		}
		ref, err := e.blobs.Upload(ctx, BlobPath(identity, item.ID), artifact.Inline, artifact.ContentType)
		if err != nil {
			return stylesync.HistoryItem{}, err
		}
		item.ImageURL = ref
	}
	return e.AddHistoryItem(ctx, projectID, item)
}

// AddWardrobeItem registers a reusable library asset.
func (e *Engine) AddWardrobeItem(ctx context.Context, item stylesync.WardrobeItem) (stylesync.WardrobeItem, error) {
	coord, _, _, err := e.session()
	if err != nil {
		return stylesync.WardrobeItem{}, err
	}
	now := e.now().UTC()
	if item.ID == "" {
		item.ID = stylesync.NewID("ward", now)
	}
	item.UpdatedAt = now
	snap, err := stylesync.NewSnapshot(item.ID, stylesync.KindWardrobeItem, item, 1, now)
	if err != nil {
		return stylesync.WardrobeItem{}, err
	}
	if err := e.local.Put(ctx, snap, true); err != nil {
		return stylesync.WardrobeItem{}, err
	}
	coord.Notify(item.ID)
	return item, nil
}

// TrackArtifactRequest replicates the bookkeeping record of one artifact
// production job through the same save path as every other entity.
func (e *Engine) TrackArtifactRequest(ctx context.Context, req stylesync.ArtifactRequest) (stylesync.ArtifactRequest, error) {
	coord, _, identity, err := e.session()
	if err != nil {
		return stylesync.ArtifactRequest{}, err
	}
	now := e.now().UTC()
	if req.ID == "" {
		req.ID = stylesync.NewID("upreq", now)
	}
	if req.UserID == "" {
		req.UserID = identity
	}
	if req.Status == "" {
		req.Status = stylesync.RequestQueued
	}
	req.UpdatedAt = now
	snap, err := stylesync.NewSnapshot(req.ID, stylesync.KindArtifactRequest, req, 1, now)
	if err != nil {
		return stylesync.ArtifactRequest{}, err
	}
	if err := e.local.Put(ctx, snap, true); err != nil {
		return stylesync.ArtifactRequest{}, err
	}
	coord.Notify(req.ID)
	return req, nil
}

// ForceFlush pushes an entity now and reports the remote error directly.
func (e *Engine) ForceFlush(ctx context.Context, id string) error {
	coord, _, _, err := e.session()
	if err != nil {
		return err
	}
	return coord.ForceFlush(ctx, id)
}

// Subscribe opens live remote subscriptions for one project and lineage
// root and returns the unsubscribe func.
func (e *Engine) Subscribe(ctx context.Context, projectID, rootID string, fn ChangeFunc) (func(), error) {
	_, subs, _, err := e.session()
	if err != nil {
		return nil, err
	}
	return subs.Subscribe(ctx, projectID, rootID, fn)
}

func (e *Engine) checkOwnership(snap stylesync.Snapshot, identity string) error {
	if snap.Kind != stylesync.KindProject {
		return nil
	}
	owner, _ := snap.Doc["ownerId"].(string)
	if owner != "" && owner != identity {
		return fmt.Errorf("%w: project owned by %s", stylesync.ErrPermissionDenied, owner)
	}
	return nil
}

// stamp refreshes the mutation bookkeeping on a locally edited snapshot.
func (e *Engine) stamp(snap *stylesync.Snapshot) {
	now := e.now().UTC()
	snap.UpdatedAt = now
	snap.SyncVersion++
	if snap.Doc == nil {
		snap.Doc = map[string]any{}
	}
	snap.Doc["updatedAt"] = now.Format(time.RFC3339Nano)
	snap.Doc["syncVersion"] = float64(snap.SyncVersion)
}

func lineageRoots(state *stylesync.ProjectState) map[string]bool {
	roots := map[string]bool{}
	for _, item := range state.History {
		if item.ParentID == "" {
			roots[item.ID] = true
		}
	}
	return roots
}

// stateItems flattens a project state's history and styling partitions into
// one slice for whole-forest checks.
func stateItems(state *stylesync.ProjectState) []stylesync.HistoryItem {
	items := make([]stylesync.HistoryItem, 0, len(state.History))
	items = append(items, state.History...)
	for _, group := range state.Styling {
		items = append(items, group...)
	}
	return items
}
