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

const defaultConflictWindow = 30 * time.Second

// ChangeFunc observes locally applied remote-origin changes.
type ChangeFunc func(stylesync.Snapshot)

// subscription bundles the remote subscriptions serving one Subscribe call:
// the project document, the project-state document and the styling
// partition of one lineage root.
type subscription struct {
	cancels []remotestore.CancelFunc
}

// Manager maintains live per-root subscriptions to the remote store and
// feeds incoming pushes through the merge engine into the local store. A
// leaked subscription is a correctness bug, stale data bleeding across
// project switches, so re-subscribing closes the previous subscription
// first and Teardown closes all of them.
type Manager struct {
	local          *localstore.Store
	remote         remotestore.Store
	logger         Logger
	conflictWindow time.Duration
	now            func() time.Time

	mu     sync.Mutex
	active map[string]*subscription
	closed bool
}

func newManager(local *localstore.Store, remote remotestore.Store, logger Logger, conflictWindow time.Duration, now func() time.Time) *Manager {
	if conflictWindow <= 0 {
		conflictWindow = defaultConflictWindow
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		local:          local,
		remote:         remote,
		logger:         logger,
		conflictWindow: conflictWindow,
		now:            now,
		active:         map[string]*subscription{},
	}
}

// Subscribe opens the remote subscriptions for one project and lineage
// root. Calling it again with the same pair replaces the previous
// subscription without duplicating notifications.
func (m *Manager) Subscribe(ctx context.Context, projectID, rootID string, fn ChangeFunc) (func(), error) {
	if projectID == "" || fn == nil {
		return nil, fmt.Errorf("%w: project id and change func are required", stylesync.ErrInvalidInput)
	}
	key := projectID + "/" + rootID

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, stylesync.ErrSessionClosed
	}
	if existing, ok := m.active[key]; ok {
		existing.close()
		delete(m.active, key)
	}
	m.mu.Unlock()

	sub := &subscription{}
	stateID := stylesync.StateID(projectID)
	entityFn := func(event remotestore.Event) { m.applyEntityEvent(event, fn) }
	for _, entityID := range []string{projectID, stateID} {
		cancel, err := m.remote.Subscribe(ctx, entityID, entityFn)
		if err != nil {
			sub.close()
			return nil, err
		}
		sub.cancels = append(sub.cancels, cancel)
	}
	if rootID != "" {
		cancel, err := m.remote.SubscribeStyling(ctx, projectID, rootID, func(event remotestore.Event) {
			m.applyStylingEvent(projectID, rootID, event, fn)
		})
		if err != nil {
			sub.close()
			return nil, err
		}
		sub.cancels = append(sub.cancels, cancel)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.close()
		return nil, stylesync.ErrSessionClosed
	}
	m.active[key] = sub
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.active[key] == sub {
				delete(m.active, key)
			}
			m.mu.Unlock()
			sub.close()
		})
	}, nil
}

// applyEntityEvent folds one remote-origin document change into the local
// store. The merge engine is the only permitted point of reconciliation:
// the incoming snapshot never overwrites local state directly.
func (m *Manager) applyEntityEvent(event remotestore.Event, fn ChangeFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	if event.Type == remotestore.EventDeleted {
		if err := m.local.Delete(ctx, event.EntityID); err != nil {
			m.logger.Printf("apply remote delete %s: %v", event.EntityID, err)
			return
		}
		fn(stylesync.Snapshot{ID: event.EntityID})
		return
	}
	if event.Snapshot == nil {
		return
	}
	remote := *event.Snapshot

	local, err := m.local.Get(ctx, event.EntityID)
	if err != nil {
		if !errors.Is(err, stylesync.ErrNotFound) {
			m.logger.Printf("apply remote change %s: %v", event.EntityID, err)
			return
		}
		// First sighting on this device; the remote snapshot is the truth.
		if err := m.local.Put(ctx, remote, false); err != nil {
			m.logger.Printf("apply remote change %s: %v", event.EntityID, err)
			return
		}
		fn(remote)
		return
	}

	for _, conflict := range stylesync.DetectConflicts(local, remote, m.conflictWindow, m.now().UTC()) {
		m.logger.Printf("conflict on %s field %s: local=%v remote=%v", event.EntityID, conflict.Field, conflict.Local, conflict.Remote)
	}
	merged := stylesync.Merge(local, remote, stylesync.Smart)
	// A version above the remote one means the merge kept local-only
	// changes, so the entity still needs a push.
	dirty := merged.SyncVersion > remote.SyncVersion
	if err := m.local.Put(ctx, merged, dirty); err != nil {
		m.logger.Printf("apply remote change %s: %v", event.EntityID, err)
		return
	}
	fn(merged)
}

// applyStylingEvent refreshes the styling partition of one root from the
// remote sub-collection and folds it into the local project-state document.
func (m *Manager) applyStylingEvent(projectID, rootID string, event remotestore.Event, fn ChangeFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	stateID := stylesync.StateID(projectID)
	snap, err := m.local.Get(ctx, stateID)
	if err != nil {
		if !errors.Is(err, stylesync.ErrNotFound) {
			m.logger.Printf("apply styling change %s/%s: %v", projectID, rootID, err)
		}
		return
	}
	var state stylesync.ProjectState
	if err := stylesync.DecodeDoc(snap.Doc, &state); err != nil {
		m.logger.Printf("apply styling change %s/%s: %v", projectID, rootID, err)
		return
	}

	if event.Type == remotestore.EventDeleted {
		delete(state.Styling, rootID)
	} else {
		items, err := m.remote.ReadStyling(ctx, projectID, rootID)
		if err != nil {
			m.logger.Printf("read styling %s/%s: %v", projectID, rootID, err)
			return
		}
		stylesync.Partition(&state, rootID, items)
	}

	doc, err := stylesync.EncodeDoc(state)
	if err != nil {
		m.logger.Printf("apply styling change %s/%s: %v", projectID, rootID, err)
		return
	}
	snap.Doc = doc
	if err := m.local.Put(ctx, snap, false); err != nil {
		m.logger.Printf("apply styling change %s/%s: %v", projectID, rootID, err)
		return
	}
	fn(snap)
}

// CloseAll tears down every live subscription.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.active))
	for _, sub := range m.active {
		subs = append(subs, sub)
	}
	m.active = map[string]*subscription{}
	m.closed = true
	m.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscription) close() {
	for _, cancel := range s.cancels {
		cancel()
	}
}

// activeCount reports live subscription bundles; tests use it to prove
// project switches do not leak.
func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
