package remotestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

// MemoryStore is the in-process backend: the default for tests and for
// single-device runs without a configured remote. It delivers notifications
// synchronously on the mutating goroutine.
type MemoryStore struct {
	mu          sync.Mutex
	entities    map[string]stylesync.Snapshot
	styling     map[string]map[string][]stylesync.HistoryItem
	subs        map[string]map[int]EventFunc
	stylingSubs map[string]map[int]EventFunc
	subCounter  int
	closed      bool

	// FailWrites simulates an unavailable remote when set.
	FailWrites error
	// WriteDelay slows writes down so tests can race mutations against an
	// in-flight push.
	WriteDelay time.Duration
	// WriteCount counts accepted entity writes.
	WriteCount int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:    map[string]stylesync.Snapshot{},
		styling:     map[string]map[string][]stylesync.HistoryItem{},
		subs:        map[string]map[int]EventFunc{},
		stylingSubs: map[string]map[int]EventFunc{},
	}
}

func (m *MemoryStore) Read(ctx context.Context, id string) (stylesync.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.entities[id]
	if !ok {
		return stylesync.Snapshot{}, fmt.Errorf("%w: %s", stylesync.ErrNotFound, id)
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) Write(ctx context.Context, snap stylesync.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("%w: snapshot id", stylesync.ErrInvalidInput)
	}
	m.mu.Lock()
	delay, failure := m.WriteDelay, m.FailWrites
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if failure != nil {
		return failure
	}
	m.mu.Lock()
	m.entities[snap.ID] = snap.Clone()
	m.WriteCount++
	fns := m.subscribersLocked(m.subs, snap.ID)
	m.mu.Unlock()
	clone := snap.Clone()
	dispatch(fns, Event{Type: EventUpdated, EntityID: snap.ID, Snapshot: &clone, Timestamp: time.Now().UTC()})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.entities, id)
	fns := m.subscribersLocked(m.subs, id)
	m.mu.Unlock()
	dispatch(fns, Event{Type: EventDeleted, EntityID: id, Timestamp: time.Now().UTC()})
	return nil
}

func (m *MemoryStore) ReadStyling(ctx context.Context, projectID, rootID string) ([]stylesync.HistoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.styling[projectID][rootID]
	return append([]stylesync.HistoryItem(nil), items...), nil
}

func (m *MemoryStore) WriteStyling(ctx context.Context, projectID, rootID string, items []stylesync.HistoryItem) error {
	m.mu.Lock()
	if m.styling[projectID] == nil {
		m.styling[projectID] = map[string][]stylesync.HistoryItem{}
	}
	m.styling[projectID][rootID] = append([]stylesync.HistoryItem(nil), items...)
	fns := m.subscribersLocked(m.stylingSubs, stylingKey(projectID, rootID))
	m.mu.Unlock()
	dispatch(fns, Event{Type: EventUpdated, EntityID: rootID, Timestamp: time.Now().UTC()})
	return nil
}

func (m *MemoryStore) DeleteStylingItem(ctx context.Context, projectID, rootID, itemID string) error {
	m.mu.Lock()
	items := m.styling[projectID][rootID]
	filtered := items[:0]
	for _, item := range items {
		if item.ID != itemID {
			filtered = append(filtered, item)
		}
	}
	if len(filtered) == 0 {
		delete(m.styling[projectID], rootID)
	} else {
		m.styling[projectID][rootID] = filtered
	}
	fns := m.subscribersLocked(m.stylingSubs, stylingKey(projectID, rootID))
	m.mu.Unlock()
	dispatch(fns, Event{Type: EventUpdated, EntityID: rootID, Timestamp: time.Now().UTC()})
	return nil
}

func (m *MemoryStore) DeleteStylingRoot(ctx context.Context, projectID, rootID string) error {
	m.mu.Lock()
	delete(m.styling[projectID], rootID)
	fns := m.subscribersLocked(m.stylingSubs, stylingKey(projectID, rootID))
	m.mu.Unlock()
	dispatch(fns, Event{Type: EventDeleted, EntityID: rootID, Timestamp: time.Now().UTC()})
	return nil
}

func (m *MemoryStore) ListStylingRoots(ctx context.Context, projectID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := make([]string, 0, len(m.styling[projectID]))
	for rootID := range m.styling[projectID] {
		roots = append(roots, rootID)
	}
	sort.Strings(roots)
	return roots, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, entityID string, fn EventFunc) (CancelFunc, error) {
	return m.addSubscriber(m.subs, entityID, fn)
}

func (m *MemoryStore) SubscribeStyling(ctx context.Context, projectID, rootID string, fn EventFunc) (CancelFunc, error) {
	return m.addSubscriber(m.stylingSubs, stylingKey(projectID, rootID), fn)
}

func (m *MemoryStore) addSubscriber(registry map[string]map[int]EventFunc, key string, fn EventFunc) (CancelFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil event func", stylesync.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, stylesync.ErrSessionClosed
	}
	if registry[key] == nil {
		registry[key] = map[int]EventFunc{}
	}
	m.subCounter++
	token := m.subCounter
	registry[key][token] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(registry[key], token)
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = map[string]map[int]EventFunc{}
	m.stylingSubs = map[string]map[int]EventFunc{}
	return nil
}

// Writes reports accepted entity writes; tests use it to prove debounce
// coalescing.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WriteCount
}

// SubscriberCount reports live subscriptions for one entity id; tests use
// it to prove re-subscribes do not leak.
func (m *MemoryStore) SubscriberCount(entityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[entityID])
}

func (m *MemoryStore) subscribersLocked(registry map[string]map[int]EventFunc, key string) []EventFunc {
	fns := make([]EventFunc, 0, len(registry[key]))
	for _, fn := range registry[key] {
		fns = append(fns, fn)
	}
	return fns
}

func dispatch(fns []EventFunc, event Event) {
	for _, fn := range fns {
		fn(event)
	}
}

func stylingKey(projectID, rootID string) string {
	return projectID + "/" + rootID
}
