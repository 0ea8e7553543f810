// Package syncengine coordinates the replication pipeline: it owns the
// local store, schedules debounced pushes to the remote store, folds
// remote-origin changes back in through the merge engine, and ties the
// whole thing to an explicit session lifecycle.
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

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

const (
	defaultDebounce     = 3 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Coordinator is the write queue: it accepts "entity changed" events,
// absorbs bursts into one remote write per debounce window, and guarantees
// at most one in-flight remote write per entity. Failed writes leave the
// entity dirty in the local store; there is no automatic retry loop, the
// next mutation or the next session start picks the entity up again.
type Coordinator struct {
	local        *localstore.Store
	remote       remotestore.Store
	gate         *stylesync.Gate
	logger       Logger
	debounce     time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*queueEntry
	closed  bool
	wg      sync.WaitGroup
}

// queueEntry exists only while a write is pending or executing.
type queueEntry struct {
	timer    *time.Timer
	pending  bool
	inFlight bool
	flushing bool
	rerun    bool
	done     chan struct{}
}

func newCoordinator(local *localstore.Store, remote remotestore.Store, gate *stylesync.Gate, logger Logger, debounce, writeTimeout time.Duration, now func() time.Time) *Coordinator {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		local:        local,
		remote:       remote,
		gate:         gate,
		logger:       logger,
		debounce:     debounce,
		writeTimeout: writeTimeout,
		now:          now,
		entries:      map[string]*queueEntry{},
	}
}

// Notify records that an entity changed. Idle entities start a debounce
// timer; a mutation during an in-flight write re-queues the entity instead
// of dispatching a second concurrent write.
func (c *Coordinator) Notify(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	entry := c.entryLocked(id)
	if entry.inFlight {
		entry.rerun = true
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.pending = true
	entry.timer = time.AfterFunc(c.debounce, func() { c.fire(id) })
}

func (c *Coordinator) fire(id string) {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	if entry.inFlight {
		// A force flush claimed the slot first; run again afterwards.
		entry.rerun = true
		c.mu.Unlock()
		return
	}
	entry.pending = false
	entry.timer = nil
	entry.inFlight = true
	entry.done = make(chan struct{})
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		err := c.push(ctx, id)
		cancel()
		c.land(id, err, false)
	}()
}

// push dispatches one remote write. It re-reads the freshest local
// snapshot, so the write reflects every mutation coalesced into this
// window, then runs the validation gate, then writes.
func (c *Coordinator) push(ctx context.Context, id string) error {
	snap, err := c.local.Get(ctx, id)
	if err != nil {
		if errors.Is(err, stylesync.ErrNotFound) {
			// Deleted while pending; nothing to write.
			return nil
		}
		return err
	}
	if err := c.gate.Validate(snap); err != nil {
		return err
	}
	if err := c.remote.Write(ctx, snap); err != nil {
		return err
	}
	if err := c.mirrorStyling(ctx, snap); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// The session ended mid-flight; the write completed but its
		// result is discarded, so the entity stays dirty.
		return nil
	}
	if err := c.local.SetDirty(ctx, id, false); err != nil && !errors.Is(err, stylesync.ErrNotFound) {
		return err
	}
	return nil
}

// mirrorStyling keeps the remote-only per-root sub-collection in step with
// the styling map on a project-state document.
func (c *Coordinator) mirrorStyling(ctx context.Context, snap stylesync.Snapshot) error {
	if snap.Kind != stylesync.KindProjectState {
		return nil
	}
	var state stylesync.ProjectState
	if err := stylesync.DecodeDoc(snap.Doc, &state); err != nil {
		return fmt.Errorf("%w: %v", stylesync.ErrMalformedEntity, err)
	}
	for rootID, items := range state.Styling {
		if err := c.remote.WriteStyling(ctx, state.ProjectID, rootID, items); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) land(id string, err error, flush bool) {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.inFlight = false
	if flush {
		entry.flushing = false
	}
	if entry.done != nil {
		close(entry.done)
		entry.done = nil
	}
	rerun := entry.rerun
	entry.rerun = false
	if err != nil {
		c.logger.Printf("sync %s failed, left unsynced for retry: %v", id, err)
	}
	if rerun && !c.closed {
		entry.pending = true
		entry.timer = time.AfterFunc(c.debounce, func() { c.fire(id) })
	}
	if !entry.pending && !entry.inFlight {
		delete(c.entries, id)
	}
	c.mu.Unlock()
}

// ForceFlush pushes an entity immediately, bypassing the debounce window.
// It still honors the single-flight guarantee: a regular write already in
// flight is waited out first. A flush already running for the same entity
// makes this call a no-op. Unlike queued writes, the caller receives the
// remote error directly.
func (c *Coordinator) ForceFlush(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: entity id", stylesync.ErrInvalidInput)
	}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return stylesync.ErrSessionClosed
		}
		entry := c.entryLocked(id)
		if entry.flushing {
			c.mu.Unlock()
			return nil
		}
		if entry.inFlight {
			done := entry.done
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.pending = false
		entry.inFlight = true
		entry.flushing = true
		entry.done = make(chan struct{})
		c.mu.Unlock()

		err := c.push(ctx, id)
		c.land(id, err, true)
		return err
	}
}

// CancelAll drains every pending debounce timer without executing its
// write. In-flight writes cannot be cancelled; they complete and their
// results are discarded once the coordinator is closed.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.pending = false
		entry.rerun = false
		if !entry.inFlight {
			delete(c.entries, id)
		}
	}
}

// Cancel drops any pending write for one entity, used when the entity is
// deleted locally.
func (c *Coordinator) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.pending = false
	entry.rerun = false
	if !entry.inFlight {
		delete(c.entries, id)
	}
}

// Close cancels pending work and waits for in-flight writes to land.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, entry := range c.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.pending = false
		entry.rerun = false
		if !entry.inFlight {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) entryLocked(id string) *queueEntry {
	entry, ok := c.entries[id]
	if !ok {
		entry = &queueEntry{}
		c.entries[id] = entry
	}
	return entry
}

// pendingCount reports entities with a timer or flight outstanding.
func (c *Coordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
