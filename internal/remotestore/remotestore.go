// Package remotestore defines the authoritative, multi-client-visible store
// and its backends. Writes are asynchronous and may fail or be delayed,
// reads may be stale, and every backend supports per-entity push
// notifications; the engine never polls.
package remotestore

import (
	"context"
	"time"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

// EventType classifies a push notification.
type EventType string

const (
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is one remote-origin change delivered over a subscription.
// Snapshot is nil for deletions.
type Event struct {
	Type      EventType
	EntityID  string
	Snapshot  *stylesync.Snapshot
	Timestamp time.Time
}

type EventFunc func(Event)

// CancelFunc closes one subscription. Safe to call more than once.
type CancelFunc func()

// Store is the remote side of the replication pipeline. Entity documents
// live in one keyspace; the styling partition of each lineage root lives in
// a remote-only per-root sub-collection that mirrors the styling map on the
// project-state document.
type Store interface {
	Read(ctx context.Context, id string) (stylesync.Snapshot, error)
	Write(ctx context.Context, snap stylesync.Snapshot) error
	Delete(ctx context.Context, id string) error

	ReadStyling(ctx context.Context, projectID, rootID string) ([]stylesync.HistoryItem, error)
	WriteStyling(ctx context.Context, projectID, rootID string, items []stylesync.HistoryItem) error
	DeleteStylingItem(ctx context.Context, projectID, rootID, itemID string) error
	DeleteStylingRoot(ctx context.Context, projectID, rootID string) error
	// ListStylingRoots exposes the sub-collection keys so the engine can
	// reconcile orphaned remote roots whose local counterpart was deleted.
	ListStylingRoots(ctx context.Context, projectID string) ([]string, error)

	Subscribe(ctx context.Context, entityID string, fn EventFunc) (CancelFunc, error)
	SubscribeStyling(ctx context.Context, projectID, rootID string, fn EventFunc) (CancelFunc, error)

	Close() error
}
