// Package localstore is the durable, synchronous-feeling cache local to a
// running session. It holds the last-known-good snapshot of every entity
// keyed by id, plus the dirty flag that marks entities with unsynced local
// changes for the session-start sweep.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	doc          TEXT NOT NULL,
	sync_version INTEGER NOT NULL DEFAULT 0,
	updated_at   TEXT NOT NULL,
	dirty        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_entities_dirty ON entities(dirty) WHERE dirty = 1;
`

// Open opens or creates the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: store path is required", stylesync.ErrInvalidInput)
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create local store dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure local store: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a snapshot. dirty marks the entity as having local changes not
// yet acknowledged by the remote store.
func (s *Store) Put(ctx context.Context, snap stylesync.Snapshot, dirty bool) error {
	if snap.ID == "" || !snap.Kind.Valid() {
		return fmt.Errorf("%w: snapshot needs id and kind", stylesync.ErrInvalidInput)
	}
	doc, err := json.Marshal(snap.Doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.ID, err)
	}
	flag := 0
	if dirty {
		flag = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, doc, sync_version, updated_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			doc = excluded.doc,
			sync_version = excluded.sync_version,
			updated_at = excluded.updated_at,
			dirty = excluded.dirty`,
		snap.ID, string(snap.Kind), string(doc), snap.SyncVersion,
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano), flag)
	if err != nil {
		return fmt.Errorf("put %s: %w", snap.ID, err)
	}
	return nil
}

// Get returns the stored snapshot, or stylesync.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (stylesync.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, doc, sync_version, updated_at FROM entities WHERE id = ?`, id)
	var (
		kind, doc, updatedAt string
		version              int64
	)
	if err := row.Scan(&kind, &doc, &version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stylesync.Snapshot{}, fmt.Errorf("%w: %s", stylesync.ErrNotFound, id)
		}
		return stylesync.Snapshot{}, fmt.Errorf("get %s: %w", id, err)
	}
	return decodeRow(id, kind, doc, version, updatedAt)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// SetDirty flips the unsynced flag without touching the snapshot.
func (s *Store) SetDirty(ctx context.Context, id string, dirty bool) error {
	flag := 0
	if dirty {
		flag = 1
	}
	result, err := s.db.ExecContext(ctx, `UPDATE entities SET dirty = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("mark %s: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", stylesync.ErrNotFound, id)
	}
	return nil
}

// IsDirty reports whether an entity has unsynced local changes.
func (s *Store) IsDirty(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT dirty FROM entities WHERE id = ?`, id)
	var flag int
	if err := row.Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", stylesync.ErrNotFound, id)
		}
		return false, fmt.Errorf("check %s: %w", id, err)
	}
	return flag != 0, nil
}

// DirtyIDs lists entities with unsynced local changes, oldest first. Used
// by the session-start sweep to re-enqueue writes left behind by a failed
// push or an ended session.
func (s *Store) DirtyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM entities WHERE dirty = 1 ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list dirty: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListKind returns every snapshot of one kind.
func (s *Store) ListKind(ctx context.Context, kind stylesync.Kind) ([]stylesync.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc, sync_version, updated_at FROM entities WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()
	var out []stylesync.Snapshot
	for rows.Next() {
		var (
			id, doc, updatedAt string
			version            int64
		)
		if err := rows.Scan(&id, &doc, &version, &updatedAt); err != nil {
			return nil, err
		}
		snap, err := decodeRow(id, string(kind), doc, version, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func decodeRow(id, kind, doc string, version int64, updatedAt string) (stylesync.Snapshot, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return stylesync.Snapshot{}, fmt.Errorf("decode %s: %w", id, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return stylesync.Snapshot{}, fmt.Errorf("decode %s timestamp: %w", id, err)
	}
	return stylesync.Snapshot{
		ID:          id,
		Kind:        stylesync.Kind(kind),
		SyncVersion: version,
		UpdatedAt:   ts,
		Doc:         parsed,
	}, nil
}
