package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

const (
	postgresEntityTable      = "stylesync_entities"
	postgresStylingTable     = "stylesync_styling"
	postgresEntityChannel    = "stylesync_entity_changes"
	postgresStylingChannel   = "stylesync_styling_changes"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the Postgres remote backend. Change notifications ride
// on LISTEN/NOTIFY: every write or delete issues pg_notify on a shared
// channel and one listener per store fans the payload out to per-entity
// subscribers.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu          sync.Mutex
	listener    *pq.Listener
	subs        map[string]map[int]EventFunc
	stylingSubs map[string]map[int]EventFunc
	subCounter  int
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

type pgChangePayload struct {
	ID        string `json:"id,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	RootID    string `json:"rootId,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", stylesync.ErrInvalidInput)
	}
	return &PostgresStore{
		dsn:         dsn,
		openDB:      sql.Open,
		subs:        map[string]map[int]EventFunc{},
		stylingSubs: map[string]map[int]EventFunc{},
		done:        make(chan struct{}),
	}, nil
}

func (p *PostgresStore) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = mapPostgresError(err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					doc TEXT NOT NULL,
					sync_version BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, pq.QuoteIdentifier(postgresEntityTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					project_id TEXT NOT NULL,
					root_id TEXT NOT NULL,
					item_id TEXT NOT NULL,
					doc TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (project_id, root_id, item_id)
				)`, pq.QuoteIdentifier(postgresStylingTable)),
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = mapPostgresError(err)
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresStore) Read(ctx context.Context, id string) (stylesync.Snapshot, error) {
	if err := p.ensureReady(); err != nil {
		return stylesync.Snapshot{}, err
	}
	query := fmt.Sprintf(
		"SELECT kind, doc, sync_version, updated_at FROM %s WHERE id = $1",
		pq.QuoteIdentifier(postgresEntityTable))
	var (
		kind, doc string
		version   int64
		updatedAt time.Time
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(&kind, &doc, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return stylesync.Snapshot{}, fmt.Errorf("%w: %s", stylesync.ErrNotFound, id)
	}
	if err != nil {
		return stylesync.Snapshot{}, mapPostgresError(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return stylesync.Snapshot{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return stylesync.Snapshot{
		ID:          id,
		Kind:        stylesync.Kind(kind),
		SyncVersion: version,
		UpdatedAt:   updatedAt.UTC(),
		Doc:         parsed,
	}, nil
}

func (p *PostgresStore) Write(ctx context.Context, snap stylesync.Snapshot) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	doc, err := json.Marshal(snap.Doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.ID, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, doc, sync_version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			doc = EXCLUDED.doc,
			sync_version = EXCLUDED.sync_version,
			updated_at = EXCLUDED.updated_at`,
		pq.QuoteIdentifier(postgresEntityTable))
	if _, err := p.db.ExecContext(ctx, query, snap.ID, string(snap.Kind), string(doc), snap.SyncVersion, snap.UpdatedAt.UTC()); err != nil {
		return mapPostgresError(err)
	}
	return p.notify(ctx, postgresEntityChannel, pgChangePayload{ID: snap.ID})
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", pq.QuoteIdentifier(postgresEntityTable))
	if _, err := p.db.ExecContext(ctx, query, id); err != nil {
		return mapPostgresError(err)
	}
	return p.notify(ctx, postgresEntityChannel, pgChangePayload{ID: id, Deleted: true})
}

func (p *PostgresStore) ReadStyling(ctx context.Context, projectID, rootID string) ([]stylesync.HistoryItem, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT doc FROM %s WHERE project_id = $1 AND root_id = $2 ORDER BY item_id",
		pq.QuoteIdentifier(postgresStylingTable))
	rows, err := p.db.QueryContext(ctx, query, projectID, rootID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	var items []stylesync.HistoryItem
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item stylesync.HistoryItem
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, fmt.Errorf("decode styling item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	stylesync.SortByCreation(items)
	return items, nil
}

func (p *PostgresStore) WriteStyling(ctx context.Context, projectID, rootID string, items []stylesync.HistoryItem) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPostgresError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	upsert := fmt.Sprintf(`
		INSERT INTO %s (project_id, root_id, item_id, doc, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (project_id, root_id, item_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		pq.QuoteIdentifier(postgresStylingTable))
	for _, item := range items {
		doc, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode styling item %s: %w", item.ID, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, projectID, rootID, item.ID, string(doc)); err != nil {
			return mapPostgresError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapPostgresError(err)
	}
	committed = true
	return p.notify(ctx, postgresStylingChannel, pgChangePayload{ProjectID: projectID, RootID: rootID})
}

func (p *PostgresStore) DeleteStylingItem(ctx context.Context, projectID, rootID, itemID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE project_id = $1 AND root_id = $2 AND item_id = $3",
		pq.QuoteIdentifier(postgresStylingTable))
	if _, err := p.db.ExecContext(ctx, query, projectID, rootID, itemID); err != nil {
		return mapPostgresError(err)
	}
	return p.notify(ctx, postgresStylingChannel, pgChangePayload{ProjectID: projectID, RootID: rootID})
}

func (p *PostgresStore) DeleteStylingRoot(ctx context.Context, projectID, rootID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE project_id = $1 AND root_id = $2",
		pq.QuoteIdentifier(postgresStylingTable))
	if _, err := p.db.ExecContext(ctx, query, projectID, rootID); err != nil {
		return mapPostgresError(err)
	}
	return p.notify(ctx, postgresStylingChannel, pgChangePayload{ProjectID: projectID, RootID: rootID, Deleted: true})
}

func (p *PostgresStore) ListStylingRoots(ctx context.Context, projectID string) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT DISTINCT root_id FROM %s WHERE project_id = $1 ORDER BY root_id",
		pq.QuoteIdentifier(postgresStylingTable))
	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	var roots []string
	for rows.Next() {
		var rootID string
		if err := rows.Scan(&rootID); err != nil {
			return nil, err
		}
		roots = append(roots, rootID)
	}
	return roots, rows.Err()
}

func (p *PostgresStore) Subscribe(ctx context.Context, entityID string, fn EventFunc) (CancelFunc, error) {
	return p.addSubscriber(entityID, fn, false)
}

func (p *PostgresStore) SubscribeStyling(ctx context.Context, projectID, rootID string, fn EventFunc) (CancelFunc, error) {
	return p.addSubscriber(stylingKey(projectID, rootID), fn, true)
}

func (p *PostgresStore) addSubscriber(key string, fn EventFunc, styling bool) (CancelFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil event func", stylesync.ErrInvalidInput)
	}
	if err := p.ensureListener(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, stylesync.ErrSessionClosed
	}
	registry := p.subs
	if styling {
		registry = p.stylingSubs
	}
	if registry[key] == nil {
		registry[key] = map[int]EventFunc{}
	}
	p.subCounter++
	token := p.subCounter
	registry[key][token] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(registry[key], token)
			p.mu.Unlock()
		})
	}, nil
}

func (p *PostgresStore) ensureListener() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return stylesync.ErrSessionClosed
	}
	if p.listener != nil {
		return nil
	}
	listener := pq.NewListener(p.dsn, 2*time.Second, time.Minute, nil)
	for _, channel := range []string{postgresEntityChannel, postgresStylingChannel} {
		if err := listener.Listen(channel); err != nil {
			_ = listener.Close()
			return mapPostgresError(err)
		}
	}
	p.listener = listener
	p.wg.Add(1)
	go p.listenLoop(listener)
	return nil
}

func (p *PostgresStore) listenLoop(listener *pq.Listener) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case notification, ok := <-listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				// Reconnect marker from pq; nothing to dispatch.
				continue
			}
			p.handleNotification(notification.Channel, notification.Extra)
		}
	}
}

func (p *PostgresStore) handleNotification(channel, payload string) {
	var change pgChangePayload
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return
	}
	now := time.Now().UTC()
	switch channel {
	case postgresEntityChannel:
		p.mu.Lock()
		fns := collectFuncs(p.subs[change.ID])
		p.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		event := Event{Type: EventDeleted, EntityID: change.ID, Timestamp: now}
		if !change.Deleted {
			ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
			snap, err := p.Read(ctx, change.ID)
			cancel()
			if err != nil {
				if !errors.Is(err, stylesync.ErrNotFound) {
					return
				}
			} else {
				event = Event{Type: EventUpdated, EntityID: change.ID, Snapshot: &snap, Timestamp: now}
			}
		}
		dispatch(fns, event)
	case postgresStylingChannel:
		p.mu.Lock()
		fns := collectFuncs(p.stylingSubs[stylingKey(change.ProjectID, change.RootID)])
		p.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		eventType := EventUpdated
		if change.Deleted {
			eventType = EventDeleted
		}
		dispatch(fns, Event{Type: eventType, EntityID: change.RootID, Timestamp: now})
	}
}

func (p *PostgresStore) notify(ctx context.Context, channel string, change pgChangePayload) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return mapPostgresError(err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	listener := p.listener
	p.listener = nil
	close(p.done)
	p.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	p.wg.Wait()
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func collectFuncs(registry map[int]EventFunc) []EventFunc {
	fns := make([]EventFunc, 0, len(registry))
	for _, fn := range registry {
		fns = append(fns, fn)
	}
	return fns
}

// mapPostgresError folds driver errors into the engine taxonomy: permission
// failures are fatal for the write, everything else is a transient remote
// outage left for the next mutation to retry.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42501", "28000", "28P01":
			return fmt.Errorf("%w: %s", stylesync.ErrPermissionDenied, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", stylesync.ErrRemoteUnavailable, err)
}
