package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

// HTTPStore talks to a hosted sync service. Reads and writes go over plain
// JSON endpoints with a bounded retry policy; push notifications arrive on
// one websocket event stream shared by all subscriptions, reconnected with
// backoff when it drops.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu          sync.Mutex
	subs        map[string]map[int]EventFunc
	stylingSubs map[string]map[int]EventFunc
	subCounter  int
	streamStop  context.CancelFunc
	closed      bool
	wg          sync.WaitGroup
}

type wireEvent struct {
	Scope     string `json:"scope"`
	Type      string `json:"type"`
	EntityID  string `json:"entityId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	RootID    string `json:"rootId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func NewHTTPStore(baseURL, token string, httpClient *http.Client) *HTTPStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStore{
		baseURL:     baseURL,
		token:       strings.TrimSpace(token),
		httpClient:  httpClient,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
		subs:        map[string]map[int]EventFunc{},
		stylingSubs: map[string]map[int]EventFunc{},
	}
}

func (c *HTTPStore) Read(ctx context.Context, id string) (stylesync.Snapshot, error) {
	var out stylesync.Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *HTTPStore) Write(ctx context.Context, snap stylesync.Snapshot) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/entities/"+url.PathEscape(snap.ID), snap, nil)
}

func (c *HTTPStore) Delete(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/v1/entities/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, stylesync.ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPStore) ReadStyling(ctx context.Context, projectID, rootID string) ([]stylesync.HistoryItem, error) {
	var out struct {
		Items []stylesync.HistoryItem `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.stylingPath(projectID, rootID), nil, &out)
	if errors.Is(err, stylesync.ErrNotFound) {
		return nil, nil
	}
	return out.Items, err
}

func (c *HTTPStore) WriteStyling(ctx context.Context, projectID, rootID string, items []stylesync.HistoryItem) error {
	body := map[string]any{"items": items}
	return c.doJSON(ctx, http.MethodPut, c.stylingPath(projectID, rootID), body, nil)
}

func (c *HTTPStore) DeleteStylingItem(ctx context.Context, projectID, rootID, itemID string) error {
	path := c.stylingPath(projectID, rootID) + "/items/" + url.PathEscape(itemID)
	err := c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, stylesync.ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPStore) DeleteStylingRoot(ctx context.Context, projectID, rootID string) error {
	err := c.doJSON(ctx, http.MethodDelete, c.stylingPath(projectID, rootID), nil, nil)
	if errors.Is(err, stylesync.ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPStore) ListStylingRoots(ctx context.Context, projectID string) ([]string, error) {
	var out struct {
		Roots []string `json:"roots"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(projectID)+"/styling", nil, &out)
	if errors.Is(err, stylesync.ErrNotFound) {
		return nil, nil
	}
	return out.Roots, err
}

func (c *HTTPStore) stylingPath(projectID, rootID string) string {
	return "/v1/projects/" + url.PathEscape(projectID) + "/styling/" + url.PathEscape(rootID)
}

func (c *HTTPStore) Subscribe(ctx context.Context, entityID string, fn EventFunc) (CancelFunc, error) {
	return c.addSubscriber(entityID, fn, false)
}

func (c *HTTPStore) SubscribeStyling(ctx context.Context, projectID, rootID string, fn EventFunc) (CancelFunc, error) {
	return c.addSubscriber(stylingKey(projectID, rootID), fn, true)
}

func (c *HTTPStore) addSubscriber(key string, fn EventFunc, styling bool) (CancelFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil event func", stylesync.ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, stylesync.ErrSessionClosed
	}
	registry := c.subs
	if styling {
		registry = c.stylingSubs
	}
	if registry[key] == nil {
		registry[key] = map[int]EventFunc{}
	}
	c.subCounter++
	token := c.subCounter
	registry[key][token] = fn
	c.ensureStreamLocked()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(registry[key], token)
			c.mu.Unlock()
		})
	}, nil
}

func (c *HTTPStore) ensureStreamLocked() {
	if c.streamStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.streamStop = cancel
	c.wg.Add(1)
	go c.streamLoop(ctx)
}

// streamLoop keeps one websocket open against the event endpoint and fans
// incoming change events out to subscribers, reconnecting with the same
// bounded backoff the JSON calls use.
func (c *HTTPStore) streamLoop(ctx context.Context) {
	defer c.wg.Done()
	attempt := 0
	for ctx.Err() == nil {
		conn, err := c.dialEvents(ctx)
		if err != nil {
			attempt++
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
				return
			}
			continue
		}
		attempt = 0
		c.readEvents(ctx, conn)
	}
}

func (c *HTTPStore) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/events"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *HTTPStore) readEvents(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var wire wireEvent
		if err := wsjson.Read(ctx, conn, &wire); err != nil {
			return
		}
		c.dispatchWire(ctx, wire)
	}
}

func (c *HTTPStore) dispatchWire(ctx context.Context, wire wireEvent) {
	eventType := EventUpdated
	if wire.Type == string(EventDeleted) {
		eventType = EventDeleted
	}
	timestamp := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp); err == nil {
		timestamp = ts
	}
	switch wire.Scope {
	case "styling":
		c.mu.Lock()
		fns := collectFuncs(c.stylingSubs[stylingKey(wire.ProjectID, wire.RootID)])
		c.mu.Unlock()
		dispatch(fns, Event{Type: eventType, EntityID: wire.RootID, Timestamp: timestamp})
	default:
		c.mu.Lock()
		fns := collectFuncs(c.subs[wire.EntityID])
		c.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		event := Event{Type: eventType, EntityID: wire.EntityID, Timestamp: timestamp}
		if eventType == EventUpdated {
			if snap, err := c.Read(ctx, wire.EntityID); err == nil {
				event.Snapshot = &snap
			}
		}
		dispatch(fns, event)
	}
}

func (c *HTTPStore) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop := c.streamStop
	c.subs = map[string]map[int]EventFunc{}
	c.stylingSubs = map[string]map[int]EventFunc{}
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.wg.Wait()
	return nil
}

func (c *HTTPStore) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", stylesync.ErrRemoteUnavailable, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", stylesync.ErrRemoteUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &stylesync.RemoteError{
			Status:  resp.StatusCode,
			Code:    errPayload.Code,
			Message: errPayload.Message,
		}
	}
}

func (c *HTTPStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
