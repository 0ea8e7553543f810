package remotestore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

// Factory builds a Store for a DSN. Extra backends can be registered by
// scheme without touching this package.
type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[normalizeScheme(scheme)]
	return factory, ok
}

// BuildFromDSN selects a backend by DSN scheme:
//
//	memory://                    in-process store
//	postgres://user@host/db      Postgres with LISTEN/NOTIFY push
//	https://host?token=...       hosted service with websocket push
func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: remote dsn: %v", stylesync.ErrInvalidInput, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "http", "https":
		token := parsed.Query().Get("token")
		query := parsed.Query()
		query.Del("token")
		parsed.RawQuery = query.Encode()
		return NewHTTPStore(parsed.String(), token, nil), nil
	default:
		return nil, fmt.Errorf("%w: unsupported remote scheme %q", stylesync.ErrInvalidInput, scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
