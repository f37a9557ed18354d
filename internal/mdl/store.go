package mdl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Store resolves a deployed MDL by its hash.
type Store interface {
	Get(ctx context.Context, mdlHash string) (*Document, error)
}

// FileStore reads {dir}/{hash}.json. Deployments drop rendered MDL files
// there; the hash in the ask request selects the version.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Get(ctx context.Context, mdlHash string) (*Document, error) {
	if mdlHash == "" {
		return nil, fmt.Errorf("mdl hash is required")
	}
	path := filepath.Join(s.dir, mdlHash+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mdl %s: %w", mdlHash, err)
	}
	return Parse(data)
}

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	doc       *Document
	expiresAt time.Time
}

// Cache wraps a Store with a TTL cache. Concurrent misses for the same hash
// share one underlying fetch via singleflight.
type Cache struct {
	inner Store

	mu    sync.RWMutex
	store map[string]cacheEntry
	sf    singleflight.Group
}

func NewCache(inner Store) *Cache {
	return &Cache{inner: inner, store: make(map[string]cacheEntry)}
}

func (c *Cache) Get(ctx context.Context, mdlHash string) (*Document, error) {
	c.mu.RLock()
	e, ok := c.store[mdlHash]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.doc, nil
	}

	v, err, _ := c.sf.Do(mdlHash, func() (interface{}, error) {
		// Re-check inside singleflight; another goroutine may have filled
		// the entry while we waited to enter.
		c.mu.RLock()
		e, ok := c.store[mdlHash]
		c.mu.RUnlock()
		if ok && time.Now().Before(e.expiresAt) {
			return e.doc, nil
		}

		doc, err := c.inner.Get(ctx, mdlHash)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.store[mdlHash] = cacheEntry{doc: doc, expiresAt: time.Now().Add(cacheTTL)}
		c.mu.Unlock()
		log.Debug().Str("mdl_hash", mdlHash).Int("models", len(doc.Models)).Msg("mdl cached")
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}
