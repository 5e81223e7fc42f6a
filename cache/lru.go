package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// LRUCache is a size bounded in-memory provider.
// It keeps no tag index, so it is not a TagProvider: clearing a tag
// through ClearTag flushes the whole namespace and reports ErrTagsUnsupported.
type LRUCache struct {
	lruCache  *lru.Cache
	namespace string
	Now       func() time.Time
}

var (
	_ CacheProvider = (*LRUCache)(nil)
	_ Purger        = (*LRUCache)(nil)
)

func NewLRUCache(size int, namespace string) (*LRUCache, error) {
	lruCache, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrapf(err, "lru: create cache of size %d", size)
	}
	return &LRUCache{
		lruCache:  lruCache,
		namespace: namespaceOrDefault(namespace),
		Now:       time.Now,
	}, nil
}

func (a *LRUCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	value, ok := a.lruCache.Get(key)
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry, ok := value.(CacheEntry)
	if !ok {
		a.lruCache.Remove(key)
		return CacheEntry{}, false, nil
	}
	if entry.Expired(a.Now()) {
		a.lruCache.Remove(key)
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (a *LRUCache) Put(ctx context.Context, entry CacheEntry) error {
	entry.Tags = uniqueTags(entry.Tags)
	a.lruCache.Add(entry.Key, entry)
	return nil
}

func (a *LRUCache) Forget(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		a.lruCache.Remove(key)
	}
	return nil
}

func (a *LRUCache) Flush(ctx context.Context) error {
	for _, k := range a.lruCache.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, a.namespace) {
			a.lruCache.Remove(key)
		}
	}
	return nil
}

func (a *LRUCache) PurgeExpired(ctx context.Context) (int, error) {
	now := a.Now()
	purged := 0
	for _, k := range a.lruCache.Keys() {
		value, ok := a.lruCache.Peek(k)
		if !ok {
			continue
		}
		if entry, ok := value.(CacheEntry); ok && entry.Expired(now) {
			a.lruCache.Remove(k)
			purged++
		}
	}
	return purged, nil
}

// Len returns the number of stored entries.
func (a *LRUCache) Len() int {
	return a.lruCache.Len()
}
