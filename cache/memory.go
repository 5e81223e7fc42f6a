package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemCache is a map backed provider with a tag index.
// Expired entries are dropped lazily on Get and actively by PurgeExpired.
type MemCache struct {
	mutex     *sync.RWMutex
	db        map[string]CacheEntry
	tags      map[string]map[string]struct{}
	namespace string
	// Now is the clock used for expiry.
	Now func() time.Time
}

var (
	_ CacheProvider = (*MemCache)(nil)
	_ TagProvider   = (*MemCache)(nil)
	_ Purger        = (*MemCache)(nil)
)

func NewMemCache(namespace string) *MemCache {
	return &MemCache{
		mutex:     &sync.RWMutex{},
		db:        make(map[string]CacheEntry),
		tags:      make(map[string]map[string]struct{}),
		namespace: namespaceOrDefault(namespace),
		Now:       time.Now,
	}
}

func (m *MemCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	entry, ok := m.db[key]
	m.mutex.RUnlock()
	if !ok {
		return CacheEntry{}, false, nil
	}
	if entry.Expired(m.Now()) {
		m.mutex.Lock()
		if current, ok := m.db[key]; ok && current.Expired(m.Now()) {
			m.remove(key)
		}
		m.mutex.Unlock()
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (m *MemCache) Put(ctx context.Context, entry CacheEntry) error {
	entry.Tags = uniqueTags(entry.Tags)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.remove(entry.Key)
	m.db[entry.Key] = entry
	for _, tag := range entry.Tags {
		keys, ok := m.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tags[tag] = keys
		}
		keys[entry.Key] = struct{}{}
	}
	return nil
}

func (m *MemCache) Forget(ctx context.Context, keys ...string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, key := range keys {
		m.remove(key)
	}
	return nil
}

func (m *MemCache) Flush(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key := range m.db {
		if strings.HasPrefix(key, m.namespace) {
			m.remove(key)
		}
	}
	return nil
}

func (m *MemCache) ClearTag(ctx context.Context, tag string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var tags []string
	if tag == "" {
		for t := range m.tags {
			tags = append(tags, t)
		}
	} else {
		tags = []string{tag}
	}
	for _, t := range tags {
		for key := range m.tags[t] {
			m.remove(key)
		}
	}
	return nil
}

func (m *MemCache) PurgeExpired(ctx context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := m.Now()
	purged := 0
	for key, entry := range m.db {
		if entry.Expired(now) {
			m.remove(key)
			purged++
		}
	}
	return purged, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

// remove deletes key and its tag memberships. The caller holds the write lock.
func (m *MemCache) remove(key string) {
	entry, ok := m.db[key]
	if !ok {
		return
	}
	delete(m.db, key)
	for _, tag := range entry.Tags {
		if keys, ok := m.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.tags, tag)
			}
		}
	}
}
