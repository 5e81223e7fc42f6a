package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTagsUnsupported is returned when a tag-scoped clear had to fall back to a full flush.
	ErrTagsUnsupported = errors.New("cache: provider does not support tags")
	ErrNilProvider     = errors.New("cache: provider is nil")
)

// DefaultNamespace is the key prefix owned by this caching layer.
// It matches the prefix of the default key hasher.
const DefaultNamespace = "responsecache-"

// CacheProvider is an interface for a cache provider.
// It stores and retrieves serialized HTTP responses together with their
// expiration time and group tags.
// Keys are namespaced so that the store can be shared with unrelated data:
// Flush only removes keys inside the namespace.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the entry for the given key.
	// The boolean is false if the entry was never stored, was removed or has expired.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Put stores or overwrites the entry under entry.Key.
	Put(ctx context.Context, entry CacheEntry) error
	// Forget removes the given keys. Absent keys are ignored.
	Forget(ctx context.Context, keys ...string) error
	// Flush removes every entry in the namespace.
	Flush(ctx context.Context) error
}

// TagProvider is implemented by providers that keep a tag to key index.
type TagProvider interface {
	// ClearTag removes all entries carrying tag, or all tagged entries if tag is empty.
	// Untagged entries are never affected.
	ClearTag(ctx context.Context, tag string) error
}

// Purger is implemented by providers that can actively drop expired entries.
type Purger interface {
	// PurgeExpired removes expired entries and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
}

type CacheEntry struct {
	Key string
	// Serialized response.
	Bytes     []byte
	CreatedAt time.Time
	// Zero means the entry never expires.
	Expires time.Time
	Tags    []string
}

// Expired reports whether the entry is past its expiry at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// ClearTag clears tag on p. Providers without a tag index are flushed instead,
// and ErrTagsUnsupported is returned so that the caller knows the scope was widened.
func ClearTag(ctx context.Context, p CacheProvider, tag string) error {
	if p == nil {
		return ErrNilProvider
	}
	if tp, ok := p.(TagProvider); ok {
		return tp.ClearTag(ctx, tag)
	}
	if err := p.Flush(ctx); err != nil {
		return err
	}
	return ErrTagsUnsupported
}

func namespaceOrDefault(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

func uniqueTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
