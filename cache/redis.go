package cache

import (
	"context"
	"strings"
	"time"

	redisCache "github.com/go-redis/cache"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// RedisCache stores msgpack encoded entries in a Redis ring.
// Every stored key is recorded in a namespace index set, every tag in a
// per-tag set and every key's tags in a per-key set, so that Flush, ClearTag
// and PurgeExpired never scan the keyspace.
type RedisCache struct {
	ring      *redis.Ring
	store     *redisCache.Codec
	namespace string
	Now       func() time.Time
}

var (
	_ CacheProvider = (*RedisCache)(nil)
	_ TagProvider   = (*RedisCache)(nil)
	_ Purger        = (*RedisCache)(nil)
)

type RedisRingOptions redis.RingOptions

type redisEntry struct {
	Bytes     []byte
	CreatedAt int64
	Expires   int64
	Tags      []string
}

func NewRedisCache(opt *RedisRingOptions, namespace string) *RedisCache {
	ropt := redis.RingOptions(*opt)
	ring := redis.NewRing(&ropt)
	return &RedisCache{
		ring: ring,
		store: &redisCache.Codec{
			Redis: ring,
			Marshal: func(v interface{}) ([]byte, error) {
				return msgpack.Marshal(v)
			},
			Unmarshal: func(b []byte, v interface{}) error {
				return msgpack.Unmarshal(b, v)
			},
		},
		namespace: namespaceOrDefault(namespace),
		Now:       time.Now,
	}
}

// Ping checks that the ring answers.
func (a *RedisCache) Ping() error {
	return errors.Wrap(a.ring.Ping().Err(), "redis: ping")
}

func (a *RedisCache) Close() error {
	return a.ring.Close()
}

func (a *RedisCache) keysIndex() string {
	return a.namespace + "index:keys"
}

func (a *RedisCache) tagsIndex() string {
	return a.namespace + "index:tags"
}

func (a *RedisCache) tagKey(tag string) string {
	return a.namespace + "tag:" + tag
}

func (a *RedisCache) keyTagsKey(key string) string {
	return a.namespace + "keytags:" + key
}

// untag removes key from every tag set it was added to.
func (a *RedisCache) untag(key string) error {
	tags, err := a.ring.SMembers(a.keyTagsKey(key)).Result()
	if err != nil {
		return errors.Wrapf(err, "redis: list tags of %s", key)
	}
	for _, tag := range tags {
		if err := a.ring.SRem(a.tagKey(tag), key).Err(); err != nil {
			return errors.Wrapf(err, "redis: untag %s from %s", key, tag)
		}
	}
	return errors.Wrapf(a.ring.Del(a.keyTagsKey(key)).Err(), "redis: untag %s", key)
}

func (a *RedisCache) get(key string) (redisEntry, bool, error) {
	var e redisEntry
	if err := a.store.Get(key, &e); err != nil {
		if err == redisCache.ErrCacheMiss {
			return e, false, nil
		}
		return e, false, errors.Wrapf(err, "redis: get %s", key)
	}
	return e, true, nil
}

func (a *RedisCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	e, ok, err := a.get(key)
	if !ok || err != nil {
		return CacheEntry{}, false, err
	}
	entry := CacheEntry{
		Key:       key,
		Bytes:     e.Bytes,
		CreatedAt: fromUnixNano(e.CreatedAt),
		Expires:   fromUnixNano(e.Expires),
		Tags:      e.Tags,
	}
	if entry.Expired(a.Now()) {
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (a *RedisCache) Put(ctx context.Context, entry CacheEntry) error {
	var expiration time.Duration = -1
	if !entry.Expires.IsZero() {
		expiration = entry.Expires.Sub(a.Now())
		if expiration <= 0 {
			return nil
		}
		// Redis expiry has second granularity; Get still checks the exact expiry.
		if rem := expiration % time.Second; rem != 0 {
			expiration += time.Second - rem
		}
	}
	tags := uniqueTags(entry.Tags)

	// drop memberships of any earlier entry, expired or forgotten included
	if err := a.untag(entry.Key); err != nil {
		return err
	}

	err := a.store.Set(&redisCache.Item{
		Key: entry.Key,
		Object: redisEntry{
			Bytes:     entry.Bytes,
			CreatedAt: toUnixNano(entry.CreatedAt),
			Expires:   toUnixNano(entry.Expires),
			Tags:      tags,
		},
		Expiration: expiration,
	})
	if err != nil {
		return errors.Wrapf(err, "redis: put %s", entry.Key)
	}
	if strings.HasPrefix(entry.Key, a.namespace) {
		if err := a.ring.SAdd(a.keysIndex(), entry.Key).Err(); err != nil {
			return errors.Wrapf(err, "redis: index %s", entry.Key)
		}
	}
	for _, tag := range tags {
		if err := a.ring.SAdd(a.keyTagsKey(entry.Key), tag).Err(); err != nil {
			return errors.Wrapf(err, "redis: tag %s with %s", entry.Key, tag)
		}
		if err := a.ring.SAdd(a.tagKey(tag), entry.Key).Err(); err != nil {
			return errors.Wrapf(err, "redis: tag %s with %s", entry.Key, tag)
		}
		if err := a.ring.SAdd(a.tagsIndex(), tag).Err(); err != nil {
			return errors.Wrapf(err, "redis: index tag %s", tag)
		}
	}
	return nil
}

func (a *RedisCache) Forget(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := a.store.Delete(key); err != nil && err != redisCache.ErrCacheMiss {
			return errors.Wrapf(err, "redis: forget %s", key)
		}
		if err := a.untag(key); err != nil {
			return err
		}
		if err := a.ring.SRem(a.keysIndex(), key).Err(); err != nil {
			return errors.Wrapf(err, "redis: unindex %s", key)
		}
	}
	return nil
}

func (a *RedisCache) Flush(ctx context.Context) error {
	keys, err := a.ring.SMembers(a.keysIndex()).Result()
	if err != nil {
		return errors.Wrap(err, "redis: list keys")
	}
	tags, err := a.ring.SMembers(a.tagsIndex()).Result()
	if err != nil {
		return errors.Wrap(err, "redis: list tags")
	}
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		seen[key] = true
	}
	for _, tag := range tags {
		members, err := a.ring.SMembers(a.tagKey(tag)).Result()
		if err != nil {
			return errors.Wrapf(err, "redis: list tag %s", tag)
		}
		for _, key := range members {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	doomed := make([]string, 0, 2*len(keys)+len(tags)+2)
	for _, key := range keys {
		doomed = append(doomed, key, a.keyTagsKey(key))
	}
	for _, tag := range tags {
		doomed = append(doomed, a.tagKey(tag))
	}
	doomed = append(doomed, a.tagsIndex(), a.keysIndex())
	return errors.Wrap(a.del(doomed), "redis: flush")
}

func (a *RedisCache) ClearTag(ctx context.Context, tag string) error {
	tags := []string{tag}
	if tag == "" {
		var err error
		if tags, err = a.ring.SMembers(a.tagsIndex()).Result(); err != nil {
			return errors.Wrap(err, "redis: list tags")
		}
	}
	for _, t := range tags {
		keys, err := a.ring.SMembers(a.tagKey(t)).Result()
		if err != nil {
			return errors.Wrapf(err, "redis: list tag %s", t)
		}
		for _, key := range keys {
			if err := a.untag(key); err != nil {
				return err
			}
		}
		if err := a.del(append(keys, a.tagKey(t))); err != nil {
			return errors.Wrapf(err, "redis: clear tag %s", t)
		}
		if len(keys) > 0 {
			members := make([]interface{}, len(keys))
			for i, k := range keys {
				members[i] = k
			}
			if err := a.ring.SRem(a.keysIndex(), members...).Err(); err != nil {
				return errors.Wrapf(err, "redis: unindex tag %s", t)
			}
		}
		if err := a.ring.SRem(a.tagsIndex(), t).Err(); err != nil {
			return errors.Wrapf(err, "redis: unindex tag %s", t)
		}
	}
	return nil
}

// PurgeExpired drops index and tag memberships of entries that Redis has
// expired, and deletes entries that are past their exact expiry.
func (a *RedisCache) PurgeExpired(ctx context.Context) (int, error) {
	candidates, err := a.ring.SMembers(a.keysIndex()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis: list keys")
	}
	tags, err := a.ring.SMembers(a.tagsIndex()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis: list tags")
	}
	for _, tag := range tags {
		members, err := a.ring.SMembers(a.tagKey(tag)).Result()
		if err != nil {
			return 0, errors.Wrapf(err, "redis: list tag %s", tag)
		}
		candidates = append(candidates, members...)
	}

	now := a.Now()
	seen := make(map[string]bool, len(candidates))
	purged := 0
	for _, key := range candidates {
		if seen[key] {
			continue
		}
		seen[key] = true
		e, ok, err := a.get(key)
		if err != nil {
			return purged, err
		}
		if ok && (e.Expires == 0 || fromUnixNano(e.Expires).After(now)) {
			continue
		}
		if err := a.Forget(ctx, key); err != nil {
			return purged, err
		}
		purged++
	}

	// tags left without members
	for _, tag := range tags {
		n, err := a.ring.SCard(a.tagKey(tag)).Result()
		if err != nil {
			return purged, errors.Wrapf(err, "redis: count tag %s", tag)
		}
		if n == 0 {
			if err := a.ring.SRem(a.tagsIndex(), tag).Err(); err != nil {
				return purged, errors.Wrapf(err, "redis: unindex tag %s", tag)
			}
		}
	}
	return purged, nil
}

// del removes keys one command per key, since ring shards are chosen by key.
func (a *RedisCache) del(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := a.ring.Pipeline()
	for _, key := range keys {
		pipe.Del(key)
	}
	_, err := pipe.Exec()
	return err
}
