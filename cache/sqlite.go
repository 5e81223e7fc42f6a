package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// SQLiteCache is a durable provider backed by a SQLite database.
// Tags are kept in a secondary table.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	namespace  string
	Now        func() time.Time
}

var (
	_ CacheProvider = (*SQLiteCache)(nil)
	_ TagProvider   = (*SQLiteCache)(nil)
	_ Purger        = (*SQLiteCache)(nil)
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS responsecache (
		key TEXT PRIMARY KEY,
		expires INTEGER,
		created_at INTEGER,
		bytes BLOB
	)`,
	"CREATE INDEX IF NOT EXISTS responsecache_expires_idx ON responsecache (expires)",
	`CREATE TABLE IF NOT EXISTS responsecache_tags (
		key TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (key, tag)
	)`,
	"CREATE INDEX IF NOT EXISTS responsecache_tags_tag_idx ON responsecache_tags (tag)",
	"PRAGMA journal_mode=WAL",
}

// memoryDBs numbers in-memory databases so that no two caches share one.
var memoryDBs atomic.Int64

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db private to this cache is opened.
func NewSQLiteCache(filename string, namespace string) (*SQLiteCache, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:responsecache-mem-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: open %s", filename)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "sqlite: create schema")
		}
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		namespace:  namespaceOrDefault(namespace),
		Now:        time.Now,
	}, nil
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

func (s *SQLiteCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	var expires, createdAt int64
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT expires, created_at, bytes FROM responsecache WHERE key = ?", key,
	).Scan(&expires, &createdAt, &bytes)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, errors.Wrapf(err, "sqlite: get %s", key)
	}
	entry := CacheEntry{
		Key:       key,
		Bytes:     bytes,
		CreatedAt: fromUnixNano(createdAt),
		Expires:   fromUnixNano(expires),
	}
	if entry.Expired(s.Now()) {
		return CacheEntry{}, false, nil
	}
	entry.Tags, err = s.tagsOf(ctx, key)
	if err != nil {
		return CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (s *SQLiteCache) tagsOf(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM responsecache_tags WHERE key = ? ORDER BY tag", key)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: get tags of %s", key)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrapf(err, "sqlite: scan tags of %s", key)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *SQLiteCache) Put(ctx context.Context, entry CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO responsecache (key, expires, created_at, bytes) VALUES (?, ?, ?, ?)",
			entry.Key, toUnixNano(entry.Expires), toUnixNano(entry.CreatedAt), entry.Bytes)
		if err != nil {
			return errors.Wrapf(err, "sqlite: put %s", entry.Key)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM responsecache_tags WHERE key = ?", entry.Key); err != nil {
			return errors.Wrapf(err, "sqlite: reset tags of %s", entry.Key)
		}
		for _, tag := range uniqueTags(entry.Tags) {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO responsecache_tags (key, tag) VALUES (?, ?)", entry.Key, tag,
			); err != nil {
				return errors.Wrapf(err, "sqlite: tag %s with %s", entry.Key, tag)
			}
		}
		return nil
	})
}

func (s *SQLiteCache) Forget(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, "DELETE FROM responsecache WHERE key = ?", key); err != nil {
				return errors.Wrapf(err, "sqlite: forget %s", key)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM responsecache_tags WHERE key = ?", key); err != nil {
				return errors.Wrapf(err, "sqlite: forget tags of %s", key)
			}
		}
		return nil
	})
}

func (s *SQLiteCache) Flush(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM responsecache WHERE substr(key, 1, length(?)) = ?", s.namespace, s.namespace,
		); err != nil {
			return errors.Wrap(err, "sqlite: flush")
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM responsecache_tags WHERE substr(key, 1, length(?)) = ?", s.namespace, s.namespace,
		); err != nil {
			return errors.Wrap(err, "sqlite: flush tags")
		}
		return nil
	})
}

func (s *SQLiteCache) ClearTag(ctx context.Context, tag string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if tag == "" {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM responsecache WHERE key IN (SELECT key FROM responsecache_tags)")
			if err == nil {
				_, err = tx.ExecContext(ctx, "DELETE FROM responsecache_tags")
			}
		} else {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM responsecache WHERE key IN (SELECT key FROM responsecache_tags WHERE tag = ?)", tag)
			if err == nil {
				_, err = tx.ExecContext(ctx,
					"DELETE FROM responsecache_tags WHERE key NOT IN (SELECT key FROM responsecache)")
			}
		}
		return errors.Wrapf(err, "sqlite: clear tag %q", tag)
	})
}

func (s *SQLiteCache) PurgeExpired(ctx context.Context) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var purged int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM responsecache WHERE expires > 0 AND expires <= ?", s.Now().UnixNano())
		if err != nil {
			return errors.Wrap(err, "sqlite: purge expired")
		}
		if purged, err = res.RowsAffected(); err != nil {
			return errors.Wrap(err, "sqlite: purge expired")
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM responsecache_tags WHERE key NOT IN (SELECT key FROM responsecache)")
		return errors.Wrap(err, "sqlite: purge orphaned tags")
	})
	return int(purged), err
}

func (s *SQLiteCache) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite: begin")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlite: commit")
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
