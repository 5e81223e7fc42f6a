package responsecache

import (
	"context"
	"time"

	"github.com/always-cache/responsecache/cache"
)

// Reap runs a loop purging expired entries every interval until ctx is done.
// Stores without active expiry only expire lazily, and Reap returns at once.
func (c *ResponseCache) Reap(ctx context.Context, interval time.Duration) error {
	purger, ok := c.cache.(cache.Purger)
	if !ok {
		c.log.Info().Msg("Store expires entries lazily, not starting reaper")
		return nil
	}
	c.log.Info().Msgf("Starting cache reaper with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Stopping cache reaper")
			return ctx.Err()
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				c.log.Error().Err(err).Msg("Could not purge expired entries")
				continue
			}
			if n > 0 {
				c.log.Debug().Int("purged", n).Msg("Purged expired entries")
			} else {
				c.log.Trace().Msg("No entries expired")
			}
		}
	}
}

// StartReaper runs Reap in a goroutine.
func (c *ResponseCache) StartReaper(ctx context.Context, interval time.Duration) {
	go c.Reap(ctx, interval)
}
