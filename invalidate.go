package responsecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/responsecache/cache"
	cachekey "github.com/always-cache/responsecache/pkg/cache-key"
	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

// Forget removes the anonymous cached responses of the given URIs.
// Relative URIs are resolved against the configured base URL.
// All URIs are hashed before anything is removed, so a malformed URI removes nothing.
func (c *ResponseCache) Forget(ctx context.Context, uris ...string) error {
	keys := make([]string, 0, len(uris))
	for _, uri := range uris {
		abs, err := c.resolve(uri)
		if err != nil {
			return err
		}
		req := facts.RequestFacts{Method: http.MethodGet, URL: abs, Header: http.Header{}}
		key, err := c.key(req)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	return c.ForgetKeys(ctx, keys...)
}

// ForgetKeys removes the entries with the given keys. Absent keys are ignored.
func (c *ResponseCache) ForgetKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.log.Debug().Strs("keys", keys).Msg("Forgetting cache entries")
	if err := c.cache.Forget(ctx, keys...); err != nil {
		return fmt.Errorf("forget %d keys: %w", len(keys), err)
	}
	return nil
}

// Flush removes every entry created by the response cache.
func (c *ResponseCache) Flush(ctx context.Context) error {
	c.log.Debug().Msg("Flushing cache")
	if err := c.cache.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// ClearTag removes the entries tagged with tag, or all tagged entries if tag is empty.
// If the store keeps no tags, the whole cache is flushed and the returned
// error wraps cache.ErrTagsUnsupported.
func (c *ResponseCache) ClearTag(ctx context.Context, tag string) error {
	c.log.Debug().Str("tag", tag).Msg("Clearing tag")
	err := cache.ClearTag(ctx, c.cache, tag)
	if errors.Is(err, cache.ErrTagsUnsupported) {
		c.log.Warn().Str("tag", tag).Msg("Store does not support tags, flushed the whole cache")
	}
	if err != nil {
		return fmt.Errorf("clear tag %q: %w", tag, err)
	}
	return nil
}

func (c *ResponseCache) resolve(uri string) (string, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", cachekey.ErrMalformedURL, uri, err)
	}
	if ref.IsAbs() || c.baseURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url %q: %v", cachekey.ErrMalformedURL, c.baseURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}
