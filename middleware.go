package responsecache

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/responsecache/cache"
	cacheupdate "github.com/always-cache/responsecache/pkg/cache-update"
	facts "github.com/always-cache/responsecache/pkg/request-facts"
	serializer "github.com/always-cache/responsecache/pkg/response-serializer"
	tee "github.com/always-cache/responsecache/pkg/response-writer-tee"
)

// Middleware wraps next with the response cache.
// Route metadata comes from the configured rules and from Route, Handler,
// SkipCache and AddTags calls made while the request is handled.
func (c *ResponseCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.serve(w, r, next, facts.RouteMeta{})
	})
}

type exchange struct {
	r      *http.Request
	facts  facts.RequestFacts
	key    string
	state  *routeState
	status CacheStatus
	log    *zerolog.Logger
}

func (c *ResponseCache) serve(w http.ResponseWriter, r *http.Request, next http.Handler, meta facts.RouteMeta) {
	ex := &exchange{
		log:   c.getLogger(r),
		state: &routeState{meta: c.rules.Meta(r).Merge(meta)},
	}
	ex.r = withState(r, ex.state)

	// the master switch is read per request
	if !c.Enabled() {
		ex.status.Forward(CacheStatusFwdBypass)
		c.passThrough(w, ex, next)
		return
	}

	ex.facts = facts.FromRequest(r, c.identity(r), ex.state.get())
	if !c.profile.ShouldCacheRequest(ex.facts) {
		ex.status.Forward(CacheStatusFwdMethod)
		c.passThrough(w, ex, next)
		return
	}

	key, err := c.key(ex.facts)
	if err != nil {
		ex.log.Error().Err(err).Str("url", ex.facts.URL).Msg("Could not derive cache key")
		ex.status.Forward(CacheStatusFwdMiss)
		c.passThrough(w, ex, next)
		return
	}
	ex.key = key

	if c.serveFromCache(w, ex) {
		return
	}
	c.serveAndStore(w, ex, next)
}

// passThrough runs the handler without lookup or storage.
// Unsafe requests may invalidate cached responses through their response headers.
func (c *ResponseCache) passThrough(w http.ResponseWriter, ex *exchange, next http.Handler) {
	if !c.Enabled() || !cacheupdate.UnsafeRequest(ex.r.Method) {
		next.ServeHTTP(w, ex.r)
		c.logRequest(ex)
		return
	}

	var (
		update    cacheupdate.CacheUpdate
		collected bool
	)
	collect := func(status int, header http.Header) {
		if collected {
			return
		}
		collected = true
		if status < 400 {
			update = cacheupdate.GetCacheUpdates(ex.r.Method, facts.AbsoluteURL(ex.r), header)
		}
		cacheupdate.Strip(header)
	}
	rs := tee.NewResponseSaver(w)
	rs.BeforeWriteHeader = collect
	next.ServeHTTP(rs, ex.r)
	// a handler that wrote nothing still has its header unsent
	collect(rs.StatusCode(), rs.Header())
	c.logRequest(ex)

	if !update.Empty() {
		c.applyUpdate(ex, update)
	}
}

func (c *ResponseCache) applyUpdate(ex *exchange, update cacheupdate.CacheUpdate) {
	ctx := ex.r.Context()
	if len(update.Forget) > 0 {
		ex.log.Debug().Strs("uris", update.Forget).Msg("Forgetting responses on update")
		if err := c.Forget(ctx, update.Forget...); err != nil {
			ex.log.Error().Err(err).Strs("uris", update.Forget).Msg("Could not forget responses")
		}
	}
	for _, tag := range update.ClearTags {
		ex.log.Debug().Str("tag", tag).Msg("Clearing tag on update")
		if err := c.ClearTag(ctx, tag); err != nil {
			ex.log.Error().Err(err).Str("tag", tag).Msg("Could not clear tag")
		}
	}
}

// serveFromCache writes the stored response for the exchange, if there is a usable one.
// Store errors and corrupt payloads are treated as misses.
func (c *ResponseCache) serveFromCache(w http.ResponseWriter, ex *exchange) bool {
	ctx := ex.r.Context()
	entry, ok, err := c.cache.Get(ctx, ex.key)
	if err != nil {
		ex.log.Warn().Err(err).Str("key", ex.key).Msg("Could not read from cache, treating as miss")
		ex.status.Forward(CacheStatusFwdMiss)
		return false
	}
	if !ok {
		ex.status.Forward(CacheStatusFwdUriMiss)
		return false
	}
	res, err := serializer.BytesToResponse(entry.Bytes)
	if err != nil {
		ex.log.Warn().Err(err).Str("key", ex.key).Msg("Corrupt cache entry, treating as miss")
		if err := c.cache.Forget(ctx, ex.key); err != nil {
			ex.log.Error().Err(err).Str("key", ex.key).Msg("Could not forget corrupt cache entry")
		}
		ex.status.Forward(CacheStatusFwdMiss)
		return false
	}

	ttl := cacheTTL(entry, c.now())
	ex.status.Hit(ttl)

	copyHeader(w.Header(), res.Header)
	if c.statusHeader != "" {
		w.Header().Set(c.statusHeader, ex.status.String())
	}
	if c.cacheTimeHeader != "" && !entry.CreatedAt.IsZero() {
		w.Header().Set(c.cacheTimeHeader, entry.CreatedAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(res.StatusCode)
	if ex.r.Method != http.MethodHead {
		if _, err := w.Write(res.Body); err != nil {
			ex.log.Debug().Err(err).Msg("Could not write response body to client")
		}
	}
	c.logRequest(ex)
	c.trigger(EventHit, Event{
		Key:        ex.key,
		Method:     ex.facts.Method,
		URL:        ex.facts.URL,
		StatusCode: res.StatusCode,
		TTL:        ttl,
		Tags:       entry.Tags,
	})
	return true
}

// serveAndStore runs the handler, capturing the response, and stores it if the profile approves.
func (c *ResponseCache) serveAndStore(w http.ResponseWriter, ex *exchange, next http.Handler) {
	c.trigger(EventMiss, Event{
		Key:    ex.key,
		Method: ex.facts.Method,
		URL:    ex.facts.URL,
	})

	rs := tee.NewResponseSaver(w)
	rs.Keep = func(statusCode int, header http.Header) bool {
		return ex.facts.Method != http.MethodHead && c.keepBody(statusCode, header)
	}
	next.ServeHTTP(rs, ex.r)

	c.maybeStore(ex, rs)
	c.logRequest(ex)
}

// keepBody tells from the status and header alone whether a response can be
// stored, so that bodies which never will are not held in memory.
func (c *ResponseCache) keepBody(statusCode int, header http.Header) bool {
	res := facts.ResponseFacts{StatusCode: statusCode, Header: header}
	if header.Get("Content-Type") == "" {
		// the type is sniffed from the complete body
		res.Header = header.Clone()
		res.Header.Set("Content-Type", "text/plain")
	}
	return c.profile.ShouldCacheResponse(res)
}

func (c *ResponseCache) maybeStore(ex *exchange, rs *tee.ResponseSaver) {
	// HEAD responses carry no body to replay
	if ex.facts.Method == http.MethodHead {
		return
	}
	if rs.Discarded() {
		ex.log.Trace().Int("status", rs.StatusCode()).Msg("Response not cacheable, body not recorded")
		return
	}
	ctx := ex.r.Context()
	if ctx.Err() != nil {
		ex.log.Debug().Err(ctx.Err()).Str("key", ex.key).Msg("Request aborted, not storing")
		return
	}

	meta := ex.state.get()
	req := ex.facts.WithRoute(meta)
	res := rs.Facts()
	res.DoNotCache = meta.DoNotCache

	if !c.profile.ShouldCacheResponse(res) {
		ex.log.Trace().Int("status", res.StatusCode).Str("contentType", res.ContentType()).Msg("Response not cacheable")
		return
	}
	now := c.now()
	until := c.profile.CacheUntil(req)
	if !until.After(now) {
		ex.log.Trace().Str("key", ex.key).Msg("Lifetime is zero, not storing")
		return
	}

	bytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		ex.log.Error().Err(err).Str("key", ex.key).Msg("Could not serialize response")
		return
	}
	entry := cache.CacheEntry{
		Key:       ex.key,
		Bytes:     bytes,
		CreatedAt: now,
		Expires:   until,
		Tags:      meta.Tags,
	}
	event := Event{
		Key:        ex.key,
		Method:     req.Method,
		URL:        req.URL,
		StatusCode: res.StatusCode,
		TTL:        until.Sub(now),
		Tags:       meta.Tags,
	}
	ex.log.Trace().Str("key", ex.key).Time("expires", until).Strs("tags", meta.Tags).Msg("Writing to cache")
	if err := c.cache.Put(ctx, entry); err != nil {
		ex.log.Error().Err(err).Str("key", ex.key).Msg("Could not write to cache")
		event.Err = err
		c.trigger(EventStoreError, event)
		return
	}
	ex.status.Stored = true
	ex.status.TTL = event.TTL
	c.trigger(EventStore, event)
}

func cacheTTL(entry cache.CacheEntry, now time.Time) time.Duration {
	if entry.Expires.IsZero() {
		return -1
	}
	return entry.Expires.Sub(now)
}

func (c *ResponseCache) logRequest(ex *exchange) {
	isHit := 0
	if ex.status.Status == CacheStatusHit {
		isHit = 1
	}
	ex.log.Debug().
		Str("method", ex.r.Method).
		Str("url", ex.r.URL.String()).
		Str("sourceIp", getRequestSourceIp(ex.r)).
		Str("status", string(ex.status.Status)).
		Str("fwd", string(ex.status.FwdReason)).
		Bool("stored", ex.status.Stored).
		Dur("ttl", ex.status.TTL).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the cache logger.
func (c *ResponseCache) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &c.log
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
