package responsecache

import (
	"context"
	"net/http"
	"sync"
	"time"

	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

// RouteOption declares caching metadata for a route.
type RouteOption func(*facts.RouteMeta)

// DoNotCache opts the route out of caching.
func DoNotCache() RouteOption {
	return func(m *facts.RouteMeta) {
		m.DoNotCache = true
	}
}

// CacheFor overrides the lifetime of responses of the route.
// A negative lifetime disables storage for the route.
func CacheFor(ttl time.Duration) RouteOption {
	return func(m *facts.RouteMeta) {
		m.TTL = ttl
	}
}

// Tags adds group tags to responses of the route.
func Tags(tags ...string) RouteOption {
	return func(m *facts.RouteMeta) {
		*m = m.Merge(facts.RouteMeta{Tags: tags})
	}
}

func metaFromOptions(opts []RouteOption) facts.RouteMeta {
	var meta facts.RouteMeta
	for _, opt := range opts {
		opt(&meta)
	}
	return meta
}

// routeState is the mutable route metadata of one exchange.
// Inner middleware and handlers amend it while the response is produced.
type routeState struct {
	mu   sync.Mutex
	meta facts.RouteMeta
}

func (s *routeState) get() facts.RouteMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *routeState) merge(meta facts.RouteMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = s.meta.Merge(meta)
}

type routeStateKey struct{}

func stateFromContext(ctx context.Context) *routeState {
	state, _ := ctx.Value(routeStateKey{}).(*routeState)
	return state
}

func withState(r *http.Request, state *routeState) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), routeStateKey{}, state))
}

// Handler returns a middleware caching the wrapped route with the given options,
// e.g. router.With(rc.Handler(responsecache.CacheFor(time.Minute))).Get(...).
// Inside a router already wrapped by Middleware it only amends the route metadata.
func (c *ResponseCache) Handler(opts ...RouteOption) func(http.Handler) http.Handler {
	meta := metaFromOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if state := stateFromContext(r.Context()); state != nil {
				state.merge(meta)
				next.ServeHTTP(w, r)
				return
			}
			c.serve(w, r, next, meta)
		})
	}
}

// Route returns a middleware amending the route metadata of a request that is
// handled by an outer response cache. It is a no-op otherwise.
func Route(opts ...RouteOption) func(http.Handler) http.Handler {
	meta := metaFromOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if state := stateFromContext(r.Context()); state != nil {
				state.merge(meta)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SkipCache marks the response to r as not cacheable.
// Call it from the handler before returning.
func SkipCache(r *http.Request) {
	if state := stateFromContext(r.Context()); state != nil {
		state.merge(facts.RouteMeta{DoNotCache: true})
	}
}

// AddTags adds group tags to the response to r.
func AddTags(r *http.Request, tags ...string) {
	if state := stateFromContext(r.Context()); state != nil {
		state.merge(facts.RouteMeta{Tags: tags})
	}
}
