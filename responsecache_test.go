package responsecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/responsecache/cache"
	cachekey "github.com/always-cache/responsecache/pkg/cache-key"
	cacheprofile "github.com/always-cache/responsecache/pkg/cache-profile"
	identity "github.com/always-cache/responsecache/pkg/cache-identity"
	cacheupdate "github.com/always-cache/responsecache/pkg/cache-update"
	tee "github.com/always-cache/responsecache/pkg/response-writer-tee"
	rules "github.com/always-cache/responsecache/pkg/route-rules"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	rc    *ResponseCache
	store *cache.MemCache
	clock *clock
}

func newFixture(t *testing.T, modify ...func(*Config, *cacheprofile.Config)) fixture {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := cache.NewMemCache("")
	store.Now = clk.Now
	profileConfig := cacheprofile.DefaultConfig()
	profileConfig.Now = clk.Now
	logger := zerolog.Nop()
	config := Config{
		Cache:   store,
		BaseURL: "http://example.com",
		Logger:  &logger,
		Now:     clk.Now,
	}
	for _, m := range modify {
		m(&config, &profileConfig)
	}
	if config.Profile == nil {
		config.Profile = cacheprofile.NewCacheAllSuccessfulGetRequests(profileConfig)
	}
	return fixture{rc: New(config), store: store, clock: clk}
}

// randomHandler answers with a different body on every call.
func randomHandler() (http.Handler, *int) {
	var mu sync.Mutex
	count := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html>random %d for %s</html>", n, r.Header.Get("X-User-Id"))
	}), &count
}

func do(h http.Handler, method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func isCached(rr *httptest.ResponseRecorder) bool {
	return rr.Header().Get(DefaultStatusHeader) != ""
}

func TestMiddlewareReturnsResponse(t *testing.T) {
	f := newFixture(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	rr := do(f.rc.Middleware(handler), "GET", "/")
	if body, err := io.ReadAll(rr.Result().Body); err != nil || string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestSecondGetIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	handler, count := randomHandler()
	mw := f.rc.Middleware(handler)

	first := do(mw, "GET", "/random")
	second := do(mw, "GET", "/random")

	require.False(t, isCached(first))
	require.True(t, isCached(second))
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, "text/html; charset=utf-8", second.Header().Get("Content-Type"))
	require.Contains(t, second.Header().Get(DefaultStatusHeader), "responsecache; hit")
	require.Equal(t, 1, *count)
}

func TestPostIsNeverCached(t *testing.T) {
	f := newFixture(t)
	handler, count := randomHandler()
	mw := f.rc.Middleware(handler)

	first := do(mw, "POST", "/random")
	second := do(mw, "POST", "/random")

	require.False(t, isCached(first))
	require.False(t, isCached(second))
	require.NotEqual(t, first.Body.String(), second.Body.String())
	require.Equal(t, 2, *count)
	require.Equal(t, 0, f.store.Len())
}

func TestCallersHaveSeparateEntries(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.Identity = identity.Header("X-User-Id")
	})
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)

	user1 := do(mw, "GET", "/", "X-User-Id", "1")
	user2 := do(mw, "GET", "/", "X-User-Id", "2")
	anonymous := do(mw, "GET", "/")
	user1Again := do(mw, "GET", "/", "X-User-Id", "1")
	user2Again := do(mw, "GET", "/", "X-User-Id", "2")

	require.False(t, isCached(user1))
	require.False(t, isCached(user2))
	require.False(t, isCached(anonymous))
	require.True(t, isCached(user1Again))
	require.True(t, isCached(user2Again))
	require.Equal(t, user1.Body.String(), user1Again.Body.String())
	require.Equal(t, user2.Body.String(), user2Again.Body.String())
	require.NotEqual(t, user1Again.Body.String(), user2Again.Body.String())
	require.Equal(t, 3, f.store.Len())
}

func TestForgetRemovesExactlyTheGivenUris(t *testing.T) {
	f := newFixture(t)
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)

	for _, path := range []string{"/a", "/b", "/c"} {
		do(mw, "GET", path)
	}
	require.NoError(t, f.rc.Forget(context.Background(), "/a", "/b"))

	require.False(t, isCached(do(mw, "GET", "/a")))
	require.False(t, isCached(do(mw, "GET", "/b")))
	require.True(t, isCached(do(mw, "GET", "/c")))

	// forgetting absent entries is a no-op
	require.NoError(t, f.rc.Forget(context.Background(), "/never-cached"))
}

func TestForgetMalformedUriRemovesNothing(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.BaseURL = ""
	})
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)
	do(mw, "GET", "/a")

	err := f.rc.Forget(context.Background(), "http://example.com/a", "/relative")
	require.True(t, errors.Is(err, cachekey.ErrMalformedURL))
	require.True(t, isCached(do(mw, "GET", "/a")))

	require.NoError(t, f.rc.Forget(context.Background(), "http://example.com/a"))
	require.False(t, isCached(do(mw, "GET", "/a")))
}

func TestDisabledMidSession(t *testing.T) {
	f := newFixture(t)
	handler, count := randomHandler()
	mw := f.rc.Middleware(handler)

	first := do(mw, "GET", "/random")
	require.True(t, isCached(do(mw, "GET", "/random")))

	f.rc.Disable()
	require.False(t, f.rc.Enabled())
	a := do(mw, "GET", "/random")
	b := do(mw, "GET", "/random")
	require.False(t, isCached(a))
	require.False(t, isCached(b))
	require.NotEqual(t, a.Body.String(), b.Body.String())
	require.Equal(t, 3, *count)

	// the entry stored before was neither served nor overwritten
	f.rc.Enable()
	again := do(mw, "GET", "/random")
	require.True(t, isCached(again))
	require.Equal(t, first.Body.String(), again.Body.String())
}

func TestStartDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.Disabled = true
	})
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)
	do(mw, "GET", "/")
	require.False(t, isCached(do(mw, "GET", "/")))
	require.Equal(t, 0, f.store.Len())
}

func TestRedirectsAreCached(t *testing.T) {
	f := newFixture(t)
	calls := 0
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	do(mw, "GET", "/redirect")
	second := do(mw, "GET", "/redirect")
	require.True(t, isCached(second))
	require.Equal(t, http.StatusFound, second.Code)
	require.Equal(t, "/elsewhere", second.Header().Get("Location"))
	require.Equal(t, 1, calls)
}

func TestErrorsAreNotCached(t *testing.T) {
	f := newFixture(t)
	calls := 0
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))
	do(mw, "GET", "/missing")
	second := do(mw, "GET", "/missing")
	require.False(t, isCached(second))
	require.Equal(t, http.StatusNotFound, second.Code)
	require.Equal(t, 2, calls)
}

func TestBinaryResponsesAreNotCached(t *testing.T) {
	f := newFixture(t)
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	do(mw, "GET", "/file.pdf")
	require.False(t, isCached(do(mw, "GET", "/file.pdf")))
}

func TestUncacheableBodiesAreNotRecorded(t *testing.T) {
	f := newFixture(t)
	chunk := make([]byte, 32*1024)
	var recorded []byte
	var discarded bool
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		for i := 0; i < 8; i++ {
			w.Write(chunk)
		}
		rs := w.(*tee.ResponseSaver)
		recorded, discarded = rs.Body(), rs.Discarded()
	}))
	rr := do(mw, "GET", "/download")
	require.Equal(t, 8*len(chunk), rr.Body.Len())
	require.True(t, discarded)
	require.Empty(t, recorded)
	require.Equal(t, 0, f.store.Len())

	mw = f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<p>boom</p>"))
		recorded = w.(*tee.ResponseSaver).Body()
	}))
	do(mw, "GET", "/broken")
	require.Empty(t, recorded)

	// untyped bodies are kept until their type is sniffed
	mw = f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>hi</body></html>"))
	}))
	do(mw, "GET", "/sniffed")
	require.True(t, isCached(do(mw, "GET", "/sniffed")))
}

func TestJSONIsCached(t *testing.T) {
	f := newFixture(t)
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"a":1}`))
	}))
	do(mw, "GET", "/api")
	second := do(mw, "GET", "/api")
	require.True(t, isCached(second))
	require.JSONEq(t, `{"a":1}`, second.Body.String())
}

func TestZeroLifetimeDisablesStorage(t *testing.T) {
	f := newFixture(t, func(_ *Config, p *cacheprofile.Config) {
		p.DefaultTTL = 0
	})
	handler, count := randomHandler()
	mw := f.rc.Middleware(handler)
	do(mw, "GET", "/")
	require.False(t, isCached(do(mw, "GET", "/")))
	require.Equal(t, 2, *count)
	require.Equal(t, 0, f.store.Len())
}

func TestEntriesExpire(t *testing.T) {
	f := newFixture(t, func(_ *Config, p *cacheprofile.Config) {
		p.DefaultTTL = 10 * time.Minute
	})
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)
	do(mw, "GET", "/")

	f.clock.Advance(4 * time.Minute)
	hit := do(mw, "GET", "/")
	require.True(t, isCached(hit))
	require.Equal(t, "responsecache; hit; ttl=360", hit.Header().Get(DefaultStatusHeader))

	f.clock.Advance(6*time.Minute + time.Second)
	require.False(t, isCached(do(mw, "GET", "/")))
}

func TestPerRouteLifetime(t *testing.T) {
	f := newFixture(t)
	handler, _ := randomHandler()
	r := chi.NewRouter()
	r.With(f.rc.Handler(CacheFor(5 * time.Minute))).Get("/short", handler.ServeHTTP)
	r.With(f.rc.Handler()).Get("/default", handler.ServeHTTP)

	do(r, "GET", "/short")
	do(r, "GET", "/default")
	f.clock.Advance(6 * time.Minute)

	require.False(t, isCached(do(r, "GET", "/short")))
	require.True(t, isCached(do(r, "GET", "/default")))
}

func TestDoNotCacheRoute(t *testing.T) {
	f := newFixture(t)
	handler, count := randomHandler()
	r := chi.NewRouter()
	r.Use(f.rc.Middleware)
	r.With(Route(DoNotCache())).Get("/account", handler.ServeHTTP)
	r.Get("/home", handler.ServeHTTP)

	do(r, "GET", "/account")
	require.False(t, isCached(do(r, "GET", "/account")))
	do(r, "GET", "/home")
	require.True(t, isCached(do(r, "GET", "/home")))
	require.Equal(t, 3, *count)
}

func TestDoNotCacheRouteHandler(t *testing.T) {
	f := newFixture(t)
	handler, count := randomHandler()
	mw := f.rc.Handler(DoNotCache())(handler)
	do(mw, "GET", "/")
	require.False(t, isCached(do(mw, "GET", "/")))
	require.Equal(t, 2, *count)
}

func TestSkipCacheFromHandler(t *testing.T) {
	f := newFixture(t)
	calls := 0
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("flash") != "" {
			SkipCache(r)
		}
		w.Write([]byte("<p>page</p>"))
	}))
	do(mw, "GET", "/?flash=1")
	require.False(t, isCached(do(mw, "GET", "/?flash=1")))
	do(mw, "GET", "/")
	require.True(t, isCached(do(mw, "GET", "/")))
	require.Equal(t, 3, calls)
}

func TestRulesDeclareRouteMetadata(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.Rules = rules.Rules{
			{Prefix: "/admin", DoNotCache: true},
			{Prefix: "/news", TTL: time.Minute, Tags: []string{"news"}},
		}
	})
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)

	do(mw, "GET", "/admin/users")
	require.False(t, isCached(do(mw, "GET", "/admin/users")))

	do(mw, "GET", "/news/1")
	require.True(t, isCached(do(mw, "GET", "/news/1")))
	require.NoError(t, f.rc.ClearTag(context.Background(), "news"))
	require.False(t, isCached(do(mw, "GET", "/news/1")))

	do(mw, "GET", "/news/1")
	f.clock.Advance(2 * time.Minute)
	require.False(t, isCached(do(mw, "GET", "/news/1")))
}

func TestTags(t *testing.T) {
	f := newFixture(t)
	handler, _ := randomHandler()
	r := chi.NewRouter()
	r.Use(f.rc.Middleware)
	r.With(Route(Tags("foo"))).Get("/foo", handler.ServeHTTP)
	r.With(Route(Tags("foo", "bar"))).Get("/foobar", handler.ServeHTTP)
	r.With(Route(Tags("bar"))).Get("/bar", handler.ServeHTTP)
	r.Get("/untagged", func(w http.ResponseWriter, req *http.Request) {
		handler.ServeHTTP(w, req)
	})
	r.Get("/late", func(w http.ResponseWriter, req *http.Request) {
		AddTags(req, "late")
		handler.ServeHTTP(w, req)
	})
	paths := []string{"/foo", "/foobar", "/bar", "/untagged", "/late"}
	for _, p := range paths {
		do(r, "GET", p)
	}

	require.NoError(t, f.rc.ClearTag(context.Background(), "foo"))
	require.False(t, isCached(do(r, "GET", "/foo")))
	require.False(t, isCached(do(r, "GET", "/foobar")))
	require.True(t, isCached(do(r, "GET", "/bar")))
	require.True(t, isCached(do(r, "GET", "/untagged")))
	require.True(t, isCached(do(r, "GET", "/late")))

	require.NoError(t, f.rc.ClearTag(context.Background(), "late"))
	require.False(t, isCached(do(r, "GET", "/late")))

	// clearing without a tag removes all tagged entries only
	for _, p := range paths {
		do(r, "GET", p)
	}
	require.NoError(t, f.rc.ClearTag(context.Background(), ""))
	require.False(t, isCached(do(r, "GET", "/bar")))
	require.True(t, isCached(do(r, "GET", "/untagged")))

	require.NoError(t, f.rc.Flush(context.Background()))
	require.False(t, isCached(do(r, "GET", "/untagged")))
}

func TestClearTagWithoutTagSupport(t *testing.T) {
	lruStore, err := cache.NewLRUCache(16, "")
	require.NoError(t, err)
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.Cache = lruStore
	})
	handler, _ := randomHandler()
	mw := f.rc.Handler(Tags("foo"))(handler)
	do(mw, "GET", "/a")
	do(mw, "GET", "/b")

	err = f.rc.ClearTag(context.Background(), "foo")
	require.True(t, errors.Is(err, cache.ErrTagsUnsupported))
	require.False(t, isCached(do(mw, "GET", "/a")))
}

func TestCacheTimeHeader(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.CacheTimeHeader = "X-Cached-At"
	})
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)
	stored := f.clock.Now()

	first := do(mw, "GET", "/")
	require.Equal(t, "", first.Header().Get("X-Cached-At"))
	f.clock.Advance(time.Minute)
	second := do(mw, "GET", "/")
	require.Equal(t, stored.Format(http.TimeFormat), second.Header().Get("X-Cached-At"))
}

func TestCustomAndDisabledStatusHeader(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.StatusHeader = "X-Cache"
	})
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)
	do(mw, "GET", "/")
	require.Contains(t, do(mw, "GET", "/").Header().Get("X-Cache"), "hit")

	f = newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.DisableStatusHeader = true
	})
	mw = f.rc.Middleware(handler)
	do(mw, "GET", "/")
	second := do(mw, "GET", "/")
	require.False(t, isCached(second))
	require.Equal(t, 1, f.store.Len())
}

func TestHeadIsServedFromGetButNeverStores(t *testing.T) {
	f := newFixture(t)
	handler, count := randomHandler()
	mw := f.rc.Middleware(handler)

	do(mw, "HEAD", "/")
	require.Equal(t, 0, f.store.Len())

	get := do(mw, "GET", "/")
	head := do(mw, "HEAD", "/")
	require.True(t, isCached(head))
	require.Equal(t, 0, head.Body.Len())
	require.Equal(t, get.Header().Get("Content-Type"), head.Header().Get("Content-Type"))
	require.Equal(t, 2, *count)
}

func TestQueryStringsAreDistinct(t *testing.T) {
	f := newFixture(t)
	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)
	a := do(mw, "GET", "/page?a=1")
	b := do(mw, "GET", "/page?a=2")
	require.False(t, isCached(b))
	require.NotEqual(t, a.Body.String(), b.Body.String())
	require.True(t, isCached(do(mw, "GET", "/page?a=1")))
}

func TestKeyMatchesStoredEntry(t *testing.T) {
	f := newFixture(t)
	handler, _ := randomHandler()
	do(f.rc.Middleware(handler), "GET", "/keyed")

	key, err := f.rc.Key(httptest.NewRequest("GET", "/keyed", nil))
	require.NoError(t, err)
	_, ok, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.rc.ForgetKeys(context.Background(), key))
	require.Equal(t, 0, f.store.Len())
}

func TestCorruptEntryIsTreatedAsMiss(t *testing.T) {
	f := newFixture(t)
	handler, count := randomHandler()
	mw := f.rc.Middleware(handler)

	key, err := f.rc.Key(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.NoError(t, f.store.Put(context.Background(), cache.CacheEntry{
		Key:     key,
		Bytes:   []byte("garbage"),
		Expires: f.clock.Now().Add(time.Hour),
	}))

	rr := do(mw, "GET", "/")
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, isCached(rr))
	require.Equal(t, 1, *count)
	require.True(t, isCached(do(mw, "GET", "/")))
}

type failingStore struct {
	getErr, putErr error
}

func (s failingStore) Get(ctx context.Context, key string) (cache.CacheEntry, bool, error) {
	return cache.CacheEntry{}, false, s.getErr
}

func (s failingStore) Put(ctx context.Context, entry cache.CacheEntry) error {
	return s.putErr
}

func (s failingStore) Forget(ctx context.Context, keys ...string) error { return nil }

func (s failingStore) Flush(ctx context.Context) error { return nil }

func TestStoreFailuresFailOpen(t *testing.T) {
	unavailable := errors.New("store unavailable")
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.Cache = failingStore{getErr: unavailable, putErr: unavailable}
	})
	storeErrors := make(chan Event, 4)
	f.rc.OnStoreError(func(e Event) { storeErrors <- e })

	handler, count := randomHandler()
	mw := f.rc.Middleware(handler)
	first := do(mw, "GET", "/")
	second := do(mw, "GET", "/")

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	require.NotEmpty(t, first.Body.String())
	require.Equal(t, 2, *count)

	select {
	case e := <-storeErrors:
		require.True(t, errors.Is(e.Err, unavailable))
	case <-time.After(time.Second):
		t.Fatal("No store error notification")
	}
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	hits := make(chan Event, 4)
	misses := make(chan Event, 4)
	stores := make(chan Event, 4)
	f.rc.OnHit(func(e Event) { hits <- e })
	f.rc.OnMiss(func(e Event) { misses <- e })
	f.rc.OnStore(func(e Event) { stores <- e })

	handler, _ := randomHandler()
	mw := f.rc.Middleware(handler)
	do(mw, "GET", "/events")
	do(mw, "GET", "/events")
	do(mw, "POST", "/events")

	receive := func(ch chan Event, name string) Event {
		select {
		case e := <-ch:
			return e
		case <-time.After(time.Second):
			t.Fatalf("No %s notification", name)
		}
		return Event{}
	}
	miss := receive(misses, "miss")
	stored := receive(stores, "store")
	hit := receive(hits, "hit")
	require.Equal(t, "http://example.com/events", miss.URL)
	require.Equal(t, miss.Key, hit.Key)
	require.Equal(t, miss.Key, stored.Key)
	require.Equal(t, http.StatusOK, hit.StatusCode)
	require.Equal(t, 7*24*time.Hour, stored.TTL)

	select {
	case e := <-misses:
		t.Fatalf("Unexpected miss notification %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbortedRequestIsNotStored(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		cancel()
	}))
	req := httptest.NewRequest("GET", "/", nil).WithContext(ctx)
	mw.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, 0, f.store.Len())
}

func TestUnsafeRequestInvalidates(t *testing.T) {
	f := newFixture(t)
	handler, _ := randomHandler()
	r := chi.NewRouter()
	r.Use(f.rc.Middleware)
	r.With(Route(Tags("posts"))).Get("/posts", handler.ServeHTTP)
	r.Get("/posts/{id}", handler.ServeHTTP)
	r.Post("/posts/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Add(cacheupdate.ForgetHeader, "/posts/1")
		w.Header().Add(cacheupdate.ClearTagHeader, "posts")
		w.WriteHeader(http.StatusNoContent)
	})
	r.Put("/posts/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Add(cacheupdate.ForgetHeader, "/posts/2")
	})

	do(r, "GET", "/posts")
	do(r, "GET", "/posts/1")
	do(r, "GET", "/posts/2")

	post := do(r, "POST", "/posts/1")
	require.Equal(t, "", post.Header().Get(cacheupdate.ForgetHeader))
	require.False(t, isCached(do(r, "GET", "/posts")))
	require.False(t, isCached(do(r, "GET", "/posts/1")))
	require.True(t, isCached(do(r, "GET", "/posts/2")))

	put := do(r, "PUT", "/posts/2")
	require.Equal(t, "", put.Header().Get(cacheupdate.ForgetHeader))
	require.False(t, isCached(do(r, "GET", "/posts/2")))
}

func TestReaper(t *testing.T) {
	f := newFixture(t, func(_ *Config, p *cacheprofile.Config) {
		p.DefaultTTL = time.Minute
	})
	handler, _ := randomHandler()
	do(f.rc.Middleware(handler), "GET", "/")
	f.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.rc.Reap(ctx, time.Millisecond) }()
	require.Eventually(t, func() bool { return f.store.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}

func TestReaperWithoutPurger(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *cacheprofile.Config) {
		c.Cache = failingStore{}
	})
	require.NoError(t, f.rc.Reap(context.Background(), time.Millisecond))
}

func TestDefaults(t *testing.T) {
	rc := New(Config{})
	require.True(t, rc.Enabled())
	handler, count := randomHandler()
	mw := rc.Middleware(handler)
	do(mw, "GET", "/")
	require.True(t, isCached(do(mw, "GET", "/")))
	require.Equal(t, 1, *count)
}

func TestConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	mw := f.rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>same</p>"))
	}))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := do(mw, "GET", "/same")
			if rr.Body.String() != "<p>same</p>" {
				t.Errorf("Body is %s", rr.Body.String())
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, f.store.Len())
}
