package responsecache

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/GianlucaGuarini/go-observable"
	"github.com/rs/zerolog"

	"github.com/always-cache/responsecache/cache"
	cachekey "github.com/always-cache/responsecache/pkg/cache-key"
	cacheprofile "github.com/always-cache/responsecache/pkg/cache-profile"
	identity "github.com/always-cache/responsecache/pkg/cache-identity"
	facts "github.com/always-cache/responsecache/pkg/request-facts"
	rules "github.com/always-cache/responsecache/pkg/route-rules"
)

const DefaultStatusHeader = "Cache-Status"

type Config struct {
	// Storage for cache entries.
	// An in-memory store is used if nil.
	Cache cache.CacheProvider
	// Policy deciding what is cached and for how long.
	// The default profile with a one week TTL is used if nil.
	Profile cacheprofile.CacheProfile
	// Key derivation. The default hasher with the "responsecache-" prefix is used if nil.
	Hasher cachekey.Hasher
	// Caller identity used for per-caller entries. All callers are anonymous if nil.
	Identity identity.Resolver
	// Route metadata declared by path.
	Rules rules.Rules
	// Base URL against which relative URIs passed to Forget are resolved,
	// e.g. "https://example.com".
	BaseURL string
	// Start with the master switch off.
	Disabled bool
	// Name of the diagnostic header marking responses served from the cache.
	// Default: "Cache-Status"
	StatusHeader string
	// Do not mark responses served from the cache.
	DisableStatusHeader bool
	// Optional header carrying the time the served response was stored, e.g. "X-Cached-At".
	CacheTimeHeader string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock used for entry timestamps, time.Now if nil.
	Now func() time.Time
}

// ResponseCache is an HTTP middleware that serves repeated requests from a store.
// It is safe for concurrent use; all mutable state lives in the store.
type ResponseCache struct {
	cache           cache.CacheProvider
	profile         cacheprofile.CacheProfile
	hasher          cachekey.Hasher
	identity        identity.Resolver
	rules           rules.Rules
	baseURL         string
	statusHeader    string
	cacheTimeHeader string
	enabled         atomic.Bool
	observer        *observable.Observable
	log             zerolog.Logger
	now             func() time.Time
}

// New creates the response cache, filling in defaults for missing collaborators.
func New(config Config) *ResponseCache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("component", "responsecache").
		Logger()

	c := &ResponseCache{
		cache:           config.Cache,
		profile:         config.Profile,
		hasher:          config.Hasher,
		identity:        config.Identity,
		rules:           config.Rules,
		baseURL:         config.BaseURL,
		statusHeader:    config.StatusHeader,
		cacheTimeHeader: config.CacheTimeHeader,
		observer:        observable.New(),
		log:             logger,
		now:             config.Now,
	}
	if c.cache == nil {
		c.cache = cache.NewMemCache(cache.DefaultNamespace)
	}
	if c.profile == nil {
		c.profile = cacheprofile.NewCacheAllSuccessfulGetRequests(cacheprofile.DefaultConfig())
	}
	if c.hasher == nil {
		c.hasher = cachekey.NewHasher(cachekey.DefaultPrefix)
	}
	if c.identity == nil {
		c.identity = identity.Anonymous
	}
	if c.statusHeader == "" {
		c.statusHeader = DefaultStatusHeader
	}
	if config.DisableStatusHeader {
		c.statusHeader = ""
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.enabled.Store(!config.Disabled)
	return c
}

// Enable turns the master switch on.
func (c *ResponseCache) Enable() {
	c.enabled.Store(true)
	c.log.Info().Msg("Response cache enabled")
}

// Disable turns the master switch off. Requests bypass the cache entirely;
// stored entries are kept but neither served nor overwritten.
func (c *ResponseCache) Disable() {
	c.enabled.Store(false)
	c.log.Info().Msg("Response cache disabled")
}

// Enabled reports the state of the master switch.
func (c *ResponseCache) Enabled() bool {
	return c.enabled.Load()
}

// BaseURL returns the URL relative URIs passed to Forget are resolved against.
func (c *ResponseCache) BaseURL() string {
	return c.baseURL
}

// Store returns the underlying cache provider.
func (c *ResponseCache) Store() cache.CacheProvider {
	return c.cache
}

// Key returns the key the middleware uses for r.
func (c *ResponseCache) Key(r *http.Request) (string, error) {
	meta := c.rules.Meta(r)
	if state := stateFromContext(r.Context()); state != nil {
		meta = meta.Merge(state.get())
	}
	return c.key(facts.FromRequest(r, c.identity(r), meta))
}

func (c *ResponseCache) key(req facts.RequestFacts) (string, error) {
	return c.hasher.Hash(req, c.profile.DifferentiationSuffix(req))
}
