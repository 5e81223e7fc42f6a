package cacheprofile

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cachecontrol "github.com/always-cache/responsecache/pkg/cache-control"
	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

var ErrUnknownProfile = errors.New("cacheprofile: unknown profile")

// CacheProfile decides which exchanges are cached and for how long.
// Implementations must not block and must be safe for concurrent use.
type CacheProfile interface {
	// ShouldCacheRequest reports whether the request is a candidate for lookup and storage.
	ShouldCacheRequest(req facts.RequestFacts) bool
	// ShouldCacheResponse reports whether the produced response may be stored.
	ShouldCacheResponse(res facts.ResponseFacts) bool
	// DifferentiationSuffix is folded into the key to separate callers.
	DifferentiationSuffix(req facts.RequestFacts) string
	// CacheUntil returns the expiry of an entry stored for req.
	// A time not after now means the response must not be stored.
	CacheUntil(req facts.RequestFacts) time.Time
}

// DefaultContentTypes are the media types cached besides text/* and JSON.
var DefaultContentTypes = []string{
	"application/javascript",
	"application/xml",
	"application/xhtml+xml",
	"image/svg+xml",
}

type Config struct {
	// DefaultTTL is used when the route does not declare one.
	// Zero disables storage.
	DefaultTTL time.Duration
	// MaxTTL clamps every effective TTL when positive.
	MaxTTL time.Duration
	// ContentTypes are additional media types a 2xx response may have.
	ContentTypes []string
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

// DefaultConfig caches for one week with the default content types.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:   7 * 24 * time.Hour,
		ContentTypes: DefaultContentTypes,
	}
}

// EffectiveTTL returns the TTL for a route, applying the route override and clamping.
// A negative route TTL is kept as is so that it disables storage.
func (c Config) EffectiveTTL(route facts.RouteMeta) time.Duration {
	ttl := c.DefaultTTL
	if route.TTL != 0 {
		ttl = route.TTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// New selects a profile variant by name.
func New(name string, cfg Config) (CacheProfile, error) {
	switch strings.ToLower(name) {
	case "", "default", "all-successful-get":
		return NewCacheAllSuccessfulGetRequests(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
}

// CacheAllSuccessfulGetRequests caches successful textual responses to GET and HEAD
// requests, separately for every caller identity.
type CacheAllSuccessfulGetRequests struct {
	Config
}

var _ CacheProfile = CacheAllSuccessfulGetRequests{}

func NewCacheAllSuccessfulGetRequests(cfg Config) CacheAllSuccessfulGetRequests {
	return CacheAllSuccessfulGetRequests{Config: cfg}
}

func (p CacheAllSuccessfulGetRequests) ShouldCacheRequest(req facts.RequestFacts) bool {
	if req.Route.DoNotCache {
		return false
	}
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}

func (p CacheAllSuccessfulGetRequests) ShouldCacheResponse(res facts.ResponseFacts) bool {
	if res.DoNotCache {
		return false
	}
	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return false
	}
	cc := cachecontrol.FromHeader(res.Header)
	if cc.NoStore() || cc.Private() {
		return false
	}
	if res.IsRedirect() {
		return true
	}
	return p.cacheableContentType(res.ContentType())
}

func (p CacheAllSuccessfulGetRequests) cacheableContentType(mediaType string) bool {
	if mediaType == "" {
		return false
	}
	if strings.HasPrefix(mediaType, "text/") ||
		strings.HasSuffix(mediaType, "/json") ||
		strings.HasSuffix(mediaType, "+json") {
		return true
	}
	for _, ct := range p.ContentTypes {
		if strings.EqualFold(ct, mediaType) {
			return true
		}
	}
	return false
}

func (p CacheAllSuccessfulGetRequests) DifferentiationSuffix(req facts.RequestFacts) string {
	return req.Identity
}

func (p CacheAllSuccessfulGetRequests) CacheUntil(req facts.RequestFacts) time.Time {
	now := p.now()
	ttl := p.EffectiveTTL(req.Route)
	if ttl <= 0 {
		return now
	}
	return now.Add(ttl)
}
