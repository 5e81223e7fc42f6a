package facts

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RouteMeta is the route-level caching metadata declared for a request.
type RouteMeta struct {
	// DoNotCache opts the route out of caching entirely.
	DoNotCache bool
	// TTL overrides the default lifetime when non-zero.
	TTL time.Duration
	// Tags are the group tags the stored response will belong to.
	Tags []string
}

// Merge returns the combination of m and other.
// An opt-out is sticky, a non-zero TTL in other wins and tags are joined without duplicates.
func (m RouteMeta) Merge(other RouteMeta) RouteMeta {
	merged := RouteMeta{
		DoNotCache: m.DoNotCache || other.DoNotCache,
		TTL:        m.TTL,
	}
	if other.TTL != 0 {
		merged.TTL = other.TTL
	}
	merged.Tags = appendUnique(append([]string(nil), m.Tags...), other.Tags...)
	return merged
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

// RequestFacts is a read-only snapshot of an inbound request.
type RequestFacts struct {
	Method string
	// Absolute URL including scheme, host, path and query.
	URL string
	// Opaque caller identity, empty for anonymous callers.
	Identity string
	Header   http.Header
	Route    RouteMeta
}

// FromRequest creates the facts for r at the boundary.
// The identity must already be resolved by the caller.
func FromRequest(r *http.Request, identity string, meta RouteMeta) RequestFacts {
	return RequestFacts{
		Method:   r.Method,
		URL:      AbsoluteURL(r),
		Identity: identity,
		Header:   r.Header.Clone(),
		Route:    meta,
	}
}

// WithRoute returns a copy of the facts with different route metadata.
func (f RequestFacts) WithRoute(meta RouteMeta) RequestFacts {
	f.Route = meta
	return f
}

// AbsoluteURL reconstructs the absolute URL of an incoming request.
// Server requests only carry the request URI, so scheme and host are taken
// from the connection and the Host header.
func AbsoluteURL(r *http.Request) string {
	if r.URL.IsAbs() && r.URL.Host != "" {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	return u.String()
}

// ResponseFacts is a read-only snapshot of the response produced by the handler.
type ResponseFacts struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// DoNotCache is set when the handler marked the response as non-cacheable.
	DoNotCache bool
}

// ContentType returns the lower-cased media type without parameters.
func (f ResponseFacts) ContentType() string {
	ct := f.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	if i := strings.Index(ct, ";"); i != -1 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsRedirect reports whether the status is in the 3xx class.
func (f ResponseFacts) IsRedirect() bool {
	return f.StatusCode >= 300 && f.StatusCode < 400
}
