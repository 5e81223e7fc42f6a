package cacheupdate

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	// ForgetHeader lists paths whose cached responses are forgotten after an unsafe request.
	ForgetHeader = "Responsecache-Forget"
	// ClearTagHeader lists tags that are cleared after an unsafe request.
	ClearTagHeader = "Responsecache-Clear-Tag"
)

// CacheUpdate is the invalidation requested by the response to an unsafe request.
type CacheUpdate struct {
	// Absolute URLs to forget, resolved against the request URL.
	Forget []string
	// Tags to clear.
	ClearTags []string
}

func (u CacheUpdate) Empty() bool {
	return len(u.Forget) == 0 && len(u.ClearTags) == 0
}

// UnsafeRequest reports whether the method may change state on the origin.
func UnsafeRequest(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// GetCacheUpdates gets the updates specified by the response headers.
// requestURL is the absolute URL of the unsafe request; it is used in order to
// resolve potentially relative paths. Safe requests never trigger updates.
func GetCacheUpdates(method string, requestURL string, header http.Header) CacheUpdate {
	var cu CacheUpdate
	if !UnsafeRequest(method) {
		return cu
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return cu
	}
	for _, path := range listValues(header, ForgetHeader) {
		ref, err := url.Parse(path)
		if err != nil {
			continue
		}
		cu.Forget = append(cu.Forget, base.ResolveReference(ref).String())
	}
	cu.ClearTags = listValues(header, ClearTagHeader)
	return cu
}

// Strip removes the update headers so that they are not sent to the client.
func Strip(header http.Header) {
	header.Del(ForgetHeader)
	header.Del(ClearTagHeader)
}

func listValues(header http.Header, name string) []string {
	var out []string
	for _, value := range header.Values(name) {
		for _, v := range strings.Split(value, ",") {
			// parameters after a semicolon are ignored
			if i := strings.Index(v, ";"); i != -1 {
				v = v[:i]
			}
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
