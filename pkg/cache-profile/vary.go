package cacheprofile

import (
	"net/http"
	"strings"

	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

type varyByHeaders struct {
	CacheProfile
	names []string
}

// VaryByHeaders wraps base so that the values of the named request headers
// become part of the differentiation suffix, e.g. to cache per locale.
func VaryByHeaders(base CacheProfile, names ...string) CacheProfile {
	canonical := make([]string, len(names))
	for i, name := range names {
		canonical[i] = http.CanonicalHeaderKey(name)
	}
	return varyByHeaders{CacheProfile: base, names: canonical}
}

func (v varyByHeaders) DifferentiationSuffix(req facts.RequestFacts) string {
	var b strings.Builder
	b.WriteString(v.CacheProfile.DifferentiationSuffix(req))
	for _, name := range v.names {
		b.WriteString("\n")
		b.WriteString(strings.ToLower(name))
		b.WriteString(": ")
		if req.Header != nil {
			b.WriteString(strings.Join(req.Header.Values(name), ", "))
		}
	}
	return b.String()
}
