package cachecontrol

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the directives of one or more Cache-Control header fields.
// Directive names are compared case-insensitively and may carry a token or
// quoted-string argument.
type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[strings.ToLower(directive)]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// NoStore reports whether the sender forbids storing the response.
func (c CacheControl) NoStore() bool {
	return c.HasDirective("no-store")
}

// Private reports whether the response is intended for a single user only.
func (c CacheControl) Private() bool {
	return c.HasDirective("private")
}

// MaxAge returns the max-age directive as a duration.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	val, ok := c.Get("max-age")
	if !ok {
		return 0, false
	}
	seconds, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// Parse takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
func Parse(headers []string) CacheControl {
	m := make(map[string]string)
	// last defined directive wins
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			m[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), "\"")
		}
	}
	return CacheControl{m}
}

// FromHeader parses the Cache-Control fields of h.
func FromHeader(h http.Header) CacheControl {
	return Parse(h.Values("Cache-Control"))
}
