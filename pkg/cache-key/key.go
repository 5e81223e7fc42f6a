package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

// DefaultPrefix is prepended to every key produced by the default hasher.
const DefaultPrefix = "responsecache-"

var ErrMalformedURL = errors.New("cachekey: malformed url")

// Hasher derives the storage key for a request.
// Equal request identities (normalised URL plus suffix) must yield equal keys.
type Hasher interface {
	Hash(req facts.RequestFacts, suffix string) (string, error)
}

// DefaultHasher hashes the normalised absolute URL together with the differentiation suffix.
type DefaultHasher struct {
	// Prefix is prepended to the hex digest.
	Prefix string
}

var _ Hasher = DefaultHasher{}

func NewHasher(prefix string) DefaultHasher {
	return DefaultHasher{Prefix: prefix}
}

// Hash returns Prefix followed by the SHA-256 hex digest of the request identity.
// The request method is not part of the key.
func (h DefaultHasher) Hash(req facts.RequestFacts, suffix string) (string, error) {
	normalized, err := Normalize(req.URL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized + "\n" + suffix))
	return h.Prefix + hex.EncodeToString(sum[:]), nil
}

// Normalize returns the canonical form of an absolute URL used for hashing.
// Scheme and host are lower-cased, an empty path becomes "/", the fragment is
// dropped and query parameters are sorted by name and value. A query that
// cannot be parsed is kept as is.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedURL, rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q: scheme and host are required", ErrMalformedURL, rawURL)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(path)
	if query := normalizeQuery(u.RawQuery); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String(), nil
}

// normalizeQuery sorts a well-formed query. A query that does not parse
// (semicolons, bad escapes) is kept verbatim so that no pair is lost.
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	return sortedQuery(values)
}

func sortedQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vals := append([]string(nil), values[name]...)
		sort.Strings(vals)
		escapedName := url.QueryEscape(name)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(escapedName)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
