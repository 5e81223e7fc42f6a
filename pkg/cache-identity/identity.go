package identity

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Resolver returns the opaque identity of the caller of r, or "" for an anonymous caller.
// Resolvers are evaluated once per request at the boundary and must not modify the request.
type Resolver func(r *http.Request) string

// Anonymous treats every caller as the same anonymous caller.
func Anonymous(r *http.Request) string {
	return ""
}

// Header uses the value of the named request header, e.g. one set by an
// authenticating proxy in front of the cache.
func Header(name string) Resolver {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// FromContext lets the host application supply the identity it stored in the
// request context, e.g. by its own session middleware.
func FromContext(fn func(r *http.Request) (string, bool)) Resolver {
	return func(r *http.Request) string {
		if id, ok := fn(r); ok {
			return id
		}
		return ""
	}
}

// First returns the first non-empty identity of the given resolvers.
func First(resolvers ...Resolver) Resolver {
	return func(r *http.Request) string {
		for _, resolve := range resolvers {
			if resolve == nil {
				continue
			}
			if id := resolve(r); id != "" {
				return id
			}
		}
		return ""
	}
}

// JWTConfig configures the JWT subject resolver.
type JWTConfig struct {
	// HeaderName is the header containing the token.
	// Default: "Authorization"
	HeaderName string
	// TokenPrefix is the prefix before the token in the header.
	// Default: "Bearer "
	TokenPrefix string
	// Claim identifies the caller.
	// Default: "sub"
	Claim string
}

// JWTSubject resolves the caller from a signed bearer token.
// A missing, expired or otherwise invalid token resolves to the anonymous caller,
// so an unverified claim never selects another caller's cache entries.
func JWTSubject(cfg JWTConfig, keyFunc jwt.Keyfunc, opts ...jwt.ParserOption) Resolver {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Authorization"
	}
	if cfg.TokenPrefix == "" {
		cfg.TokenPrefix = "Bearer "
	}
	if cfg.Claim == "" {
		cfg.Claim = "sub"
	}
	parser := jwt.NewParser(opts...)

	return func(r *http.Request) string {
		header := r.Header.Get(cfg.HeaderName)
		tokenString := strings.TrimPrefix(header, cfg.TokenPrefix)
		if header == "" || tokenString == header {
			return ""
		}
		token, err := parser.Parse(strings.TrimSpace(tokenString), keyFunc)
		if err != nil || !token.Valid {
			return ""
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return ""
		}
		if id, ok := claims[cfg.Claim].(string); ok {
			return id
		}
		return ""
	}
}

// HMACKey returns a key function accepting HMAC signed tokens with the given secret.
func HMACKey(secret []byte) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}
}
