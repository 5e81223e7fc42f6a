package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/responsecache"
	"github.com/always-cache/responsecache/cache"
	cachekey "github.com/always-cache/responsecache/pkg/cache-key"
	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

const adminPrefix = "/_responsecache"

type adminStatus struct {
	Enabled bool   `json:"enabled"`
	Flushed bool   `json:"flushed,omitempty"`
	Message string `json:"message,omitempty"`
}

// adminRouter exposes the invalidation and switch operations of rc.
// Every request must carry the token as a bearer credential.
func adminRouter(rc *responsecache.ResponseCache, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(requireToken(token))
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, adminStatus{Enabled: rc.Enabled()})
	})
	r.Post("/enable", func(w http.ResponseWriter, req *http.Request) {
		rc.Enable()
		writeJSON(w, http.StatusOK, adminStatus{Enabled: rc.Enabled()})
	})
	r.Post("/disable", func(w http.ResponseWriter, req *http.Request) {
		rc.Disable()
		writeJSON(w, http.StatusOK, adminStatus{Enabled: rc.Enabled()})
	})
	r.Post("/forget", func(w http.ResponseWriter, req *http.Request) {
		uris := req.URL.Query()["uri"]
		if len(uris) == 0 {
			writeJSON(w, http.StatusBadRequest, adminStatus{Enabled: rc.Enabled(), Message: "no uri given"})
			return
		}
		if rc.BaseURL() == "" {
			// cached responses are keyed by the host clients use, which is the one the admin call came in on
			if base, err := url.Parse(facts.AbsoluteURL(req)); err == nil {
				root := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}
				for i, uri := range uris {
					if ref, err := url.Parse(uri); err == nil && !ref.IsAbs() {
						uris[i] = root.ResolveReference(ref).String()
					}
				}
			}
		}
		if err := rc.Forget(req.Context(), uris...); err != nil {
			adminError(w, req, rc, err)
			return
		}
		writeJSON(w, http.StatusOK, adminStatus{Enabled: rc.Enabled()})
	})
	r.Post("/clear", func(w http.ResponseWriter, req *http.Request) {
		err := rc.ClearTag(req.Context(), req.URL.Query().Get("tag"))
		if errors.Is(err, cache.ErrTagsUnsupported) {
			writeJSON(w, http.StatusOK, adminStatus{Enabled: rc.Enabled(), Flushed: true, Message: err.Error()})
			return
		} else if err != nil {
			adminError(w, req, rc, err)
			return
		}
		writeJSON(w, http.StatusOK, adminStatus{Enabled: rc.Enabled()})
	})
	r.Post("/flush", func(w http.ResponseWriter, req *http.Request) {
		if err := rc.Flush(req.Context()); err != nil {
			adminError(w, req, rc, err)
			return
		}
		writeJSON(w, http.StatusOK, adminStatus{Enabled: rc.Enabled(), Flushed: true})
	})
	return r
}

func adminError(w http.ResponseWriter, r *http.Request, rc *responsecache.ResponseCache, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, cachekey.ErrMalformedURL) {
		status = http.StatusBadRequest
	} else {
		hlog.FromRequest(r).Error().Err(err).Msg("Admin operation failed")
	}
	writeJSON(w, status, adminStatus{Enabled: rc.Enabled(), Message: err.Error()})
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
