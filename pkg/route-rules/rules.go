package rules

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

// Rules declare route metadata for requests by path. The first matching rule wins.
type Rules []Rule

type Rule struct {
	Prefix  string            `yaml:"prefix"`
	Path    string            `yaml:"path"`
	Query   map[string]string `yaml:"query"`
	Headers map[string]string `yaml:"headers"`

	DoNotCache bool          `yaml:"doNotCache"`
	TTL        time.Duration `yaml:"ttl"`
	Tags       []string      `yaml:"tags"`
}

// Meta returns the route metadata of the first rule matching r.
func (r Rules) Meta(req *http.Request) facts.RouteMeta {
	if rule := r.find(req); rule != nil {
		return rule.Meta()
	}
	return facts.RouteMeta{}
}

func (rule Rule) Meta() facts.RouteMeta {
	return facts.RouteMeta{
		DoNotCache: rule.DoNotCache,
		TTL:        rule.TTL,
		Tags:       append([]string(nil), rule.Tags...),
	}
}

func (r Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		for name, value := range rule.Headers {
			if req.Header.Get(name) != value {
				continue rulesLoop
			}
		}
		log.Trace().Msgf("Matched rule %+v", *rule)
		return rule
	}
	return nil
}
