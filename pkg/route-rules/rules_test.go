package rules

import (
	"net/http"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestRuleFinder(t *testing.T) {
	makeReq := func(method, path string) *http.Request {
		req, _ := http.NewRequest(method, path, nil)
		return req
	}

	rules := Rules{
		Rule{Prefix: "/wp-", DoNotCache: true},
		Rule{Path: "/feed", Query: map[string]string{"format": "rss"}, TTL: time.Minute},
		Rule{Path: "/feed", Query: map[string]string{"preview": ""}, DoNotCache: true},
		Rule{Prefix: "/", Tags: []string{"pages"}},
	}

	if meta := rules.Meta(makeReq("GET", "/wp-admin")); !meta.DoNotCache {
		t.Fatalf("Incorrect rule %+v", meta)
	}
	if meta := rules.Meta(makeReq("GET", "/feed?format=rss")); meta.TTL != time.Minute {
		t.Fatalf("Incorrect rule %+v", meta)
	}
	if meta := rules.Meta(makeReq("GET", "/feed?preview")); !meta.DoNotCache {
		t.Fatalf("Incorrect rule %+v", meta)
	}
	if meta := rules.Meta(makeReq("GET", "/feed?format=atom")); len(meta.Tags) != 1 || meta.Tags[0] != "pages" {
		t.Fatalf("Incorrect rule %+v", meta)
	}
	if meta := (Rules{Rule{Path: "/only"}}).Meta(makeReq("GET", "/other")); meta.DoNotCache || meta.TTL != 0 || meta.Tags != nil {
		t.Fatalf("Unexpected match %+v", meta)
	}
}

func TestHeaderMatch(t *testing.T) {
	rules := Rules{Rule{Headers: map[string]string{"X-Preview": "1"}, DoNotCache: true}}
	req, _ := http.NewRequest("GET", "/", nil)
	if rules.Meta(req).DoNotCache {
		t.Fatal("Rule matched without header")
	}
	req.Header.Set("X-Preview", "1")
	if !rules.Meta(req).DoNotCache {
		t.Fatal("Rule did not match header")
	}
}

func TestMetaIsCopy(t *testing.T) {
	rules := Rules{Rule{Tags: []string{"a"}}}
	req, _ := http.NewRequest("GET", "/", nil)
	meta := rules.Meta(req)
	meta.Tags[0] = "changed"
	if rules[0].Tags[0] != "a" {
		t.Fatal("Rule tags were modified through metadata")
	}
}

func TestYAML(t *testing.T) {
	var rules Rules
	err := yaml.Unmarshal([]byte(`
- prefix: /api/
  ttl: 5m
  tags: [api]
- path: /account
  doNotCache: true
`), &rules)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if len(rules) != 2 || rules[0].TTL != 5*time.Minute || rules[0].Tags[0] != "api" || !rules[1].DoNotCache {
		t.Fatalf("Rules parsed wrong: %+v", rules)
	}
}
