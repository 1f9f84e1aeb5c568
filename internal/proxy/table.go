// Package proxy holds the prefix rule table and the handler that forwards
// matching requests to their backend.
package proxy

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rathix/devproxy/internal/config"
)

// Rewrite replaces matches of Pattern in the request path with Replacement.
type Rewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Rule is a compiled proxy rule.
type Rule struct {
	Prefix       string
	Target       *url.URL
	ChangeOrigin bool
	Rewrites     []Rewrite
	WS           bool
}

// ForwardPath returns the path sent upstream. Without rewrites the incoming
// path is kept whole, prefix included. The handler passes the escaped form
// so patterns see percent-encoded segments as the client sent them.
func (r *Rule) ForwardPath(path string) string {
	for _, rw := range r.Rewrites {
		path = rw.Pattern.ReplaceAllString(path, rw.Replacement)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// Table is an immutable set of rules ordered longest prefix first.
type Table struct {
	rules []*Rule
}

// NewTable compiles the proxy section of a config.
func NewTable(rules map[string]config.ProxyRule) (*Table, error) {
	t := &Table{rules: make([]*Rule, 0, len(rules))}
	seen := make(map[string]string, len(rules))
	for prefix, pr := range rules {
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("proxy prefix %q must start with '/'", prefix)
		}
		// "/api" and "/api/" would claim the same requests.
		key := strings.TrimSuffix(prefix, "/")
		if other, dup := seen[key]; dup {
			return nil, fmt.Errorf("proxy prefixes %q and %q overlap", other, prefix)
		}
		seen[key] = prefix

		rule, err := compileRule(prefix, pr)
		if err != nil {
			return nil, err
		}
		t.rules = append(t.rules, rule)
	}
	sort.Slice(t.rules, func(i, j int) bool {
		if len(t.rules[i].Prefix) != len(t.rules[j].Prefix) {
			return len(t.rules[i].Prefix) > len(t.rules[j].Prefix)
		}
		return t.rules[i].Prefix < t.rules[j].Prefix
	})
	return t, nil
}

func compileRule(prefix string, pr config.ProxyRule) (*Rule, error) {
	target, err := url.Parse(strings.TrimSpace(pr.Target))
	if err != nil {
		return nil, fmt.Errorf("proxy %q: invalid target: %w", prefix, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("proxy %q: target %q must be an absolute URL", prefix, pr.Target)
	}

	patterns := make([]string, 0, len(pr.PathRewrite))
	for p := range pr.PathRewrite {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	rewrites := make([]Rewrite, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: pathRewrite %q: %w", prefix, p, err)
		}
		rewrites = append(rewrites, Rewrite{Pattern: re, Replacement: pr.PathRewrite[p]})
	}

	return &Rule{
		Prefix:       prefix,
		Target:       target,
		ChangeOrigin: pr.ChangeOrigin,
		Rewrites:     rewrites,
		WS:           pr.WS,
	}, nil
}

// Match returns the rule whose prefix starts path. When prefixes nest, the
// longest one wins.
func (t *Table) Match(path string) (*Rule, bool) {
	for _, r := range t.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return nil, false
}

// Rules returns the rules in match order.
func (t *Table) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len reports the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}
