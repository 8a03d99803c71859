// Package proxy implements the forwarding engine: route matching, instance
// selection, breaker gating, backpressure, and the upstream round trip.
package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelgw/kestrel/internal/config"
)

// Rule maps one path prefix onto a service.
type Rule struct {
	Prefix  string
	Service string
	// Rewrite, when set, replaces Prefix on the upstream path. Single pass;
	// occurrences of the prefix deeper in the path are untouched.
	Rewrite    string
	AuthPolicy string
	RatePolicy string
}

// RewritePath returns the upstream path for a request path already known to
// match the rule's prefix.
func (r Rule) RewritePath(path string) string {
	if r.Rewrite == "" {
		return path
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	out := r.Rewrite + rest
	if out == "" {
		return "/"
	}
	return out
}

// Table is the immutable route table, built once at startup. Matching is
// longest-prefix-wins on path segment boundaries.
type Table struct {
	rules []Rule
}

// NewTable builds a route table from config. Rules are held sorted by
// descending prefix length so the first boundary match is the longest.
func NewTable(routes []config.RouteConfig) (*Table, error) {
	rules := make([]Rule, 0, len(routes))
	seen := make(map[string]bool, len(routes))

	for _, rc := range routes {
		prefix := strings.TrimRight(rc.Prefix, "/")
		if prefix == "" {
			prefix = "/"
		}
		if seen[prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", prefix)
		}
		seen[prefix] = true

		authPolicy := rc.Auth
		if authPolicy == "" {
			authPolicy = config.AuthPublic
		}
		ratePolicy := rc.RatePolicy
		if ratePolicy == "" {
			ratePolicy = config.RatePolicyGeneral
		}

		rules = append(rules, Rule{
			Prefix:     prefix,
			Service:    rc.Service,
			Rewrite:    strings.TrimRight(rc.Rewrite, "/"),
			AuthPolicy: authPolicy,
			RatePolicy: ratePolicy,
		})
	}

	sort.Slice(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})

	return &Table{rules: rules}, nil
}

// Match returns the longest-prefix rule for path.
func (t *Table) Match(path string) (Rule, bool) {
	for _, rule := range t.rules {
		if matchPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Rules returns the table's rules in match order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// matchPrefix reports whether path falls under prefix on a segment
// boundary: /api/users matches /api/users and /api/users/42, never
// /api/users2.
func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
