// Package router implements the Router (C4): it maps an incoming
// request path to an origin URL using longest-prefix/wildcard
// patterns, the same glob syntax used by the TTL pattern config and
// matched in descending pattern-length order, mirroring the ByLen
// longest-match-wins idiom this proxy's routing layer inherited (there
// it sorted gorilla/mux path registrations; here it picks the origin
// directly, since origin selection is request-routing business logic
// rather than a second HTTP listener).
package router

import (
	"errors"
	"sort"

	"github.com/keepcache/keepcached/internal/cachekey"
)

// ErrNoRoute is returned when no pattern matches and no default origin
// is configured.
var ErrNoRoute = errors.New("router: no route for path")

// Route is one (pattern, origin) entry.
type Route struct {
	Pattern string
	Origin  string
}

// Router holds the configured routes plus an optional default origin.
type Router struct {
	routes  []Route
	ordered []Route // sorted once at construction, longest pattern first
	Default string
}

// New builds a Router from pattern->origin pairs; the order among
// equal-length patterns follows map iteration and is not defined.
// "default" is used verbatim as the fallback origin, matching the
// config shape's "default" key.
func New(patterns map[string]string) *Router {
	r := &Router{Default: patterns["default"]}
	// map iteration order is random, so capture declaration order is
	// not actually observable from a map; callers that care about
	// declaration-order tie-breaking should use NewOrdered instead.
	for p, o := range patterns {
		if p == "default" {
			continue
		}
		r.routes = append(r.routes, Route{Pattern: p, Origin: o})
	}
	r.sortByLength()
	return r
}

// NewOrdered builds a Router preserving the caller's declaration
// order for tie-breaking between same-length patterns, as specified.
func NewOrdered(routes []Route, defaultOrigin string) *Router {
	r := &Router{Default: defaultOrigin}
	r.routes = append(r.routes, routes...)
	r.sortByLength()
	return r
}

// byLen sorts routes by descending pattern length, preserving
// relative order for equal lengths (stable sort), matching the
// longest-prefix-wins-with-declaration-order-tiebreak rule.
type byLen []Route

func (b byLen) Len() int           { return len(b) }
func (b byLen) Less(i, j int) bool { return len(b[i].Pattern) > len(b[j].Pattern) }
func (b byLen) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }

func (r *Router) sortByLength() {
	r.ordered = append([]Route(nil), r.routes...)
	sort.Stable(byLen(r.ordered))
}

// Resolve returns the origin and the matched pattern for path, or
// ErrNoRoute if nothing matches and no default is configured.
func (r *Router) Resolve(path string) (origin, matchedPattern string, err error) {
	for _, route := range r.ordered {
		if cachekey.MatchPattern(route.Pattern, path) {
			return route.Origin, route.Pattern, nil
		}
	}
	if r.Default != "" {
		return r.Default, "", nil
	}
	return "", "", ErrNoRoute
}
