// Package cachekey implements the Key & TTL Policy (C2) and the
// Admission Policy (C3): cache key derivation, TTL resolution, and
// the isCacheable decision.
package cachekey

import (
	"crypto/md5" //nolint:gosec // specified verbatim: first 8 hex chars of MD5 over the vary-header string
	"fmt"
	neturl "net/url"
	"sort"
	"strconv"
	"strings"
)

// KeyOf derives the CacheKey: UPPER(method) ":" url [":" headerHash].
// headerHash is present only when effectiveVaryHeaders is non-empty.
func KeyOf(method, url string, requestHeaders map[string]string, effectiveVaryHeaders []string) string {
	base := strings.ToUpper(method) + ":" + url
	if len(effectiveVaryHeaders) == 0 {
		return base
	}
	names := make([]string, len(effectiveVaryHeaders))
	copy(names, effectiveVaryHeaders)
	for i, n := range names {
		names[i] = strings.ToLower(n)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(lookupHeader(requestHeaders, name))
	}
	sum := md5.Sum([]byte(sb.String())) //nolint:gosec
	hash := fmt.Sprintf("%x", sum)[:8]
	return base + ":" + hash
}

func lookupHeader(headers map[string]string, lowerName string) string {
	for k, v := range headers {
		if strings.EqualFold(k, lowerName) {
			return v
		}
	}
	return ""
}

// EffectiveVaryHeaders is the union of the origin's Vary header names
// and the configured cache-key header allow-list, minus "*". Returns
// (nil, true) when the response's Vary contains "*" — such a response
// is never stored.
func EffectiveVaryHeaders(varyHeaderValue string, configuredAllowlist []string) (names []string, starVary bool) {
	set := map[string]struct{}{}
	for _, n := range strings.Split(varyHeaderValue, ",") {
		n = strings.TrimSpace(strings.ToLower(n))
		if n == "" {
			continue
		}
		if n == "*" {
			return nil, true
		}
		set[n] = struct{}{}
	}
	for _, n := range configuredAllowlist {
		set[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, false
}

// DefaultTTLMillis is used when neither Cache-Control nor a pattern
// match supplies a TTL.
const DefaultTTLMillis = 300000

// TTLOf resolves the effective TTL in milliseconds, in priority
// order: Cache-Control max-age, then the longest-matching pattern in
// patternTTLSecs, then defaultTTLMillis.
func TTLOf(url, cacheControl string, patternTTLSecs map[string]int, defaultTTLMillis int64) int64 {
	if n, ok := maxAgeSeconds(cacheControl); ok {
		return n * 1000
	}
	if secs, ok := longestMatch(url, patternTTLSecs); ok {
		return int64(secs) * 1000
	}
	if defaultTTLMillis > 0 {
		return defaultTTLMillis
	}
	return DefaultTTLMillis
}

func maxAgeSeconds(cacheControl string) (int64, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		const prefix = "max-age="
		if strings.HasPrefix(strings.ToLower(directive), prefix) {
			v := directive[len(prefix):]
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				continue
			}
			return n, true
		}
	}
	return 0, false
}

// longestMatch finds the longest (by pattern length) glob in patterns
// that matches url's path. A map has no declaration order, so ties
// between equal-length patterns go to the lexicographically smallest.
func longestMatch(url string, patterns map[string]int) (int, bool) {
	path := url
	if u, err := neturl.Parse(url); err == nil && u.Path != "" {
		path = u.Path
	}
	best := ""
	bestVal := 0
	found := false
	keys := make([]string, 0, len(patterns))
	for p := range patterns {
		keys = append(keys, p)
	}
	sort.Strings(keys)
	for _, p := range keys {
		if MatchPattern(p, path) {
			if !found || len(p) > len(best) {
				best = p
				bestVal = patterns[p]
				found = true
			}
		}
	}
	return bestVal, found
}

// MatchPattern implements the glob syntax shared by TTL patterns and
// router patterns: "*" matches within a path segment, "**" matches
// across segments.
func MatchPattern(pattern, path string) bool {
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	uSegs := strings.Split(strings.Trim(path, "/"), "/")
	return matchSegs(pSegs, uSegs)
}

func matchSegs(pSegs, uSegs []string) bool {
	if len(pSegs) == 0 {
		return len(uSegs) == 0
	}
	head := pSegs[0]
	if head == "**" {
		if len(pSegs) == 1 {
			return true
		}
		for i := 0; i <= len(uSegs); i++ {
			if matchSegs(pSegs[1:], uSegs[i:]) {
				return true
			}
		}
		return false
	}
	if len(uSegs) == 0 {
		return false
	}
	if !matchSeg(head, uSegs[0]) {
		return false
	}
	return matchSegs(pSegs[1:], uSegs[1:])
}

func matchSeg(pat, seg string) bool {
	if pat == "*" {
		return true
	}
	return pat == seg
}

// IsCacheable implements the Admission Policy (C3).
func IsCacheable(method string, statusCode int, cacheControl string, hasAuth bool, varyHeaders []string) bool {
	if !strings.EqualFold(method, "GET") {
		return false
	}
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	if hasAuth {
		return false
	}
	lower := strings.ToLower(cacheControl)
	for _, forbidden := range []string{"no-store", "no-cache", "private"} {
		if strings.Contains(lower, forbidden) {
			return false
		}
	}
	for _, v := range varyHeaders {
		if v == "*" {
			return false
		}
	}
	return true
}

// HasAuth reports whether a request carries credentials that make it
// ineligible for a shared cache entry.
func HasAuth(headers map[string]string) bool {
	for k := range headers {
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Cookie") {
			return true
		}
	}
	return false
}
