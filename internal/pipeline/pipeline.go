// Package pipeline implements the Request Pipeline (C9): it
// orchestrates every other component for a single HTTP exchange,
// exactly in the stage order specified — accept, health short-
// circuit, rate-limit/ACL, route, beforeRequest, compute key, cache
// lookup, origin fetch with conditional revalidation, admission,
// afterRequest, analytics.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/api/trace"

	"github.com/keepcache/keepcached/internal/analytics"
	"github.com/keepcache/keepcached/internal/cache"
	"github.com/keepcache/keepcached/internal/cachekey"
	"github.com/keepcache/keepcached/internal/health"
	"github.com/keepcache/keepcached/internal/originclient"
	"github.com/keepcache/keepcached/internal/plugin"
	"github.com/keepcache/keepcached/internal/ratelimit"
	"github.com/keepcache/keepcached/internal/router"
	"github.com/keepcache/keepcached/internal/tracing"
)

// CacheStatus values stamped onto the X-Cache response header.
const (
	StatusHit         = "HIT"
	StatusMiss        = "MISS"
	StatusRevalidated = "REVALIDATED"
)

// Config bundles the per-request-independent knobs the pipeline
// consults every request.
type Config struct {
	DefaultTTLMillis   int64
	PatternTTLSecs     map[string]int
	CacheKeyHeaders    []string
	Compression        string
	MaxResponseBytes   int64
	ExcludeAuthenticated bool
	HealthEndpoint     string
	CacheVersion       string
}

// Pipeline wires together every component needed to serve one
// request.
type Pipeline struct {
	Cfg       Config
	Cache     *cache.Cache
	Router    *router.Router
	Limiter   *ratelimit.Limiter
	Origin    *originclient.Client
	Health    *health.Monitor
	Plugins   *plugin.Host
	Analytics *analytics.Recorder
	BootTime  time.Time
}

// ServeHTTP implements the full pipeline as a net/http handler; it is
// intentionally not registered directly as a mux handler for the
// health endpoint, since that check happens inside stage 2 here (the
// spec treats it as a pipeline short-circuit, not a separate route).
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	ctx := r.Context()

	rc := &plugin.RequestContext{
		RequestID:       requestID,
		ClientIP:        clientIP(r),
		Method:          r.Method,
		URL:             r.URL.String(),
		RequestHeaders:  flattenHeader(r.Header),
		ResponseHeaders: map[string]string{},
	}

	if p.Cfg.HealthEndpoint != "" && r.URL.Path == p.Cfg.HealthEndpoint {
		p.serveHealth(w, r)
		return
	}

	if p.Limiter != nil {
		decision := p.Limiter.Check(rc.ClientIP)
		if !decision.Allowed {
			if decision.Denied403 {
				p.fail(w, rc, start, "ratelimit", 403, fmt.Errorf("acl denied"), "")
				return
			}
			w.Header().Set("Retry-After", ratelimit.RetryAfterHeaderValue(decision.RetryAfter))
			p.fail(w, rc, start, "ratelimit", 429, fmt.Errorf("rate limited"), "")
			return
		}
	}

	var routeSpan trace.Span
	ctx, routeSpan = tracing.SpanFromContext(ctx, "route")
	origin, _, err := p.Router.Resolve(r.URL.Path)
	routeSpan.End()
	if err != nil {
		p.fail(w, rc, start, "route", 502, err, "")
		return
	}

	var beforeSpan trace.Span
	ctx, beforeSpan = tracing.SpanFromContext(ctx, "beforeRequest")
	rc = p.Plugins.BeforeRequest(rc)
	beforeSpan.End()
	mergedHeaders := mapToHeader(rc.RequestHeaders)

	hasAuth := cachekey.HasAuth(rc.RequestHeaders)

	originURL := origin + r.URL.Path
	if r.URL.RawQuery != "" {
		originURL += "?" + r.URL.RawQuery
	}

	key := cachekey.KeyOf(r.Method, originURL, rc.RequestHeaders, p.Cfg.CacheKeyHeaders)

	var cacheSpan trace.Span
	ctx, cacheSpan = tracing.SpanFromContext(ctx, "cacheLookup")
	nowMillis := time.Now().UnixMilli()
	entry, hit := p.Cache.Get(key, nowMillis)
	cacheSpan.AddEventWithTimestamp(ctx, time.Now(), "cacheLookup", tracing.Tag("hit", strconv.FormatBool(hit)))
	cacheSpan.End()

	if hit && entry.ExpiresAt > nowMillis {
		p.Plugins.OnCacheHit(rc)
		p.respondFromEntry(w, entry, StatusHit)
		p.recordAnalytics(rc, start, analytics.OutcomeHit, originURL, 0, int64(len(entry.Body)), entry.Compression)
		p.Plugins.AfterRequest(rc)
		return
	}

	// A stale-but-present entry is, for onCacheMiss purposes, treated
	// the same as a true absence: the source fires recordMiss on both
	// a true miss and an expiry, and only the later 304 branch (if any)
	// reclassifies the outcome as REVALIDATED rather than MISS.
	p.Plugins.OnCacheMiss(rc)
	var validators *originclient.Validators
	if hit {
		validators = &originclient.Validators{ETag: entry.ETag, LastModified: entry.LastModified}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var fetchSpan trace.Span
	fetchCtx, fetchSpan = tracing.SpanFromContext(fetchCtx, "originFetch")
	result, err := p.Origin.Fetch(fetchCtx, origin, r.Method, originURL, mergedHeaders, r.Body, validators)
	fetchSpan.End()
	if err != nil {
		p.fail(w, rc, start, "originFetch", 502, err, "")
		return
	}

	if result.StatusCode == http.StatusNotModified && hit {
		ttl := cachekey.TTLOf(originURL, result.Headers.Get("Cache-Control"), p.Cfg.PatternTTLSecs, p.Cfg.DefaultTTLMillis)
		entry.ExpiresAt = nowMillis + ttl
		entry.LastAccessTime = nowMillis
		_ = p.Cache.Put(key, entry)
		p.respondFromEntry(w, entry, StatusRevalidated)
		p.recordAnalytics(rc, start, analytics.OutcomeRevalidated, originURL, int64(len(result.Body)), int64(len(entry.Body)), entry.Compression)
		p.Plugins.AfterRequest(rc)
		return
	}

	var admitSpan trace.Span
	ctx, admitSpan = tracing.SpanFromContext(ctx, "admission")
	p.admit(r.Method, key, originURL, result, hasAuth, rc.RequestHeaders)
	admitSpan.End()

	for k, v := range rc.ResponseHeaders {
		w.Header().Set(k, v)
	}
	for k, vals := range result.Headers {
		w.Header()[k] = vals
	}
	w.Header().Set("X-Cache", StatusMiss)
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)

	var afterSpan trace.Span
	_, afterSpan = tracing.SpanFromContext(ctx, "afterRequest")
	rc = p.Plugins.AfterRequest(rc)
	afterSpan.End()
	p.recordAnalytics(rc, start, analytics.OutcomeMiss, originURL, int64(len(result.Body)), int64(len(result.Body)), "")
}

func (p *Pipeline) admit(method, key, url string, result *originclient.Result, hasAuth bool, requestHeaders map[string]string) {
	cacheControl := result.Headers.Get("Cache-Control")
	varyValue := result.Headers.Get("Vary")
	varyHeaders, starVary := cachekey.EffectiveVaryHeaders(varyValue, p.Cfg.CacheKeyHeaders)
	if starVary {
		return
	}
	if !cachekey.IsCacheable(method, result.StatusCode, cacheControl, hasAuth, varyHeaders) {
		return
	}
	if int64(len(result.Body)) > p.Cfg.MaxResponseBytes {
		return
	}

	finalKey := key
	if len(varyHeaders) > 0 {
		finalKey = cachekey.KeyOf(method, url, requestHeaders, varyHeaders)
	}

	body, err := cache.Compress(p.Cfg.Compression, result.Body)
	if err != nil {
		return
	}
	now := time.Now().UnixMilli()
	ttl := cachekey.TTLOf(url, cacheControl, p.Cfg.PatternTTLSecs, p.Cfg.DefaultTTLMillis)
	entry := &cache.Entry{
		StatusCode:     result.StatusCode,
		Headers:        flattenHeader(result.Headers),
		Body:           body,
		Compression:    p.Cfg.Compression,
		VaryHeaders:    varyHeaders,
		ETag:           result.Headers.Get("ETag"),
		LastModified:   result.Headers.Get("Last-Modified"),
		CachedAt:       now,
		ExpiresAt:      now + ttl,
		LastAccessTime: now,
		Version:        p.Cfg.CacheVersion,
	}
	if err := p.Cache.Put(finalKey, entry); err == nil {
		rc := &plugin.RequestContext{}
		p.Plugins.OnCacheStore(rc)
	}
}

func (p *Pipeline) respondFromEntry(w http.ResponseWriter, e *cache.Entry, status string) {
	body, err := cache.Decompress(e.Compression, e.Body)
	if err != nil {
		body = e.Body
	}
	for k, v := range e.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Cache", status)
	w.WriteHeader(e.StatusCode)
	w.Write(body)
}

func (p *Pipeline) fail(w http.ResponseWriter, rc *plugin.RequestContext, start time.Time, stage string, status int, err error, _ string) {
	p.Plugins.OnError(rc, stage, err)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Request-Id", rc.RequestID)
	if status == 429 {
		// Retry-After already set by the caller before invoking fail.
	}
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s: %v\n", stage, err)
	p.recordAnalytics(rc, start, analytics.OutcomeError, rc.URL, 0, 0, "")
}

func (p *Pipeline) recordAnalytics(rc *plugin.RequestContext, start time.Time, outcome analytics.Outcome, url string, originBytes, servedBytes int64, codec string) {
	if p.Analytics == nil {
		return
	}
	elapsed := time.Since(start).Seconds() * 1000
	p.Analytics.Record(outcome, url, elapsed, originBytes, servedBytes, codec)
}

// healthPayload is the JSON shape of the /__health endpoint.
type healthPayload struct {
	Status string `json:"status"`
	Uptime float64 `json:"uptime"`
	Cache  struct {
		Size        int     `json:"size"`
		HitRate     float64 `json:"hitRate"`
		TotalHits   int64   `json:"totalHits"`
		TotalMisses int64   `json:"totalMisses"`
	} `json:"cache"`
	Origin struct {
		URL       string `json:"url"`
		Reachable bool   `json:"reachable"`
	} `json:"origin"`
	Memory struct {
		AllocBytes      uint64 `json:"allocBytes"`
		SysBytes        uint64 `json:"sysBytes"`
		NumGoroutine    int    `json:"numGoroutine"`
	} `json:"memory"`
	Version string `json:"version"`
}

func (p *Pipeline) serveHealth(w http.ResponseWriter, r *http.Request) {
	stats := p.Cache.Stats()
	tot := analytics.Totals{}
	if p.Analytics != nil {
		tot = p.Analytics.Snapshot()
	}

	var payload healthPayload
	payload.Uptime = time.Since(p.BootTime).Seconds()
	payload.Cache.Size = stats.Count
	payload.Cache.HitRate = tot.HitRate()
	payload.Cache.TotalHits = tot.Hits
	payload.Cache.TotalMisses = tot.Misses
	payload.Version = p.Cfg.CacheVersion

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	payload.Memory.AllocBytes = mem.Alloc
	payload.Memory.SysBytes = mem.Sys
	payload.Memory.NumGoroutine = runtime.NumGoroutine()

	healthy := true
	if p.Health != nil {
		all := p.Health.All()
		if p.Router != nil && p.Router.Default != "" {
			payload.Origin.URL = p.Router.Default
		}
		for o, h := range all {
			if payload.Origin.URL == "" {
				payload.Origin.URL = o
			}
			if o == payload.Origin.URL {
				payload.Origin.Reachable = h.Status != health.StatusUnhealthy
			}
			if h.Status == health.StatusUnhealthy {
				healthy = false
			}
		}
	} else {
		payload.Origin.Reachable = true
	}
	payload.Status = healthStatusString(healthy)

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func healthStatusString(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 && !strings.Contains(ip[idx:], "]") {
		ip = ip[:idx]
	}
	return strings.Trim(ip, "[]")
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func mapToHeader(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
