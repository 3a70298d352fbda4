// Package ratelimit implements the Rate-Limit & ACL component (C5):
// per-IP sliding windows, a global limit, and CIDR/glob allow/deny
// lists. The denylist-before-allowlist precedence, the IPv6 ::1
// normalization, and the CIDR/glob matching style are grounded in the
// allowedNetworks ACL check of a real ClickHouse caching proxy in the
// reference pack; the global limit is a token bucket
// (golang.org/x/time/rate), the way a sibling distributed
// cache project in the same pack uses it for the identical purpose.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of checking a request against the limiter.
type Decision struct {
	Allowed    bool
	Denied403  bool // ACL deny: 403, no Retry-After
	RetryAfter time.Duration
}

// Limiter holds the shared rate-limit/ACL state threaded through the
// pipeline; it is not a process-wide singleton (the REDESIGN FLAG
// calls for explicit component objects instead of implicit globals).
type Limiter struct {
	mu  sync.Mutex
	log map[string][]time.Time // per-IP timestamps, pruned lazily

	perMinute int
	perHour   int

	global *rate.Limiter

	allow []matcher
	deny  []matcher

	stopSweep chan struct{}

	metricsPath string
	metrics     Metrics
}

// Metrics is the persisted shape of rate-limit-metrics.json.
type Metrics struct {
	TotalAllowed      int64 `json:"totalAllowed"`
	TotalACLDenied    int64 `json:"totalAclDenied"`
	TotalRateLimited  int64 `json:"totalRateLimited"`
}

type matcher struct {
	raw   string
	cidr  *net.IPNet
	glob  bool
}

// New builds a Limiter from the configured allow/deny lists and
// limits. globalBurst of 0 defaults to globalPerMinute.
func New(perMinute, perHour, globalPerMinute, globalBurst int, allowlist, denylist []string) *Limiter {
	if globalBurst <= 0 {
		globalBurst = globalPerMinute
	}
	var globalLimiter *rate.Limiter
	if globalPerMinute > 0 {
		globalLimiter = rate.NewLimiter(rate.Limit(float64(globalPerMinute)/60.0), globalBurst)
	}
	l := &Limiter{
		log:       map[string][]time.Time{},
		perMinute: perMinute,
		perHour:   perHour,
		global:    globalLimiter,
		allow:     compileMatchers(allowlist),
		deny:      compileMatchers(denylist),
		stopSweep: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetMetricsPath enables persistence of the rate-limit counters to
// path ("<cacheDir>/rate-limit-metrics.json"), seeding from any
// previously persisted file. Tests that don't care about persistence
// simply never call this.
func (l *Limiter) SetMetricsPath(path string) {
	l.metricsPath = path
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &l.metrics)
	}
}

func (l *Limiter) persistMetrics() {
	if l.metricsPath == "" {
		return
	}
	l.mu.Lock()
	snapshot := l.metrics
	l.mu.Unlock()

	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(l.metricsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, ".rate-limit-metrics-*.tmp")
	if err != nil {
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(name)
		return
	}
	tmp.Close()
	_ = os.Rename(name, l.metricsPath)
}

func compileMatchers(entries []string) []matcher {
	out := make([]matcher, 0, len(entries))
	for _, e := range entries {
		m := matcher{raw: e}
		if _, cidr, err := net.ParseCIDR(e); err == nil {
			m.cidr = cidr
		} else if strings.ContainsAny(e, "*?") {
			m.glob = true
		}
		out = append(out, m)
	}
	return out
}

func (m matcher) matches(ip string) bool {
	if m.cidr != nil {
		parsed := net.ParseIP(ip)
		return parsed != nil && m.cidr.Contains(parsed)
	}
	if m.glob {
		ok, err := path.Match(m.raw, ip)
		return err == nil && ok
	}
	return m.raw == ip
}

// normalizeIP maps IPv6 loopback to its IPv4 form before matching, as
// specified.
func normalizeIP(ip string) string {
	if ip == "::1" {
		return "127.0.0.1"
	}
	return ip
}

// Check applies the denylist -> allowlist -> limits sequence for a
// request from ip and records the timestamp if it is allowed through.
// The rate-limit-metrics.json counters are updated in memory on every
// call and flushed to disk by the same periodic sweep that prunes
// stale timestamps, rather than on every request, since a counter
// write on every rejected request would make the sweep interval the
// only thing standing between a hot denylisted IP and constant disk
// I/O.
func (l *Limiter) Check(ip string) Decision {
	d := l.check(ip)
	l.mu.Lock()
	switch {
	case d.Allowed:
		l.metrics.TotalAllowed++
	case d.Denied403:
		l.metrics.TotalACLDenied++
	default:
		l.metrics.TotalRateLimited++
	}
	l.mu.Unlock()
	return d
}

func (l *Limiter) check(ip string) Decision {
	ip = normalizeIP(ip)

	for _, m := range l.deny {
		if m.matches(ip) {
			return Decision{Allowed: false, Denied403: true}
		}
	}
	skipLimits := false
	for _, m := range l.allow {
		if m.matches(ip) {
			skipLimits = true
			break
		}
	}

	now := time.Now()

	if !skipLimits {
		l.mu.Lock()
		timestamps := l.log[ip]
		timestamps = pruneOlderThan(timestamps, now, time.Hour)

		if l.perMinute > 0 {
			if retry, exceeded := windowExceeded(timestamps, now, time.Minute, l.perMinute); exceeded {
				l.log[ip] = timestamps
				l.mu.Unlock()
				return Decision{Allowed: false, RetryAfter: retry}
			}
		}
		if l.perHour > 0 {
			if retry, exceeded := windowExceeded(timestamps, now, time.Hour, l.perHour); exceeded {
				l.log[ip] = timestamps
				l.mu.Unlock()
				return Decision{Allowed: false, RetryAfter: retry}
			}
		}
		if l.global != nil {
			res := l.global.Reserve()
			if !res.OK() {
				l.log[ip] = timestamps
				l.mu.Unlock()
				return Decision{Allowed: false, RetryAfter: time.Second}
			}
			if d := res.Delay(); d > 0 {
				res.Cancel()
				l.log[ip] = timestamps
				l.mu.Unlock()
				return Decision{Allowed: false, RetryAfter: d}
			}
		}
		timestamps = append(timestamps, now)
		l.log[ip] = timestamps
		l.mu.Unlock()
	}

	return Decision{Allowed: true}
}

// windowExceeded reports whether recording one more request would
// exceed limit within the trailing window, and if so the Retry-After
// duration: seconds until the oldest in-window timestamp ages out.
func windowExceeded(timestamps []time.Time, now time.Time, window time.Duration, limit int) (time.Duration, bool) {
	count := 0
	var oldest time.Time
	for _, ts := range timestamps {
		if now.Sub(ts) <= window {
			if count == 0 || ts.Before(oldest) {
				oldest = ts
			}
			count++
		}
	}
	if count < limit {
		return 0, false
	}
	retry := window - now.Sub(oldest)
	if retry < 0 {
		retry = 0
	}
	return retry, true
}

func pruneOlderThan(timestamps []time.Time, now time.Time, max time.Duration) []time.Time {
	kept := timestamps[:0:0]
	for _, ts := range timestamps {
		if now.Sub(ts) <= max {
			kept = append(kept, ts)
		}
	}
	return kept
}

// sweepLoop discards timestamps older than one hour every five
// minutes, serialized with lookups via the same mutex.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	for ip, timestamps := range l.log {
		pruned := pruneOlderThan(timestamps, now, time.Hour)
		if len(pruned) == 0 {
			delete(l.log, ip)
		} else {
			l.log[ip] = pruned
		}
	}
	l.mu.Unlock()
	l.persistMetrics()
}

// Stop halts the background sweep goroutine, flushing the metrics
// counters one last time.
func (l *Limiter) Stop() {
	close(l.stopSweep)
	l.persistMetrics()
}

// RetryAfterHeaderValue renders d as the integer-seconds string the
// Retry-After header expects.
func RetryAfterHeaderValue(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
