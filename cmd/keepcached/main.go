// Command keepcached runs the caching HTTP reverse proxy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"

	"github.com/keepcache/keepcached/internal/analytics"
	"github.com/keepcache/keepcached/internal/cache"
	"github.com/keepcache/keepcached/internal/cache/bboltstore"
	"github.com/keepcache/keepcached/internal/cache/document"
	"github.com/keepcache/keepcached/internal/cache/redisstore"
	"github.com/keepcache/keepcached/internal/config"
	"github.com/keepcache/keepcached/internal/health"
	"github.com/keepcache/keepcached/internal/logging"
	"github.com/keepcache/keepcached/internal/originclient"
	"github.com/keepcache/keepcached/internal/pipeline"
	"github.com/keepcache/keepcached/internal/plugin"
	"github.com/keepcache/keepcached/internal/ratelimit"
	"github.com/keepcache/keepcached/internal/router"
	"github.com/keepcache/keepcached/internal/server"
	"github.com/keepcache/keepcached/internal/tracing"
)

const applicationName = "keepcached"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(applicationName, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	level.Info(logger).Log("msg", "starting", "app", applicationName)

	cacheDir := cacheDirFor(cfg)
	backend, err := buildBackend(cfg, cacheDir)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open cache backend", "err", err)
		return 2
	}

	c, err := cache.New(backend, cfg.Cache.MaxEntries, int64(cfg.Cache.MaxSizeMB)<<20)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load cache", "err", err)
		return 2
	}

	if err := reconcileVersion(cacheDir, cfg, c, logger); err != nil {
		level.Error(logger).Log("msg", "version reconciliation failed", "err", err)
		return 2
	}

	if code, handled := handleMaintenanceFlags(flags, c, cfg); handled {
		return code
	}

	version.Version = cfg.Cache.Version
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(version.NewCollector(applicationName))

	rec := analytics.New(cacheDir+"/analytics.json", reg)

	routes := make([]router.Route, 0, len(cfg.Origins))
	defaultOrigin := ""
	for pattern, origin := range cfg.Origins {
		if pattern == "default" {
			defaultOrigin = origin
			continue
		}
		routes = append(routes, router.Route{Pattern: pattern, Origin: origin})
	}
	if defaultOrigin == "" {
		defaultOrigin = cfg.Server.Origin
	}
	rt := router.NewOrdered(routes, defaultOrigin)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerHour,
			cfg.RateLimit.GlobalLimit, cfg.RateLimit.GlobalBurst, cfg.RateLimit.Whitelist, cfg.RateLimit.Blacklist)
		limiter.SetMetricsPath(cacheDir + "/rate-limit-metrics.json")
		defer limiter.Stop()
	}

	metrics := originclient.NewMetrics(reg)
	originCl := originclient.New(
		time.Duration(cfg.Connection.RequestTimeoutSecs)*time.Second,
		cfg.Connection.MaxIdleConns,
		cfg.Security.MaxRequestSize,
		logger,
		metrics,
		time.Duration(cfg.Connection.KeepAliveTimeoutSecs)*time.Second,
	)

	var healthMonitor *health.Monitor
	if cfg.HealthCheck.Enabled {
		origins := cfg.HealthCheck.Origins
		if len(origins) == 0 {
			for _, o := range cfg.Origins {
				origins = append(origins, o)
			}
		}
		healthMonitor = health.New(origins, time.Duration(cfg.HealthCheck.Interval)*time.Second,
			time.Duration(cfg.HealthCheck.Timeout)*time.Second, cfg.HealthCheck.Method, cfg.HealthCheck.Path,
			cacheDir+"/health-metrics.json", nil)
		healthMonitor.Start()
		defer healthMonitor.Stop()
	}

	pluginHost, pluginErrs := plugin.Build(cfg.Plugins, func(rc *plugin.RequestContext, stage string, err error) {
		level.Warn(logger).Log("msg", "plugin fault", "stage", stage, "err", err)
	})
	for _, e := range pluginErrs {
		level.Warn(logger).Log("msg", "plugin configuration error", "err", e)
	}
	pluginHost.OnServerStart(context.Background(), &plugin.RequestContext{})

	pl := &pipeline.Pipeline{
		Cfg: pipeline.Config{
			DefaultTTLMillis:   int64(cfg.Cache.DefaultTTLSecs) * 1000,
			PatternTTLSecs:     cfg.Cache.PatternTTL,
			CacheKeyHeaders:    cfg.Cache.CacheKeyHeaders,
			Compression:        cfg.Cache.Compression,
			MaxResponseBytes:   cfg.Security.MaxRequestSize,
			ExcludeAuthenticated: cfg.Security.ExcludeAuthenticatedRequests,
			HealthEndpoint:     "/__health",
			CacheVersion:       cfg.Cache.Version,
		},
		Cache:     c,
		Router:    rt,
		Limiter:   limiter,
		Origin:    originCl,
		Health:    healthMonitor,
		Plugins:   pluginHost,
		Analytics: rec,
		BootTime:  time.Now(),
	}

	if cfg.Tracing.Implementation != "" && cfg.Tracing.Implementation != "none" {
		flush, err := tracing.SetTracer(tracing.ParseImplementation(cfg.Tracing.Implementation), cfg.Tracing.CollectorEndpoint)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to set up tracer", "err", err)
		} else {
			defer flush()
		}
	}

	handler := server.New(pl, reg, os.Stdout)
	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(addr, handler, func(ctx context.Context) {
		pluginHost.OnServerStop(ctx, &plugin.RequestContext{})
		_ = c.Close()
	})

	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "listening", "addr", addr)
		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			level.Error(logger).Log("msg", "server failed", "err", err)
			return 2
		}
	case <-sigCh:
		level.Info(logger).Log("msg", "shutting down")
		if err := srv.Shutdown(10 * time.Second); err != nil {
			level.Error(logger).Log("msg", "shutdown error", "err", err)
			return 2
		}
	}
	return 0
}

func cacheDirFor(cfg *config.Config) string {
	switch cfg.Cache.Backend {
	case "bbolt":
		return dirOf(cfg.Cache.BBolt.Path)
	default:
		return "/tmp/keepcached"
	}
}

func dirOf(path string) string {
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		return path[:idx]
	}
	return "."
}

// versionState is the persisted shape of version.json.
type versionState struct {
	Version      string `json:"version"`
	Timestamp    int64  `json:"timestamp"`
	CacheCleared bool   `json:"cacheCleared"`
}

// reconcileVersion compares cfg.Cache.Version against the epoch
// recorded the last time keepcached ran against this cache directory.
// A mismatch triggers a purge when cfg.Cache.Versioning.PurgeOnMismatch
// is set; otherwise the new and old epochs simply coexist in the
// store (entries still carry their own Entry.Version stamp).
func reconcileVersion(cacheDir string, cfg *config.Config, c *cache.Cache, logger log.Logger) error {
	path := cacheDir + "/version.json"
	var prev versionState
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &prev)
	}

	cleared := false
	if prev.Version != "" && prev.Version != cfg.Cache.Version {
		if cfg.Cache.Versioning.PurgeOnMismatch {
			if _, err := c.DeleteMatching(func(string, *cache.Entry) bool { return true }); err != nil {
				return fmt.Errorf("version purge: %w", err)
			}
			cleared = true
		}
		level.Warn(logger).Log("msg", "cache version changed", "from", prev.Version, "to", cfg.Cache.Version, "purged", cleared)
	}

	next := versionState{Version: cfg.Cache.Version, Timestamp: time.Now().UnixMilli(), CacheCleared: cleared}
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("version marshal: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("version mkdir: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

func buildBackend(cfg *config.Config, cacheDir string) (cache.Backend, error) {
	switch cfg.Cache.Backend {
	case "bbolt":
		return bboltstore.New(cfg.Cache.BBolt.Path, cfg.Cache.BBolt.Bucket)
	case "redis":
		return redisstore.New(cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB), nil
	default:
		return document.New(cacheDir + "/cache-data.json"), nil
	}
}

// handleMaintenanceFlags services the one-shot cache-maintenance CLI
// flags against an already-loaded cache, returning (exitCode, true)
// if one of them was handled (in which case the server does not
// start).
func handleMaintenanceFlags(f *config.Flags, c *cache.Cache, cfg *config.Config) (int, bool) {
	switch {
	case f.ClearCache:
		return runClear(c, f.DryRun, "entries", func(string, *cache.Entry) bool { return true }), true
	case f.ClearCachePattern != "":
		return runClear(c, f.DryRun, fmt.Sprintf("entries matching %q", f.ClearCachePattern), func(key string, _ *cache.Entry) bool {
			return strings.Contains(key, f.ClearCachePattern)
		}), true
	case f.ClearCacheURL != "":
		return runClear(c, f.DryRun, fmt.Sprintf("entries for url %q", f.ClearCacheURL), func(key string, _ *cache.Entry) bool {
			return strings.Contains(key, f.ClearCacheURL)
		}), true
	case f.ClearCacheOlderThan != "":
		d, err := parseAgeDuration(f.ClearCacheOlderThan)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1, true
		}
		cutoff := time.Now().Add(-d).UnixMilli()
		return runClear(c, f.DryRun, fmt.Sprintf("entries older than %s", f.ClearCacheOlderThan), func(_ string, e *cache.Entry) bool {
			return e.CachedAt < cutoff
		}), true
	case f.CacheStats:
		s := c.Stats()
		fmt.Printf("entries: %d/%d\nbytes: %d/%d\n", s.Count, s.MaxEntries, s.TotalBytes, s.MaxBytes)
		return 0, true
	case f.CacheList:
		c.Iterate(func(key string, _ *cache.Entry) { fmt.Println(key) })
		return 0, true
	}
	return 0, false
}

// runClear counts the entries matching pred and, unless dryRun is set,
// deletes them; it prints a report in either case so --dry-run can be
// used to preview a --clear-cache* operation before committing to it.
func runClear(c *cache.Cache, dryRun bool, what string, pred func(string, *cache.Entry) bool) int {
	if dryRun {
		n := 0
		c.Iterate(func(key string, e *cache.Entry) {
			if pred(key, e) {
				n++
			}
		})
		fmt.Printf("dry-run: would clear %d %s\n", n, what)
		return 0
	}
	n, err := c.DeleteMatching(pred)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fmt.Printf("cleared %d %s\n", n, what)
	return 0
}

// parseAgeDuration parses the \d+[smhd] syntax named in the external
// interface.
func parseAgeDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q", s)
	}
}
