package config

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// Flags holds the CLI surface named in the external interface: the
// cache-maintenance switches are parsed here but acted on by the
// caller (cmd/keepcached), since they are one-shot operations against
// an already-loaded cache, not config fields.
type Flags struct {
	Port    int
	Origin  string
	Config  string

	ClearCache          bool
	ClearCachePattern   string
	ClearCacheURL       string
	ClearCacheOlderThan string
	DryRun              bool

	CacheStats bool
	CacheList  bool

	VersionTag string
}

// ParseFlags parses os.Args[1:] (or the given args) into a Flags
// value using POSIX/GNU double-dash flags, matching the CLI idiom
// this proxy's ancestor used.
func ParseFlags(args []string) (*Flags, error) {
	fs := flag.NewFlagSet("keepcached", flag.ContinueOnError)
	f := &Flags{}
	fs.IntVar(&f.Port, "port", 0, "listen port")
	fs.StringVar(&f.Origin, "origin", "", "single origin URL")
	fs.StringVar(&f.Config, "config", "", "JSON configuration file path")
	fs.BoolVar(&f.ClearCache, "clear-cache", false, "clear the entire cache")
	fs.StringVar(&f.ClearCachePattern, "clear-cache-pattern", "", "clear cache entries matching a key pattern")
	fs.StringVar(&f.ClearCacheURL, "clear-cache-url", "", "clear cache entries for a URL")
	fs.StringVar(&f.ClearCacheOlderThan, "clear-cache-older-than", "", `clear cache entries older than a duration (\d+[smhd])`)
	fs.BoolVar(&f.DryRun, "dry-run", false, "report what a clear-cache operation would do without mutating the store")
	fs.BoolVar(&f.CacheStats, "cache-stats", false, "print cache statistics and exit")
	fs.BoolVar(&f.CacheList, "cache-list", false, "list cache keys and exit")
	fs.StringVar(&f.VersionTag, "version-tag", "", "cache-epoch tag")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load applies the layered defaults -> file -> env -> flags cascade
// and validates the result. applicationName is not consulted; the
// env-var prefix is the fixed KEEPCACHED_.
func Load(applicationName string, f *Flags) (*Config, error) {
	c := New()

	if f.Config != "" {
		if err := LoadFile(f.Config, c); err != nil {
			return nil, err
		}
	}

	applyEnv(c)

	if f.Port != 0 {
		c.Server.Port = f.Port
	}
	if f.Origin != "" {
		c.Server.Origin = f.Origin
		if c.Origins == nil {
			c.Origins = map[string]string{}
		}
		c.Origins["default"] = f.Origin
	}
	if f.VersionTag != "" {
		c.Cache.Version = f.VersionTag
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv overlays a small set of environment variables, matching
// the defaults -> file -> env -> flags cascade order; only the knobs
// an operator is likely to need to override without a redeploy are
// exposed this way.
func applyEnv(c *Config) {
	if v := os.Getenv("KEEPCACHED_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("KEEPCACHED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEEPCACHED_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("KEEPCACHED_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
}
