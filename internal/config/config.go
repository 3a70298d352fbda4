// Package config loads and validates the keepcached configuration record.
//
// The shape and the defaulting discipline (explicit-was-set tracking,
// layered defaults -> file -> env -> flags, credential redaction on
// String()) follow the configuration package this proxy was grown
// from; the wire format itself is JSON, not TOML, because the
// configuration record is a literal external contract.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the root configuration record.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Origins     map[string]string `json:"origins"`
	Cache       CacheConfig       `json:"cache"`
	Security    SecurityConfig    `json:"security"`
	RateLimit   RateLimitConfig   `json:"rateLimit"`
	HealthCheck HealthCheckConfig `json:"healthCheck"`
	Plugins     []PluginConfig    `json:"plugins"`
	Logging     LoggingConfig     `json:"logging"`
	Tracing     TracingConfig     `json:"tracing"`
	Connection  ConnectionConfig  `json:"connection"`

	// set by the loader, not by the file itself
	wasLoadedFromFile bool
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Port    int    `json:"port"`
	Host    string `json:"host"`
	Origin  string `json:"origin"`
	TLSCert string `json:"tlsCert"`
	TLSKey  string `json:"tlsKey"`
}

// CacheConfig configures the Cache Store (C1) and Key/TTL Policy (C2).
type CacheConfig struct {
	Enabled         bool              `json:"enabled"`
	Backend         string            `json:"backend"` // document | bbolt | redis
	DefaultTTLSecs  int               `json:"defaultTTL"`
	MaxEntries      int               `json:"maxEntries"`
	MaxSizeMB       int               `json:"maxSizeMB"`
	Compression     string            `json:"compression"` // none | gzip | brotli
	CacheKeyHeaders []string          `json:"cacheKeyHeaders"`
	PatternTTL      map[string]int    `json:"patternTTL"` // seconds, keyed by glob pattern
	Version         string            `json:"version"`
	Versioning      VersioningConfig  `json:"versioning"`
	BBolt           BBoltConfig       `json:"bbolt"`
	Redis           RedisConfig       `json:"redis"`
	extra           map[string]string // reserved for forward-compat sub-blocks
}

// VersioningConfig governs what happens when --version-tag no longer
// matches the stored epoch.
type VersioningConfig struct {
	PurgeOnMismatch bool `json:"purgeOnMismatch"`
}

// BBoltConfig configures the embedded bbolt backend.
type BBoltConfig struct {
	Path   string `json:"path"`
	Bucket string `json:"bucket"`
}

// RedisConfig configures the shared redis backend.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SecurityConfig controls admission-adjacent request limits.
type SecurityConfig struct {
	ExcludeAuthenticatedRequests bool  `json:"excludeAuthenticatedRequests"`
	MaxRequestSize               int64 `json:"maxRequestSize"`
}

// RateLimitConfig configures C5.
type RateLimitConfig struct {
	Enabled           bool     `json:"enabled"`
	RequestsPerMinute int      `json:"requestsPerMinute"`
	RequestsPerHour   int      `json:"requestsPerHour"`
	GlobalLimit       int      `json:"globalLimit"`
	GlobalBurst       int      `json:"globalBurst"`
	Whitelist         []string `json:"whitelist"`
	Blacklist         []string `json:"blacklist"`
}

// HealthCheckConfig configures C7.
type HealthCheckConfig struct {
	Enabled  bool     `json:"enabled"`
	Interval int      `json:"interval"` // seconds
	Timeout  int      `json:"timeout"`  // seconds
	Path     string   `json:"path"`
	Method   string   `json:"method"`
	Origins  []string `json:"origins"`
}

// PluginConfig is one entry of the ordered plugin list.
type PluginConfig struct {
	Name    string          `json:"name"`
	Path    string          `json:"path"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// TracingConfig selects the tracer implementation.
type TracingConfig struct {
	Implementation    string `json:"implementation"` // stdout | jaeger | none
	CollectorEndpoint string `json:"collectorEndpoint"`
}

// ConnectionConfig governs the Origin Client's (C6) shared transport,
// mirroring the teacher's per-origin MaxIdleConns/KeepAliveTimeoutSecs
// knobs (here applied to the one shared transport rather than one per
// origin, since this proxy's origins are plain URLs rather than full
// per-origin config blocks).
type ConnectionConfig struct {
	MaxIdleConns         int `json:"maxIdleConns"`
	KeepAliveTimeoutSecs int `json:"keepAliveTimeoutSecs"`
	RequestTimeoutSecs   int `json:"requestTimeoutSecs"`
}

// New returns a Config populated with defaults (see defaults.go).
func New() *Config {
	c := &Config{
		Server:      ServerConfig{Port: defaultPort, Host: defaultHost},
		Origins:     map[string]string{},
		Cache:       defaultCacheConfig(),
		Security:    SecurityConfig{MaxRequestSize: defaultMaxRequestSize},
		RateLimit:   defaultRateLimitConfig(),
		HealthCheck: defaultHealthCheckConfig(),
		Plugins:     nil,
		Logging:     LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Tracing:     TracingConfig{Implementation: defaultTracingImpl},
		Connection:  defaultConnectionConfig(),
	}
	return c
}

// LoadFile decodes a JSON configuration file over a set of defaults.
// Unlike the TOML "IsDefined" tracking this proxy's ancestor used,
// encoding/json's own zero-value semantics are enough here because
// every default is itself written into the target Config struct
// before Unmarshal runs, and JSON only overwrites fields present in
// the document.
func LoadFile(path string, into *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	into.wasLoadedFromFile = true
	return nil
}

// Validate enforces the invariants the loader relies on before the
// pipeline starts; failures here map to exit code 1 (ConfigInvalid).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	switch c.Cache.Backend {
	case "document", "bbolt", "redis":
	default:
		return fmt.Errorf("config: invalid cache.backend %q", c.Cache.Backend)
	}
	switch c.Cache.Compression {
	case "none", "gzip", "brotli":
	default:
		return fmt.Errorf("config: invalid cache.compression %q", c.Cache.Compression)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.maxEntries must be positive")
	}
	if c.Cache.MaxSizeMB <= 0 {
		return fmt.Errorf("config: cache.maxSizeMB must be positive")
	}
	if len(c.Origins) == 0 && c.Server.Origin == "" {
		return fmt.Errorf("config: at least one origin must be configured")
	}
	switch c.Tracing.Implementation {
	case "stdout", "jaeger", "none", "":
	default:
		return fmt.Errorf("config: invalid tracing.implementation %q", c.Tracing.Implementation)
	}
	return nil
}

// Copy returns a deep-enough copy for safe concurrent hot-reload
// snapshotting, mirroring the Copy() idiom this package's ancestor
// used for the same purpose.
func (c *Config) Copy() *Config {
	cp := *c
	cp.Origins = make(map[string]string, len(c.Origins))
	for k, v := range c.Origins {
		cp.Origins[k] = v
	}
	cp.Cache.CacheKeyHeaders = append([]string(nil), c.Cache.CacheKeyHeaders...)
	cp.Cache.PatternTTL = make(map[string]int, len(c.Cache.PatternTTL))
	for k, v := range c.Cache.PatternTTL {
		cp.Cache.PatternTTL[k] = v
	}
	cp.RateLimit.Whitelist = append([]string(nil), c.RateLimit.Whitelist...)
	cp.RateLimit.Blacklist = append([]string(nil), c.RateLimit.Blacklist...)
	cp.HealthCheck.Origins = append([]string(nil), c.HealthCheck.Origins...)
	cp.Plugins = append([]PluginConfig(nil), c.Plugins...)
	return &cp
}

// String redacts credential-bearing fields before printing, matching
// the hideAuthorizationCredentials idiom this config format inherits.
func (c *Config) String() string {
	redacted := c.Copy()
	redacted.Cache.Redis.Password = redactedValue(redacted.Cache.Redis.Password)
	b, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(b)
}

func redactedValue(s string) string {
	if s == "" {
		return ""
	}
	return "*****"
}
