package config

// Default values, kept as a const/var block the way this config
// package's ancestor enumerated its defaults.
const (
	defaultPort     = 9090
	defaultHost     = "0.0.0.0"
	defaultLogLevel = "info"
	defaultLogFormat = "logfmt"

	defaultCacheBackend        = "document"
	defaultCacheTTLSecs        = 300
	defaultCacheMaxEntries     = 10000
	defaultCacheMaxSizeMB      = 512
	defaultCacheCompression    = "gzip"
	defaultCacheVersion        = "1"
	defaultMaxRequestSize      = 10 << 20 // 10MiB

	defaultRateLimitPerMinute = 60
	defaultRateLimitPerHour   = 1000
	defaultGlobalLimit        = 600
	defaultGlobalBurst        = 60

	defaultHealthInterval = 30
	defaultHealthTimeout  = 5
	defaultHealthPath     = "/"
	defaultHealthMethod   = "HEAD"

	defaultTracingImpl = "none"

	defaultMaxIdleConns         = 64
	defaultKeepAliveTimeoutSecs = 90
	defaultRequestTimeoutSecs   = 30
)

func defaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:        true,
		Backend:        defaultCacheBackend,
		DefaultTTLSecs: defaultCacheTTLSecs,
		MaxEntries:     defaultCacheMaxEntries,
		MaxSizeMB:      defaultCacheMaxSizeMB,
		Compression:    defaultCacheCompression,
		Version:        defaultCacheVersion,
		PatternTTL:     map[string]int{},
		Versioning:     VersioningConfig{PurgeOnMismatch: true},
		BBolt:          BBoltConfig{Path: "/tmp/keepcached/cache.db", Bucket: "entries"},
		Redis:          RedisConfig{Addr: "127.0.0.1:6379"},
	}
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: defaultRateLimitPerMinute,
		RequestsPerHour:   defaultRateLimitPerHour,
		GlobalLimit:       defaultGlobalLimit,
		GlobalBurst:       defaultGlobalBurst,
	}
}

func defaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxIdleConns:         defaultMaxIdleConns,
		KeepAliveTimeoutSecs: defaultKeepAliveTimeoutSecs,
		RequestTimeoutSecs:   defaultRequestTimeoutSecs,
	}
}

func defaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:  true,
		Interval: defaultHealthInterval,
		Timeout:  defaultHealthTimeout,
		Path:     defaultHealthPath,
		Method:   defaultHealthMethod,
	}
}
