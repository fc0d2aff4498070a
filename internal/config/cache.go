package config

import "time"

// CacheConfig controls the Redis cache in front of the webhook
// description endpoint.  Entries are keyed by tenant and platform.
type CacheConfig struct {
    Enabled bool
    TTL     time.Duration
    Prefix  string
    // MaxBodyBytes skips caching responses larger than this.
    MaxBodyBytes int
}

// LoadCacheConfig reads CACHE_* variables.
func LoadCacheConfig() CacheConfig {
    cfg := CacheConfig{
        Enabled:      envBool("CACHE_ENABLED", true),
        TTL:          envDur("CACHE_TTL", 5*time.Minute),
        Prefix:       envStr("CACHE_PREFIX", "cache:webhook"),
        MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 64<<10),
    }
    if cfg.TTL <= 0 {
        cfg.TTL = 5 * time.Minute
    }
    return cfg
}
