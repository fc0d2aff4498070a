package config

import (
    "context"
    "crypto/tls"
    "fmt"
    "net"
    "time"

    "github.com/redis/go-redis/v9"
)

// RedisOptions reads the connection settings.  REDIS_HOST and REDIS_PORT
// take precedence over REDIS_ADDR.
func RedisOptions() *redis.Options {
    addr := envStr("REDIS_ADDR", "localhost:6379")
    if host, port := envStr("REDIS_HOST", ""), envStr("REDIS_PORT", ""); host != "" && port != "" {
        addr = net.JoinHostPort(host, port)
    }
    opts := &redis.Options{
        Addr:         addr,
        Password:     envStr("REDIS_PASSWORD", ""),
        DB:           envInt("REDIS_DB", 0),
        PoolSize:     envInt("REDIS_POOL_SIZE", 20),
        DialTimeout:  envDur("REDIS_DIAL_TIMEOUT", 2*time.Second),
        ReadTimeout:  envDur("REDIS_READ_TIMEOUT", time.Second),
        WriteTimeout: envDur("REDIS_WRITE_TIMEOUT", time.Second),
    }
    if envBool("REDIS_TLS", false) {
        opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
    }
    return opts
}

// NewRedisClient connects and pings the server.  The purchase-total lock,
// the rate limiter and the description cache all accept a nil client, so
// callers log the error and carry on without Redis.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
    opts := RedisOptions()
    client := redis.NewClient(opts)
    pctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
    defer cancel()
    if err := client.Ping(pctx).Err(); err != nil {
        _ = client.Close()
        return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
    }
    return client, nil
}
