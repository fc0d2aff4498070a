package config // package config loads application configuration from environment variables

import (
    "log"
    "os"
    "strconv"
    "time"
)

// Config holds the settings every process needs.  Each field corresponds
// to an environment variable.
type Config struct {
    Env       string // APP_ENV (dev, test, prod)
    Port      string // APP_PORT
    JWTSecret string // JWT_SECRET, signs operator tokens
    DB        DBConfig
}

// DBConfig describes the MySQL connection and its pool.
type DBConfig struct {
    User string
    Pass string
    Host string
    Port string
    Name string

    MaxOpenConns    int
    MaxIdleConns    int
    ConnMaxLifetime time.Duration
    // ConnectAttempts bounds the startup ping loop.
    ConnectAttempts int
}

// Load reads the configuration.  Missing required variables stop the
// program with a fatal log message.
func Load() Config {
    return Config{
        Env:       must("APP_ENV"),
        Port:      must("APP_PORT"),
        JWTSecret: must("JWT_SECRET"),
        DB: DBConfig{
            User:            must("DB_USER"),
            Pass:            os.Getenv("DB_PASS"),
            Host:            must("DB_HOST"),
            Port:            must("DB_PORT"),
            Name:            must("DB_NAME"),
            MaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 40),
            MaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 20),
            ConnMaxLifetime: envDur("DB_CONN_MAX_LIFETIME", 30*time.Minute),
            ConnectAttempts: envInt("DB_CONNECT_ATTEMPTS", 5),
        },
    }
}

// AccessTokenTTL returns ACCESS_TOKEN_TTL_MIN, or def when it is unset or
// not a positive integer.
func AccessTokenTTL(def int) int {
    if n, err := strconv.Atoi(os.Getenv("ACCESS_TOKEN_TTL_MIN")); err == nil && n > 0 {
        return n
    }
    return def
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
    v, ok := os.LookupEnv(key)
    if !ok || v == "" {
        log.Fatalf("missing required env var: %s", key)
    }
    return v
}
