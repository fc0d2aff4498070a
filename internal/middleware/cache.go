package middleware

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "net/http"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/funnel-ingest/internal/config"
)

func passThrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

// cachedResponse is the value stored for one description.
type cachedResponse struct {
    Status      int    `json:"status"`
    ContentType string `json:"content_type"`
    Body        []byte `json:"body"`
}

// descriptionKey is one entry per tenant and platform.
func descriptionKey(prefix string, c echo.Context) string {
    return prefix + ":" + c.Param("tenant") + ":" + c.Param("platform")
}

// bodyRecorder tees the response into a buffer of at most limit bytes.
type bodyRecorder struct {
    http.ResponseWriter
    status   int
    limit    int
    buf      bytes.Buffer
    overflow bool
}

func (r *bodyRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
    if !r.overflow {
        if r.limit > 0 && r.buf.Len()+len(b) > r.limit {
            r.overflow = true
            r.buf.Reset()
        } else {
            r.buf.Write(b)
        }
    }
    return r.ResponseWriter.Write(b)
}

// NewRedisCache serves GET webhook descriptions from Redis.  Misses run
// the handler and store 200 responses for cfg.TTL; responses carry
// X-Cache: HIT or MISS.  Without Redis it passes every request through.
func NewRedisCache(cfg config.CacheConfig, rdb *redis.Client) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return passThrough
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if c.Request().Method != http.MethodGet {
                return next(c)
            }
            key := descriptionKey(cfg.Prefix, c)

            bs, err := rdb.Get(c.Request().Context(), key).Bytes()
            switch {
            case err == nil:
                var hit cachedResponse
                if json.Unmarshal(bs, &hit) == nil && hit.Status != 0 {
                    c.Response().Header().Set("X-Cache", "HIT")
                    return c.Blob(hit.Status, hit.ContentType, hit.Body)
                }
            case !errors.Is(err, redis.Nil):
                c.Logger().Warnf("cache: get %s: %v", key, err)
            }

            rec := &bodyRecorder{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: cfg.MaxBodyBytes}
            c.Response().Writer = rec
            c.Response().Header().Set("X-Cache", "MISS")
            if err := next(c); err != nil {
                return err
            }
            if rec.status != http.StatusOK || rec.overflow {
                return nil
            }
            entry, err := json.Marshal(cachedResponse{
                Status:      rec.status,
                ContentType: c.Response().Header().Get(echo.HeaderContentType),
                Body:        rec.buf.Bytes(),
            })
            if err != nil {
                return nil
            }
            if err := rdb.Set(context.Background(), key, entry, cfg.TTL).Err(); err != nil {
                c.Logger().Warnf("cache: set %s: %v", key, err)
            }
            return nil
        }
    }
}
