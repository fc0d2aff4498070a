package adapter

import (
    "bytes"
    "encoding/json"
    "fmt"
    "strconv"
    "strings"
    "time"

    "github.com/shopspring/decimal"
)

// payload is a decoded JSON object.  Numbers are kept as json.Number so
// amounts never pass through float64.
type payload map[string]any

// decode parses body.  An array body yields its first element.
func decode(body []byte) (payload, error) {
    dec := json.NewDecoder(bytes.NewReader(body))
    dec.UseNumber()
    var v any
    if err := dec.Decode(&v); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
    }
    switch t := v.(type) {
    case map[string]any:
        return t, nil
    case []any:
        if len(t) > 0 {
            if m, ok := t[0].(map[string]any); ok {
                return m, nil
            }
        }
        return nil, fmt.Errorf("%w: empty array", ErrMalformed)
    }
    return nil, fmt.Errorf("%w: expected object", ErrMalformed)
}

// raw re-encodes the object so array-wrapped bodies are stored unwrapped.
func (p payload) raw() json.RawMessage {
    b, err := json.Marshal(map[string]any(p))
    if err != nil {
        return nil
    }
    return b
}

// lookup walks a dotted path.  Numeric parts index into arrays.
func (p payload) lookup(path string) (any, bool) {
    var cur any = map[string]any(p)
    for _, part := range strings.Split(path, ".") {
        switch node := cur.(type) {
        case map[string]any:
            v, ok := node[part]
            if !ok {
                return nil, false
            }
            cur = v
        case []any:
            i, err := strconv.Atoi(part)
            if err != nil || i < 0 || i >= len(node) {
                return nil, false
            }
            cur = node[i]
        default:
            return nil, false
        }
        if cur == nil {
            return nil, false
        }
    }
    return cur, true
}

// object returns the nested object at path, or nil.
func (p payload) object(path string) payload {
    v, ok := p.lookup(path)
    if !ok {
        return nil
    }
    m, _ := v.(map[string]any)
    return m
}

// str returns the first non-empty string (or number) among paths.
func (p payload) str(paths ...string) string {
    for _, path := range paths {
        v, ok := p.lookup(path)
        if !ok {
            continue
        }
        switch t := v.(type) {
        case string:
            if s := strings.TrimSpace(t); s != "" {
                return s
            }
        case json.Number:
            return t.String()
        }
    }
    return ""
}

// amount returns the first parseable decimal among paths.  Strings may
// carry a currency symbol and thousands separators.
func (p payload) amount(paths ...string) (decimal.Decimal, bool) {
    for _, path := range paths {
        v, ok := p.lookup(path)
        if !ok {
            continue
        }
        var s string
        switch t := v.(type) {
        case json.Number:
            s = t.String()
        case string:
            s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(t)
        default:
            continue
        }
        if d, err := decimal.NewFromString(s); err == nil {
            return d, true
        }
    }
    return decimal.Zero, false
}

// integer returns the first integral value among paths.
func (p payload) integer(paths ...string) (int64, bool) {
    for _, path := range paths {
        v, ok := p.lookup(path)
        if !ok {
            continue
        }
        switch t := v.(type) {
        case json.Number:
            if n, err := t.Int64(); err == nil {
                return n, true
            }
        case string:
            if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
                return n, true
            }
        }
    }
    return 0, false
}

// timestamp parses RFC 3339 strings or unix timestamps (seconds or
// milliseconds).  Zero is returned when nothing parses.
func (p payload) timestamp(paths ...string) time.Time {
    for _, path := range paths {
        v, ok := p.lookup(path)
        if !ok {
            continue
        }
        switch t := v.(type) {
        case json.Number:
            if n, err := t.Int64(); err == nil && n > 0 {
                return unixTime(n)
            }
        case string:
            s := strings.TrimSpace(t)
            for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
                if ts, err := time.Parse(layout, s); err == nil {
                    return ts.UTC()
                }
            }
            if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
                return unixTime(n)
            }
        }
    }
    return time.Time{}
}

func unixTime(n int64) time.Time {
    if n > 1e12 {
        return time.UnixMilli(n).UTC()
    }
    return time.Unix(n, 0).UTC()
}
