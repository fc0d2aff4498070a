// Package utils holds the hashing applied to identity before it leaves the
// service and the operator access tokens.
package utils

import (
    "crypto/sha256"
    "encoding/hex"
    "strings"
    "unicode"
)

// HashSHA256 returns the hex encoded SHA-256 digest of s.
func HashSHA256(s string) string {
    sum := sha256.Sum256([]byte(s))
    return hex.EncodeToString(sum[:])
}

// HashEmail normalizes an email (trimmed, lower-cased) and hashes it.
// Empty input yields "".
func HashEmail(email string) string {
    email = strings.ToLower(strings.TrimSpace(email))
    if email == "" {
        return ""
    }
    return HashSHA256(email)
}

// HashPhone hashes the digits of a phone number, dropping any '+' and
// punctuation as the ad platform expects.
func HashPhone(phone string) string {
    digits := strings.Map(func(r rune) rune {
        if r >= '0' && r <= '9' {
            return r
        }
        return -1
    }, phone)
    if digits == "" {
        return ""
    }
    return HashSHA256(digits)
}

// HashName lower-cases a name, strips punctuation and whitespace, and
// hashes the result.
func HashName(name string) string {
    n := strings.Map(func(r rune) rune {
        if unicode.IsLetter(r) {
            return unicode.ToLower(r)
        }
        return -1
    }, name)
    if n == "" {
        return ""
    }
    return HashSHA256(n)
}

// HashExternalID hashes an internal identifier so it can be used as a
// stable, non-reversible external id.
func HashExternalID(id string) string {
    id = strings.TrimSpace(id)
    if id == "" {
        return ""
    }
    return HashSHA256(id)
}

// IsSHA256Hex reports whether s looks like an already hashed value.
func IsSHA256Hex(s string) bool {
    if len(s) != 64 {
        return false
    }
    for _, r := range s {
        if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
            return false
        }
    }
    return true
}
