package utils

import (
    "errors"
    "time"

    "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by ParseAccessToken for any token that does
// not verify: bad signature, wrong algorithm, expired or missing claims.
var ErrInvalidToken = errors.New("invalid access token")

// OperatorClaims are the claims of an operator access token.  Subject
// names the operator; Role gates the admin routes.
type OperatorClaims struct {
    Role string `json:"role"`
    jwt.RegisteredClaims
}

// AccessToken is a signed operator token and its expiry.
type AccessToken struct {
    Token string
    Exp   time.Time
}

const tokenIssuer = "funnel-ingest"

// NewAccessToken signs an HS256 token for subject with the given role,
// valid for ttlMin minutes.
func NewAccessToken(secret, subject, role string, ttlMin int) (AccessToken, error) {
    now := time.Now().UTC()
    exp := now.Add(time.Duration(ttlMin) * time.Minute)
    claims := OperatorClaims{
        Role: role,
        RegisteredClaims: jwt.RegisteredClaims{
            Issuer:    tokenIssuer,
            Subject:   subject,
            IssuedAt:  jwt.NewNumericDate(now),
            ExpiresAt: jwt.NewNumericDate(exp),
        },
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    if err != nil {
        return AccessToken{}, err
    }
    return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseAccessToken verifies raw against secret and returns its claims.
// Only HS256 tokens from this issuer with an expiry and a subject pass.
func ParseAccessToken(secret, raw string) (OperatorClaims, error) {
    var claims OperatorClaims
    tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
        return []byte(secret), nil
    },
        jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
        jwt.WithExpirationRequired(),
        jwt.WithIssuer(tokenIssuer),
    )
    if err != nil || !tok.Valid || claims.Subject == "" {
        return OperatorClaims{}, ErrInvalidToken
    }
    return claims, nil
}
