// Command optoken mints an operator access token for the admin API.
//
//	optoken -sub alice -role OPERATOR -ttl 60
//
// The signing secret comes from JWT_SECRET (a .env file is honored).
// The lifetime defaults to ACCESS_TOKEN_TTL_MIN, or 60 minutes.
package main

import (
    "flag"
    "fmt"
    "os"
    "time"

    "github.com/joho/godotenv"

    "github.com/iliyamo/funnel-ingest/internal/config"
    "github.com/iliyamo/funnel-ingest/internal/middleware"
    "github.com/iliyamo/funnel-ingest/internal/utils"
)

func main() {
    _ = godotenv.Load()

    sub := flag.String("sub", "", "operator name (token subject)")
    role := flag.String("role", middleware.RoleOperator, "OPERATOR or ADMIN")
    ttl := flag.Int("ttl", config.AccessTokenTTL(60), "token lifetime in minutes (default from ACCESS_TOKEN_TTL_MIN)")
    flag.Parse()

    secret := os.Getenv("JWT_SECRET")
    if secret == "" {
        fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
        os.Exit(2)
    }
    if *sub == "" {
        fmt.Fprintln(os.Stderr, "-sub is required")
        os.Exit(2)
    }
    if *role != middleware.RoleOperator && *role != middleware.RoleAdmin {
        fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
        os.Exit(2)
    }
    tok, err := utils.NewAccessToken(secret, *sub, *role, *ttl)
    if err != nil {
        fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
        os.Exit(1)
    }
    fmt.Println(tok.Token)
    fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}
