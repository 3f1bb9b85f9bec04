// Package main mints a bearer token that deployprobe presents to the Narvana
// control plane when no static token is configured.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/narvanalabs/deployprobe/internal/auth"
)

func main() {
	userID := flag.String("user", "deployprobe", "User ID for the token")
	email := flag.String("email", "", "Email for the token")
	secret := flag.String("secret", "", "JWT secret (or set JWT_SECRET env var)")
	expiry := flag.Duration("expiry", time.Hour, "Token expiry duration")
	flag.Parse()

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT secret required. Use -secret flag or set JWT_SECRET env var")
		fmt.Fprintln(os.Stderr, "Example: JWT_SECRET=... go run ./cmd/gentoken -expiry 15m")
		os.Exit(1)
	}

	issuer, err := auth.NewIssuer(&auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (need at least %d characters)\n", err, auth.MinSecretLength)
		os.Exit(1)
	}

	token, err := issuer.GenerateToken(*userID, *email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
