// Package main provides a simple tool to generate operator JWTs for the keel API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/keelhost/control-plane/internal/auth"
	"github.com/keelhost/control-plane/pkg/logger"
)

func main() {
	userID := flag.String("user", "admin", "User ID for the token")
	admin := flag.Bool("admin", false, "Grant admin rights over every service")
	secret := flag.String("secret", "", "JWT secret (or set JWT_SECRET env var)")
	expiry := flag.Duration("expiry", 24*365*time.Hour, "Token expiry duration (default: 1 year)")
	flag.Parse()

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT secret required. Use -secret flag or set JWT_SECRET env var")
		fmt.Fprintln(os.Stderr, "Example: go run ./cmd/gentoken -user alice -secret 'your-secret-at-least-32-chars-long'")
		os.Exit(1)
	}
	if len(jwtSecret) < 32 {
		fmt.Fprintln(os.Stderr, "Error: JWT secret must be at least 32 characters")
		os.Exit(1)
	}
	if *expiry <= 0 {
		fmt.Fprintln(os.Stderr, "Error: expiry must be positive")
		os.Exit(1)
	}

	cfg := &auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
	}

	svc := auth.NewService(cfg, logger.Discard())
	token, err := svc.GenerateToken(*userID, *admin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
