package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/crustclub/crustclub/internal/auth"
)

// issueToken prints an admin bearer token signed with ADMIN_JWT_SIGNING_KEY.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "operator the token is issued to")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("token: -subject is required")
	}

	svc, err := auth.NewTokenService(auth.TokenConfig{SigningKey: os.Getenv("ADMIN_JWT_SIGNING_KEY")})
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	token, expires, err := svc.Issue(*subject, *ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}
