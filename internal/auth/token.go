// Package auth issues and validates the bearer tokens that guard the mutating
// diagnostics endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultIssuer is the issuer claim of admin tokens.
	DefaultIssuer = "crustclub-monitord"

	// DefaultAudience is the audience claim of admin tokens.
	DefaultAudience = "crustclub-diagnostics"

	// DefaultTokenTTL is how long an issued admin token stays valid.
	DefaultTokenTTL = 12 * time.Hour

	// RoleAdmin is the only role accepted by the diagnostics API.
	RoleAdmin = "admin"
)

var (
	ErrNoSigningKey = errors.New("token signing key is required")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrNotAdmin     = errors.New("token does not grant admin access")
)

// Claims are the claims carried by admin tokens.
type Claims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}

// TokenConfig holds configuration for the token service.
type TokenConfig struct {
	// SigningKey is the HS256 secret.
	SigningKey string

	// Issuer defaults to DefaultIssuer.
	Issuer string

	// Audience defaults to DefaultAudience.
	Audience string
}

// TokenService signs and validates admin tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
	audience   string
	now        func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.SigningKey == "" {
		return nil, ErrNoSigningKey
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	return &TokenService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		now:        time.Now,
	}, nil
}

// Issue signs an admin token for subject. A non-positive ttl uses
// DefaultTokenTTL.
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Role: RoleAdmin,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing admin token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate checks the signature, issuer, audience, expiry and role of token.
func (s *TokenService) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin {
		return nil, ErrNotAdmin
	}
	return claims, nil
}
