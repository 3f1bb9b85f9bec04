// Package auth issues and validates the HS256 bearer tokens the Narvana
// control plane accepts.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors returned by the issuer.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrWeakSecret       = errors.New("jwt secret must be at least 32 characters")
)

// MinSecretLength is the shortest shared secret the control plane accepts.
const MinSecretLength = 32

// Claims represents the JWT claims structure.
type Claims struct {
	UserID string    `json:"user_id"`
	Email  string    `json:"email"`
	Exp    time.Time `json:"exp"`
}

// Config holds issuer configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// Issuer mints and validates control-plane tokens.
type Issuer struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewIssuer creates a token issuer. The secret must be at least MinSecretLength bytes.
func NewIssuer(cfg *Config, logger *slog.Logger) (*Issuer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.JWTSecret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	return &Issuer{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: expiry,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// tokenClaims is the wire form of Claims.
type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken creates a new JWT token for the given user.
func (s *Issuer) GenerateToken(userID, email string) (string, error) {
	if userID == "" {
		return "", ErrMissingClaims
	}

	now := s.now()
	claims := tokenClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signedToken, nil
}

// ValidateToken checks a token minted with the same secret and returns its
// claims. Fake control planes in tests use it to authenticate requests.
func (s *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return nil, ErrInvalidSignature
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return nil, ErrMissingClaims
	}

	return &Claims{
		UserID: claims.Subject,
		Email:  claims.Email,
		Exp:    claims.ExpiresAt.Time,
	}, nil
}
