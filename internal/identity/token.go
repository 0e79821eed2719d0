package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const signingKeyInfo = "marketrust session credential v1"

// ErrMissingSigningSecret is returned when no token secret is configured.
var ErrMissingSigningSecret = errors.New("token signing secret is not configured")

// TokenMinter issues and verifies session credentials bound to a user id.
type TokenMinter interface {
	Mint(ctx context.Context, subject string) (string, time.Time, error)
	Verify(ctx context.Context, token string) (string, error)
}

// JWTMinter mints HS256 tokens with a key derived from the configured secret.
type JWTMinter struct {
	key    []byte
	issuer string
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewJWTMinter derives the signing key from secret.
func NewJWTMinter(secret, issuer string, ttl time.Duration) (*JWTMinter, error) {
	if secret == "" {
		return nil, ErrMissingSigningSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signingKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &JWTMinter{key: key, issuer: issuer, ttl: ttl, nowFn: time.Now}, nil
}

// WithClock overrides the time provider (used primarily in tests).
func (m *JWTMinter) WithClock(nowFn func() time.Time) *JWTMinter {
	if nowFn != nil {
		m.nowFn = nowFn
	}
	return m
}

func (m *JWTMinter) Mint(_ context.Context, subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("empty subject")
	}
	now := m.nowFn()
	expires := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (m *JWTMinter) Verify(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.nowFn),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.key, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
