// Package auth provides optional JWT bearer authentication with
// Redis-backed token revocation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Errors returned by the auth service.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrRevokedToken = errors.New("auth: token revoked")
)

// Claims holds the authenticated subject extracted from a token.
type Claims struct {
	Subject   string    `json:"subject"`
	TokenID   string    `json:"token_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and validates HS256 bearer tokens. With an empty
// secret the service is disabled and Enabled reports false; the server
// then mounts no auth middleware.
type Service struct {
	rdb       *redis.Client
	jwtSecret []byte
	jwtTTL    time.Duration
}

// NewService creates the auth service. rdb may be nil, in which case
// revocation checks are skipped.
func NewService(rdb *redis.Client, jwtSecret string) *Service {
	return &Service{
		rdb:       rdb,
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    24 * time.Hour,
	}
}

// Enabled reports whether a signing secret is configured.
func (s *Service) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// IssueToken creates a signed token for the given subject.
func (s *Service) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"jti": uuid.NewString(),
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a token's signature and expiry, then checks
// the revocation list.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, _ := mapClaims["sub"].(string)
	jti, _ := mapClaims["jti"].(string)
	if subject == "" || jti == "" {
		return nil, ErrInvalidToken
	}

	iat, _ := mapClaims.GetIssuedAt()
	exp, _ := mapClaims.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	if s.rdb != nil {
		revoked, err := s.rdb.Exists(ctx, revokedKey(jti)).Result()
		if err == nil && revoked > 0 {
			return nil, ErrRevokedToken
		}
	}

	return &Claims{
		Subject:   subject,
		TokenID:   jti,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// RevokeToken marks a token's id as revoked until the token would have
// expired anyway.
func (s *Service) RevokeToken(ctx context.Context, tokenStr string) error {
	claims, err := s.ValidateToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if s.rdb == nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, revokedKey(claims.TokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("auth: store revocation: %w", err)
	}
	return nil
}

// revokedKey returns the Redis key marking a token id as revoked.
func revokedKey(jti string) string {
	return "auth:revoked:" + jti
}

// --- Middleware ---

type contextKey string

const claimsKey contextKey = "claims"

// Middleware validates bearer tokens from the Authorization header and
// injects Claims into the request context. Missing or invalid tokens
// get a 401.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"missing or invalid authorization header"}}`, http.StatusUnauthorized)
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"invalid or expired token"}}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext extracts Claims from the request context. Returns
// nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}
