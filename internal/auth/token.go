// Package auth verifies gateway callers: access tokens, request signatures and
// firewall exception rules.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Token verification errors.
var (
	ErrMissingToken = errors.New("access token is required")
	ErrInvalidToken = errors.New("access token is invalid")
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	// Source names the verifier that accepted the caller: static, jwt or firewall.
	Source string
	Claims map[string]any
}

// TokenVerifier validates an access token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// HashKey creates a SHA-256 hash of a token.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ParseAuthHeader extracts the token from an Authorization header.
// Supports formats: "Bearer <token>" or just "<token>".
func ParseAuthHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header is empty")
	}
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			return "", fmt.Errorf("bearer token is empty")
		}
		return token, nil
	}
	return strings.TrimSpace(header), nil
}

// MaskKey returns a masked version of the key for logging.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// StaticVerifier accepts a fixed set of tokens. Only token hashes are kept in memory.
type StaticVerifier struct {
	subjects map[string]string // hash -> subject
}

// NewStaticVerifier creates a verifier from token → subject pairs.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	subjects := make(map[string]string, len(tokens))
	for token, subject := range tokens {
		if token == "" {
			continue
		}
		if subject == "" {
			subject = MaskKey(token)
		}
		subjects[HashKey(token)] = subject
	}
	return &StaticVerifier{subjects: subjects}
}

// Verify implements TokenVerifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	hash := HashKey(token)
	for known, subject := range v.subjects {
		if subtle.ConstantTimeCompare([]byte(known), []byte(hash)) == 1 {
			return &Principal{Subject: subject, Source: "static"}, nil
		}
	}
	return nil, ErrInvalidToken
}

// Len returns the number of configured tokens.
func (v *StaticVerifier) Len() int { return len(v.subjects) }

// JWTVerifier accepts HMAC signed JWTs.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier for HS256/HS384/HS512 tokens.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, _ := claims.GetSubject()
	return &Principal{Subject: subject, Source: "jwt", Claims: claims}, nil
}

// SignJWT issues an HS256 token; used by operators and tests.
func SignJWT(secret string, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ChainVerifier tries verifiers in order and returns the first success.
type ChainVerifier []TokenVerifier

// Verify implements TokenVerifier.
func (c ChainVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if len(c) == 0 {
		return nil, ErrInvalidToken
	}
	var lastErr error
	for _, v := range c {
		p, err := v.Verify(ctx, token)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
