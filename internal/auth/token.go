// ABOUTME: JWT issuing and verification for runners and API callers
// ABOUTME: HS256 tokens carrying the subject and the caller kind

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted HS256 secret size.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongKind    = errors.New("token kind not allowed here")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Kind says what a token may be used for.
type Kind string

const (
	KindRunner Kind = "runner"
	KindAPI    Kind = "api"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindRunner || k == KindAPI }

// Claims is the verified content of a token.
type Claims struct {
	Kind Kind `json:"kind"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier issues and verifies HS256 tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the signature, expiry, subject and kind.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if !claims.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind", ErrMissingClaim)
	}
	return claims, nil
}

// Generate signs a token for subject. A zero expiresIn issues a token that
// never expires.
func (v *JWTVerifier) Generate(subject string, kind Kind, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("unknown token kind %q", kind)
	}
	now := time.Now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiresIn > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
